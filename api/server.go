// Package api exposes a diagnostic HTTP surface over a running hub:
// connectivity states, settings inspection and writes, and a websocket
// stream of live readings. It is a local operations tool, not a public
// API; there is deliberately no auth layer.
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/device"
	"github.com/perimetric/cansense/logging"
)

const (
	setTimeout  = time.Second
	setAttempts = 3
)

// Server serves the diagnostic API for one hub.
type Server struct {
	log *logging.Logger
	hub *canbus.Hub

	mu      sync.RWMutex
	devices map[string]*device.Device

	httpSrv *http.Server

	streamMu sync.Mutex
	clients  map[*wsClient]struct{}
}

// NewServer creates a server over the given hub.
func NewServer(hub *canbus.Hub, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		log:     log.With("component", "api"),
		hub:     hub,
		devices: make(map[string]*device.Device),
		clients: make(map[*wsClient]struct{}),
	}
}

// AddDevice makes a device addressable by name in the API.
func (s *Server) AddDevice(name string, d *device.Device) {
	s.mu.Lock()
	s.devices[name] = d
	s.mu.Unlock()
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/devices", s.listDevices)
	r.Get("/devices/{name}/settings", s.getSettings)
	r.Post("/devices/{name}/settings/{id}", s.setSetting)
	r.Get("/stream", s.handleStream)
	return r
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("serve failed", "addr", addr, "err", err)
		}
	}()
	s.log.Info("diagnostic api listening", "addr", addr)
}

// Shutdown stops the HTTP server and closes stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type deviceJSON struct {
	Name        string    `json:"name"`
	Bus         int       `json:"bus"`
	Type        uint8     `json:"type"`
	ID          uint8     `json:"id"`
	State       string    `json:"state"`
	LastMessage time.Time `json:"last_message"`
	Firmware    string    `json:"firmware,omitempty"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	statuses := s.hub.Statuses()
	out := make([]deviceJSON, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, deviceJSON{
			Name:        st.Label,
			Bus:         st.Addr.Bus,
			Type:        st.Addr.Type,
			ID:          st.Addr.ID,
			State:       st.State.String(),
			LastMessage: st.LastMessage,
			Firmware:    st.Firmware,
		})
	}
	render.JSON(w, r, out)
}

type settingJSON struct {
	ID        uint8     `json:"id"`
	Raw       uint64    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(chi.URLParam(r, "name"))
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "unknown device"})
		return
	}
	known := d.Settings.Known()
	out := make([]settingJSON, 0, len(known))
	for id, v := range known {
		out = append(out, settingJSON{ID: id, Raw: v.Raw, Timestamp: v.Timestamp})
	}
	render.JSON(w, r, out)
}

type setRequest struct {
	Value uint64 `json:"value"`
}

func (s *Server) setSetting(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(chi.URLParam(r, "name"))
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "unknown device"})
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 8)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "bad setting id"})
		return
	}
	var req setRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "bad request body"})
		return
	}

	confirmed := d.Settings.SetOne(uint8(id), req.Value, setTimeout, setAttempts)
	render.JSON(w, r, map[string]bool{"confirmed": confirmed})
}

func (s *Server) lookup(name string) (*device.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[name]
	return d, ok
}
