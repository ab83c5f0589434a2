package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	// Local diagnostic tool; cross-origin pages on the same host are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type streamEvent struct {
	Device    string    `json:"device"`
	Cell      string    `json:"cell"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.streamMu.Lock()
	s.clients[c] = struct{}{}
	s.streamMu.Unlock()

	// Reader only detects close; the stream is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(c)
				return
			}
		}
	}()
}

// Publish pushes one reading to every connected stream client. It is safe
// to call from cell callbacks: a slow client is dropped, never waited on
// beyond the write timeout.
func (s *Server) Publish(deviceName, cellName string, value any, ts time.Time) {
	payload, err := json.Marshal(streamEvent{
		Device:    deviceName,
		Cell:      cellName,
		Value:     value,
		Timestamp: ts,
	})
	if err != nil {
		return
	}

	s.streamMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.streamMu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.mu.Unlock()
		if err != nil {
			s.dropClient(c)
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.streamMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.streamMu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (s *Server) closeStreams() {
	s.streamMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*wsClient]struct{})
	s.streamMu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
