// cansensectl is an interactive diagnostic shell for a cansense bus
// network: it registers the configured devices, then lets an operator
// inspect connectivity, fetch and write settings, and watch live readings.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/perimetric/cansense/api"
	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/config"
	"github.com/perimetric/cansense/device"
	"github.com/perimetric/cansense/logging"
	"github.com/perimetric/cansense/store"
	"github.com/perimetric/cansense/telemetry"
)

const (
	fetchTimeout      = 2 * time.Second
	fetchMissingRetry = 200 * time.Millisecond
	fetchAttempts     = 3
	setTimeout        = time.Second
	setAttempts       = 3
	resetTimeout      = 2 * time.Second
)

func main() {
	path := "cansense.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Sprintf("unable to load config: %v", err))
	}

	log := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	var transport canbus.Transport
	if cfg.Bus.Sim {
		transport = canbus.NewSimBus()
	} else {
		sc, st := canbus.OpenSocketCAN(cfg.Bus.Interface, 0)
		if !st.OK() {
			panic(fmt.Sprintf("unable to open %s: %s", cfg.Bus.Interface, st))
		}
		transport = sc
	}

	hub := canbus.NewHub(transport, log)
	if err := hub.EnsureRunning(); err != nil {
		// A revision mismatch would silently corrupt framing; do not limp on.
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	devices := make(map[string]*device.GenericSensor, len(cfg.Devices))
	required := make(map[string][]uint8, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		addr := canbus.DeviceAddress{Bus: 0, Type: dc.Type, ID: dc.ID}
		s := device.NewGenericSensor(hub, addr)
		if err := s.Register(canbus.ConnectivityConfig{
			Label:             dc.Name,
			PresenceThreshold: dc.PresenceThreshold(),
			MinFirmware:       dc.MinFirmware,
			NoCheck:           dc.NoCheck,
		}); err != nil {
			panic(fmt.Sprintf("unable to register %s: %v", dc.Name, err))
		}
		devices[dc.Name] = s
		required[dc.Name] = dc.RequiredSettings
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			panic(fmt.Sprintf("unable to open store: %v", err))
		}
		defer st.Close()
	}

	var pub *telemetry.Publisher
	if cfg.MQTT.Enabled {
		pub, err = telemetry.New(cfg.MQTT, log)
		if err != nil {
			panic(fmt.Sprintf("unable to connect telemetry: %v", err))
		}
		defer pub.Close()
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(hub, log)
		for name, s := range devices {
			srv.AddDevice(name, s.Device)
		}
		srv.Start(cfg.API.Addr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	// Fan live readings out to telemetry and the api stream.
	for name, s := range devices {
		if pub != nil {
			telemetry.Watch(pub, name, "reading", s.Reading)
			telemetry.Watch(pub, name, "temperature", s.Temperature)
		}
		if srv != nil {
			n := name
			s.Reading.AddCallback(func(v uint64, ts time.Time) {
				srv.Publish(n, "reading", v, ts)
			})
		}
	}

	defer hub.Stop()

	shell := ishell.New()
	shell.Println("cansense diagnostic shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "devices",
		Help: "list devices and connectivity state",
		Func: func(c *ishell.Context) {
			for _, s := range hub.Statuses() {
				c.Printf("%-12s %-10s state=%-28s fw=%s\n",
					s.Label, s.Addr, s.State, s.Firmware)
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "settings",
		Help: "settings <device> - show known settings",
		Func: func(c *ishell.Context) {
			s, ok := lookupArg(c, devices)
			if !ok {
				return
			}
			for id, v := range s.Settings.Known() {
				c.Printf("  %3d = %d (at %s)\n", id, v.Raw, v.Timestamp.Format(time.RFC3339))
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "fetch",
		Help: "fetch <device> - synchronize settings from the device",
		Func: func(c *ishell.Context) {
			s, ok := lookupArg(c, devices)
			if !ok {
				return
			}
			name := c.Args[0]
			snap := s.Settings.FetchAll(fetchTimeout, fetchMissingRetry, fetchAttempts, required[name])
			c.Printf("fetched %d settings\n", len(snap))
			for _, id := range required[name] {
				if _, ok := snap[id]; !ok {
					c.Printf("  missing required setting %d\n", id)
				}
			}
			if st != nil {
				if err := st.SaveSettings(name, s.Address(), snap); err != nil {
					c.Printf("save failed: %v\n", err)
				}
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "set",
		Help: "set <device> <id> <value> - write and confirm a setting",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 3 {
				c.Println("usage: set <device> <id> <value>")
				return
			}
			s, ok := lookupArg(c, devices)
			if !ok {
				return
			}
			id, err1 := strconv.ParseUint(c.Args[1], 10, 8)
			val, err2 := strconv.ParseUint(c.Args[2], 10, 64)
			if err1 != nil || err2 != nil {
				c.Println("bad id or value")
				return
			}
			if s.Settings.SetOne(uint8(id), val, setTimeout, setAttempts) {
				c.Println("confirmed")
			} else {
				c.Println("NOT confirmed")
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "reset <device> - factory reset",
		Func: func(c *ishell.Context) {
			s, ok := lookupArg(c, devices)
			if !ok {
				return
			}
			if s.FactoryReset(resetTimeout) {
				c.Println("reset acknowledged")
			} else {
				c.Println("reset NOT acknowledged")
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "watch",
		Help: "watch <device> - print readings until enter",
		Func: func(c *ishell.Context) {
			s, ok := lookupArg(c, devices)
			if !ok {
				return
			}
			h := s.Reading.AddCallback(func(v uint64, ts time.Time) {
				c.Printf("%s  %d\n", ts.Format("15:04:05.000"), v)
			})
			c.ReadLine()
			s.Reading.RemoveCallback(h)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "snapshots",
		Help: "list persisted settings snapshots",
		Func: func(c *ishell.Context) {
			if st == nil {
				c.Println("store is not configured")
				return
			}
			snaps, err := st.All()
			if err != nil {
				c.Printf("load failed: %v\n", err)
				return
			}
			for _, snap := range snaps {
				c.Printf("%-12s %d settings, saved %s\n",
					snap.Device, len(snap.Values), snap.SavedAt.Format(time.RFC3339))
			}
		},
	})

	shell.Start()
}

func lookupArg(c *ishell.Context, devices map[string]*device.GenericSensor) (*device.GenericSensor, bool) {
	if len(c.Args) < 1 {
		c.Println("device name required")
		return nil, false
	}
	s, ok := devices[c.Args[0]]
	if !ok {
		c.Printf("unknown device %q\n", c.Args[0])
		return nil, false
	}
	return s, ok
}
