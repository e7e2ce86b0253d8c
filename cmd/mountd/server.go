package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rotse3/schier_interface/enclosure"
	"github.com/rotse3/schier_interface/mount"
	"github.com/rotse3/schier_interface/pointing"
	"github.com/rotse3/schier_interface/supervisor"
)

// Status is the composite snapshot pushed to clients.
type Status struct {
	Mount     mount.MountStatus `json:"mount"`
	Enclosure enclosure.Status  `json:"enclosure"`
}

type Server struct {
	sup       *supervisor.Supervisor
	site      pointing.Site
	enclosure *enclosure.Enclosure

	// mu serializes command dispatch so two websocket clients cannot
	// interleave motion commands.
	mu sync.Mutex

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
}

func NewServer(sup *supervisor.Supervisor, site pointing.Site) *Server {
	s := &Server{sup: sup, site: site}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// watchStatus feeds supervisor snapshots into the broadcast state.
func (s *Server) watchStatus(ctx context.Context) {
	ch := s.sup.Subscribe()
	defer s.sup.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			s.statusMu.Lock()
			s.status.Mount = st
			s.statusCond.Broadcast()
			s.statusMu.Unlock()
		}
	}
}

func (s *Server) enclosureCallback(st enclosure.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Enclosure = st
	s.statusCond.Broadcast()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

// Command is one websocket request. Fields beyond Command are read per
// command.
type Command struct {
	Command string `json:"command"`

	// HA in hours, Dec in degrees.
	HA  float64 `json:"ha"`
	Dec float64 `json:"dec"`
	// RA in hours (J2000) for radec_goto/radec_track.
	RA   float64 `json:"ra"`
	Mode string  `json:"mode"`
	// Rate is a sidereal-rate multiplier.
	Rate float64 `json:"rate"`
	// DHA/DDec offset the current pointing (shift).
	DHA  float64 `json:"dha"`
	DDec float64 `json:"ddec"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		log.Println(err)
		return
	}

	// Read and dispatch incoming commands.
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				break
			}
			go func(msg Command) {
				if err := s.dispatch(ctx, msg); err != nil {
					log.Printf("ws %s: %v", msg.Command, err)
				}
			}(msg)
		}
	}()

	send := func(status Status) {
		data, err := json.Marshal(status)
		if err != nil {
			log.Print(err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Print(err)
			return
		}
	}

	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	send(status)

	for ctx.Err() == nil {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		send(status)
	}
}

// dispatch runs one command to completion. Slews block until settled;
// each websocket message runs in its own goroutine so status keeps
// flowing meanwhile.
func (s *Server) dispatch(ctx context.Context, msg Command) error {
	mode := msg.Mode
	if mode == "" {
		mode = "normal"
	}
	switch msg.Command {
	case "stop":
		// Not serialized on mu: stop must jump ahead of a running slew.
		return s.sup.Stop(ctx)
	case "goto":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Goto(ctx, msg.HA, msg.Dec, mode)
	case "radec_goto", "radec_track":
		s.mu.Lock()
		defer s.mu.Unlock()
		ha, dec, err := pointing.Apparent(msg.RA, msg.Dec, time.Now(), s.site)
		if err != nil {
			return err
		}
		if err := s.sup.Goto(ctx, ha, dec, mode); err != nil {
			return err
		}
		if msg.Command == "radec_track" {
			return s.sup.Track(ctx)
		}
		return nil
	case "track":
		s.mu.Lock()
		defer s.mu.Unlock()
		rate := msg.Rate
		if rate == 0 {
			rate = 1
		}
		return s.sup.TrackRate(ctx, "sidereal", rate)
	case "shift":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Shift(ctx, msg.DHA, msg.DDec)
	case "park":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Park(ctx, msg.HA, msg.Dec)
	case "unpark":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Unpark(ctx)
	case "home":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Home(ctx)
	case "initialize":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Initialize(ctx)
	case "recover":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup.Recover(ctx)
	case "open_clamshell":
		if s.enclosure == nil {
			return mount.Errorf(mount.ErrInput, "no enclosure configured")
		}
		return s.enclosure.OpenClamshell()
	case "close_clamshell":
		if s.enclosure == nil {
			return mount.Errorf(mount.ErrInput, "no enclosure configured")
		}
		return s.enclosure.CloseClamshell()
	default:
		return mount.Errorf(mount.ErrInput, "unknown command %q", msg.Command)
	}
}
