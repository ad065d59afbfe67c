package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/w1xm/stirrer_interface/rotator"
	"github.com/w1xm/stirrer_interface/stirrer"
)

var (
	errNotConnected   = errors.New("stirrer not connected")
	errNotInitialized = errors.New("drive not initialized")
)

type Server struct {
	mu sync.Mutex
	s  *stirrer.Stirrer

	statusMu sync.RWMutex
	status   stirrer.Status
	// updated is closed and replaced whenever status changes.
	updated chan struct{}
}

func NewServer() *Server {
	return &Server{updated: make(chan struct{})}
}

// statusMessage is what the status endpoints send.
type statusMessage struct {
	stirrer.Status
	Connected bool `json:"connected"`
}

func (s *Server) statusCallback(status rotator.Status) {
	st, ok := status.(stirrer.Status)
	if !ok {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = st
	close(s.updated)
	s.updated = make(chan struct{})
}

// snapshot returns the last status and a channel closed on the next update.
func (s *Server) snapshot() (statusMessage, <-chan struct{}) {
	s.mu.Lock()
	connected := s.s != nil
	s.mu.Unlock()
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return statusMessage{Status: s.status, Connected: connected}, s.updated
}

func (s *Server) session() (*stirrer.Stirrer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s == nil {
		return nil, errNotConnected
	}
	return s.s, nil
}

func (s *Server) setSession(st *stirrer.Stirrer) {
	s.mu.Lock()
	s.s = st
	s.mu.Unlock()
	// Wake watchers so they see the connection state change.
	s.statusMu.Lock()
	close(s.updated)
	s.updated = make(chan struct{})
	s.statusMu.Unlock()
}

// reconnectLoop keeps a session open, polling its status every poll interval.
// A transport failure closes the session and reopens it a second later.
func (s *Server) reconnectLoop(ctx context.Context, open func(context.Context) (*stirrer.Stirrer, error), poll time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
		st, err := open(ctx)
		if err != nil {
			log.Printf("opening stirrer: %v", err)
			continue
		}
		s.setSession(st)
		s.watch(ctx, st, poll)
		s.setSession(nil)
		st.Close()
	}
}

func (s *Server) watch(ctx context.Context, st *stirrer.Stirrer, poll time.Duration) {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Leave the drive at rest on shutdown.
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := st.Stop(stopCtx); err != nil {
				log.Printf("stopping stirrer: %v", err)
			}
			cancel()
			return
		case <-t.C:
		}
		_, err := st.RefreshStatus(ctx)
		var terr *stirrer.TransportError
		switch {
		case errors.As(err, &terr), errors.Is(err, stirrer.ErrClosed):
			log.Printf("stirrer connection lost: %v", err)
			return
		case err != nil && ctx.Err() == nil:
			log.Printf("polling stirrer: %v", err)
		}
	}
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

type Command struct {
	Command   string  `json:"command"`
	Direction string  `json:"direction"`
	Angle     float64 `json:"angle"`
}

type CommandResult struct {
	Command string `json:"command"`
	Failure string `json:"failure,omitempty"`
}

// execute runs one command. Everything except init and stop requires an
// initialized drive.
func (s *Server) execute(ctx context.Context, cmd Command) error {
	st, err := s.session()
	if err != nil {
		return err
	}
	switch cmd.Command {
	case "init":
		_, err := st.Initialize(ctx)
		return err
	case "stop":
		_, err := st.Stop(ctx)
		return err
	}
	if !st.Status().DriveInitialized {
		return errNotInitialized
	}
	dir := stirrer.Clockwise
	if cmd.Direction != "" {
		var ok bool
		if dir, ok = stirrer.ParseDirection(cmd.Direction); !ok {
			return fmt.Errorf("invalid direction %q", cmd.Direction)
		}
	}
	switch cmd.Command {
	case "run":
		_, err = st.Run(ctx, dir)
	case "step":
		_, err = st.StepBy(ctx, cmd.Angle, dir)
	case "goto":
		_, err = st.GotoAngle(ctx, cmd.Angle, dir)
	case "set_angle":
		err = st.SetAngle(ctx, cmd.Angle)
	case "set_next_angle":
		err = st.SetNextAngle(ctx, cmd.Angle)
	case "goto_next_angle":
		err = st.GotoNextAngle(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			result := CommandResult{Command: msg.Command}
			if err := s.execute(ctx, msg); err != nil {
				result.Failure = err.Error()
			}
			if err := send(result); err != nil {
				log.Print(err)
				return
			}
		}
	}()

	for {
		status, updated := s.snapshot()
		if err := send(status); err != nil {
			log.Print(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-updated:
		}
	}
}
