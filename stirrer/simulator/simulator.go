// Package simulator is a stirrer controller that runs in-process and speaks
// the serial protocol over a pipe. It has hooks to inject the faults seen on
// real hardware: garbled or chunked replies, a locked controller, the error
// flag, a drive that never finishes and a drive that settles off target.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// LockMessage is what a locked controller answers to every query.
	LockMessage = "STIRRER Controller V1.50 is locked. Please check SYNC position and restart the controller!"

	// Discrete simulation step size
	stepSize = 5 * time.Millisecond
	// Default drive speed in degrees/second
	defaultSpeed = 360
)

type mode int

const (
	modeNone mode = iota
	modeHoming
	modeContinuous
	modePosition
)

// State is the simulated controller state.
type State struct {
	Angle        float64
	Running      bool
	Initialized  bool
	Clockwise    bool
	Target       float64
	Staged       *float64
	Error        bool
	ErrorMessage string
	MaxSpeed     float64
	MinSpeed     float64
	Acceleration float64
}

type Simulator struct {
	conn io.ReadWriteCloser

	mu       sync.Mutex
	state    State
	mode     mode
	speed    float64
	locked   bool
	garble   int
	chunked  bool
	stuck    bool
	offset   float64
	commands []string
}

// Port is the host side of the simulated serial line.
type Port struct {
	net.Conn
}

func (p Port) Reset() error { return nil }
func (p Port) Drain() error { return nil }

// New returns a simulator and the port a host should talk to. Call Run to
// start it.
func New() (*Simulator, Port) {
	a, b := net.Pipe()
	s := &Simulator{
		conn:  a,
		speed: defaultSpeed,
		state: State{MaxSpeed: 6, MinSpeed: 0.18, Acceleration: 65},
	}
	return s, Port{b}
}

// Run steps the drive and answers commands until ctx is done or the host
// closes its port.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		t := time.NewTicker(stepSize)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(stepSize.Seconds())
		}
	})
	g.Go(func() error {
		err := s.reader()
		// The host closed its side; stop the other goroutines.
		s.conn.Close()
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// scanCR splits commands on carriage returns.
func scanCR(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\r'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(scanCR)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		reply, err := s.handle(input)
		if err != nil {
			log.Printf("simulator: %v", err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := s.send(reply); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

func (s *Simulator) send(reply []byte) error {
	reply = append(reply, " \r"...)
	s.mu.Lock()
	chunked := s.chunked
	s.mu.Unlock()
	if chunked && len(reply) > 4 {
		half := len(reply) / 2
		if _, err := s.conn.Write(reply[:half]); err != nil {
			return err
		}
		reply = reply[half:]
	}
	_, err := s.conn.Write(reply)
	return err
}

func parseAngle(input string) (float64, error) {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return 0, err
	}
	return clip(f), nil
}

// handle applies one command and returns the reply, or nil for commands the
// controller does not answer.
func (s *Simulator) handle(input string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, input)
	cmd, arg, _ := strings.Cut(input, ":")
	if s.locked {
		if cmd == "?" {
			return []byte(LockMessage), nil
		}
		return nil, nil
	}
	switch cmd {
	case "?":
		if s.garble > 0 {
			s.garble--
			return []byte("0,1x"), nil
		}
		return []byte(fmt.Sprintf("%d,%.2f,%d,%d",
			flag(!s.state.Running),
			s.state.Angle,
			flag(!s.state.Initialized),
			flag(s.state.Error))), nil
	case "ERREAD":
		return []byte(s.state.ErrorMessage), nil
	case "INFO":
		return []byte(fmt.Sprintf("MAXSPEED:%f MINSPEED:%f ACC:%f",
			s.state.MaxSpeed, s.state.MinSpeed, s.state.Acceleration)), nil
	case "MAXSPEED", "MINSPEED", "ACC":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s argument %q", cmd, arg)
		}
		switch cmd {
		case "MAXSPEED":
			s.state.MaxSpeed = v
		case "MINSPEED":
			s.state.MinSpeed = v
		case "ACC":
			s.state.Acceleration = v
		}
		return []byte("OK"), nil
	case "INIT":
		s.state.Initialized = false
		s.state.Clockwise = false
		s.start(modeHoming)
	case "STOP":
		s.mode = modeNone
		s.state.Running = false
	case "DIR":
		s.state.Clockwise = arg == "1"
	case "RMS":
		if s.requireInit() {
			s.start(modeContinuous)
		}
	case "RMA":
		a, err := parseAngle(arg)
		if err != nil {
			return nil, fmt.Errorf("bad RMA argument %q", arg)
		}
		if s.requireInit() {
			s.state.Target = a
			s.start(modePosition)
		}
	case "DEG":
		a, err := parseAngle(arg)
		if err != nil {
			return nil, fmt.Errorf("bad DEG argument %q", arg)
		}
		s.state.Staged = &a
	case "RMT":
		if s.state.Staged != nil && s.requireInit() {
			s.state.Target = *s.state.Staged
			s.start(modePosition)
		}
	default:
		return nil, fmt.Errorf("unknown command %q", input)
	}
	return nil, nil
}

func (s *Simulator) requireInit() bool {
	if !s.state.Initialized {
		s.state.Error = true
		s.state.ErrorMessage = "drive not initialized"
		return false
	}
	return true
}

func (s *Simulator) start(m mode) {
	s.mode = m
	s.state.Running = true
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clip(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// remaining is how far the drive still has to turn to reach target.
func remaining(from, to float64, clockwise bool) float64 {
	if clockwise {
		return clip(to - from)
	}
	return clip(from - to)
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeNone || s.stuck {
		return
	}
	delta := s.speed * dt
	switch s.mode {
	case modeHoming:
		if left := remaining(s.state.Angle, 0, false); left <= delta {
			s.state.Angle = 0
			s.state.Initialized = true
			s.stop()
			return
		}
		s.state.Angle = clip(s.state.Angle - delta)
	case modeContinuous:
		if !s.state.Clockwise {
			delta = -delta
		}
		s.state.Angle = clip(s.state.Angle + delta)
	case modePosition:
		if left := remaining(s.state.Angle, s.state.Target, s.state.Clockwise); left <= delta {
			s.state.Angle = clip(s.state.Target + s.offset)
			s.stop()
			return
		}
		if !s.state.Clockwise {
			delta = -delta
		}
		s.state.Angle = clip(s.state.Angle + delta)
	}
}

func (s *Simulator) stop() {
	s.mode = modeNone
	s.state.Running = false
}

// State returns a copy of the simulated controller state.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Commands returns every command received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// SetAngle places the drive without moving it.
func (s *Simulator) SetAngle(angle float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Angle = clip(angle)
}

// SetInitialized marks the drive as homed.
func (s *Simulator) SetInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Initialized = v
}

// SetSpeed sets the drive speed in degrees/second.
func (s *Simulator) SetSpeed(degPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = degPerSec
}

// Lock makes the controller answer every query with LockMessage.
func (s *Simulator) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
}

// SetError raises the error flag with msg as the ERREAD text.
func (s *Simulator) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Error = msg != ""
	s.state.ErrorMessage = msg
}

// Garble makes the next n status replies unparsable.
func (s *Simulator) Garble(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garble = n
}

// SetChunked splits every reply into two writes.
func (s *Simulator) SetChunked(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunked = v
}

// SetStuck freezes the drive: it reports running but never moves.
func (s *Simulator) SetStuck(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = v
}

// SetSettleOffset makes positioning moves stop offset degrees past the target.
func (s *Simulator) SetSettleOffset(offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
}
