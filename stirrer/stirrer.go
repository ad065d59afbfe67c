// Package stirrer drives a TESEQ-style mode stirrer over its ASCII serial
// protocol. Every operation is synchronous: it issues its commands and polls
// the controller until the motion it started has begun or finished.
package stirrer

import (
	"context"
	"log"
	"runtime"
	"strconv"
	"sync"

	"github.com/w1xm/stirrer_interface/internal/serialport"
)

// Stirrer is an open session with one controller. All methods may be called
// from multiple goroutines; operations are serialized for their full duration.
type Stirrer struct {
	config    Config
	transport *Transport

	// mu is held for the whole of each operation, including its wait loop.
	mu        sync.Mutex
	nextAngle *float64

	statusMu sync.RWMutex
	status   Status
}

// Connect opens the serial port named in c and, unless c.SkipInitialStatus is
// set, reads the controller status once.
func Connect(ctx context.Context, c Config) (*Stirrer, error) {
	c.Port = c.Port.WithDefaults()
	port, err := serialport.Open(c.Port)
	if err != nil {
		return nil, &TransportError{Op: "open " + c.Port.Name, Err: err}
	}
	log.Printf("opened %q", c.Port.Name)
	return New(ctx, port, c)
}

// New starts a session on an already open port. The port is closed if the
// initial status query fails.
func New(ctx context.Context, port serialport.Port, c Config) (*Stirrer, error) {
	c = c.withDefaults()
	s := &Stirrer{
		config:    c,
		transport: newTransport(port, c),
	}
	// Release the port if the session is dropped without Close.
	runtime.AddCleanup(s, func(t *Transport) { t.Close() }, s.transport)
	if !c.SkipInitialStatus {
		if _, err := s.RefreshStatus(ctx); err != nil {
			s.transport.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the serial port. Further operations return ErrClosed.
func (s *Stirrer) Close() error {
	err := s.transport.Close()
	s.statusMu.Lock()
	s.status.DriveInitialized = false
	s.statusMu.Unlock()
	return err
}

// refresh polls the controller and records the result. s.mu must be held.
func (s *Stirrer) refresh(ctx context.Context) (Status, error) {
	status, err := s.queryStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
	if s.config.StatusCallback != nil {
		s.config.StatusCallback(status)
	}
	return status, nil
}

// RefreshStatus polls the controller and returns the new snapshot.
func (s *Stirrer) RefreshStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh(ctx)
}

// Status returns the last polled snapshot without touching the port.
func (s *Stirrer) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// CurrentAngle polls the controller and returns the angle in [0, 360).
func (s *Stirrer) CurrentAngle(ctx context.Context) (float64, error) {
	status, err := s.RefreshStatus(ctx)
	return status.CurrentAngle, err
}

// MotorRunning polls the controller and reports whether the motor turns.
func (s *Stirrer) MotorRunning(ctx context.Context) (bool, error) {
	status, err := s.RefreshStatus(ctx)
	return status.MotorRunning, err
}

// DriveInitialized polls the controller. A running drive never counts as
// initialized, since the controller also runs while homing.
func (s *Stirrer) DriveInitialized(ctx context.Context) (bool, error) {
	status, err := s.RefreshStatus(ctx)
	return initialized(status), err
}

// HasError polls the controller and reports its error flag.
func (s *Stirrer) HasError(ctx context.Context) (bool, error) {
	status, err := s.RefreshStatus(ctx)
	return status.Error, err
}

// ErrorMessage polls the controller and returns its error text, if any.
func (s *Stirrer) ErrorMessage(ctx context.Context) (string, error) {
	status, err := s.RefreshStatus(ctx)
	return status.ErrorMessage, err
}

func initialized(status Status) bool {
	return status.DriveInitialized && !status.MotorRunning
}

// Info returns the controller's drive parameter report.
func (s *Stirrer) Info(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Query(ctx, "INFO")
}

// Params are the drive's speed limits in revolutions per minute and its
// acceleration. Zero fields use the controller defaults.
type Params struct {
	MaxSpeed     float64
	MinSpeed     float64
	Acceleration float64
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p Params) commands() []string {
	if p.MaxSpeed == 0 {
		p.MaxSpeed = 6
	}
	if p.MinSpeed == 0 {
		p.MinSpeed = 0.18
	}
	if p.Acceleration == 0 {
		p.Acceleration = 65
	}
	return []string{
		"MAXSPEED:" + strconv.FormatFloat(clamp(p.MaxSpeed, 0.18, 6), 'f', 6, 64),
		"MINSPEED:" + strconv.FormatFloat(clamp(p.MinSpeed, 0.18, 6), 'f', 6, 64),
		"ACC:" + strconv.FormatFloat(clamp(p.Acceleration, 40, 65), 'f', 6, 64),
	}
}

// Configure sends the drive parameters, clamped to the ranges the
// controller accepts.
func (s *Stirrer) Configure(ctx context.Context, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range p.commands() {
		if _, err := s.transport.Query(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}
