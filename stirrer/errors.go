package stirrer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout      = errors.New("timed out waiting for stirrer response")
	ErrLocked       = errors.New("stirrer controller is locked")
	ErrClosed       = errors.New("stirrer session is closed")
	// ErrInvalidAngle rejects NaN and infinite angles before anything is sent.
	ErrInvalidAngle = errors.New("invalid angle")
)

// TransportError is returned when the serial port cannot be opened or written.
// The session is unusable afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stirrer transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a reply never arrives or never completes.
type TimeoutError struct {
	Command string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no complete reply to %q after %v", e.Command, e.Waited)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StatusQueryError means every status attempt returned an unparsable reply.
type StatusQueryError struct {
	Attempts  int
	LastReply string
}

func (e *StatusQueryError) Error() string {
	return fmt.Sprintf("stirrer status could not be queried after %d attempts, received: %q", e.Attempts, e.LastReply)
}

// LockedError carries the controller's lock message. Only a power cycle clears it.
type LockedError struct {
	Reply string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("stirrer controller is locked, power cycle it and reinitialize: %s", e.Reply)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// DriveInitError is returned when INIT finished but the drive is still uninitialized.
type DriveInitError struct {
	Status Status
}

func (e *DriveInitError) Error() string {
	return fmt.Sprintf("drive initialization failed (running=%t angle=%v)", e.Status.MotorRunning, e.Status.CurrentAngle)
}

// AngleError is returned by strict positioning when the drive stopped too far
// from the requested angle.
type AngleError struct {
	Requested float64
	Achieved  float64
	Tolerance float64
}

func (e *AngleError) Error() string {
	return fmt.Sprintf("could not reach angle %v, stopped at %v with an allowed deviation of %v", e.Requested, e.Achieved, e.Tolerance)
}

// DeviceError reports the controller's error flag after a strict move.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return "stirrer reports an error"
	}
	return "stirrer reports an error: " + e.Message
}
