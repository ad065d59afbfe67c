// Package serialport opens the stirrer's serial line through either
// github.com/tarm/serial or go.bug.st/serial behind one small interface.
package serialport

import (
	"fmt"
	"io"
	"time"
)

// Port is an open serial connection.
type Port interface {
	io.ReadWriteCloser

	// Reset discards unread input and unsent output.
	Reset() error
	// Drain blocks until everything written has been transmitted.
	Drain() error
}

const (
	DriverTarm  = "tarm"
	DriverBugST = "bugst"
)

// Config describes how to open the port. Zero fields take the stirrer
// controller's defaults (9600 8N1).
type Config struct {
	// Name is the device path, e.g. /dev/stirrer or COM3.
	Name string
	// Driver selects the serial library; defaults to DriverTarm.
	Driver   string
	Baud     int
	DataBits int
	// Parity is one of 'N', 'O', 'E'.
	Parity   byte
	StopBits int
	// ReadTimeout bounds a single low-level Read so the reader can notice Close.
	ReadTimeout time.Duration
}

const DefaultName = "/dev/stirrer"

// WithDefaults fills zero fields with the controller defaults.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Driver == "" {
		c.Driver = DriverTarm
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == 0 {
		c.Parity = 'N'
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	return c
}

// Open opens the port described by c.
func Open(c Config) (Port, error) {
	c = c.WithDefaults()
	switch c.Parity {
	case 'N', 'O', 'E':
	default:
		return nil, fmt.Errorf("unsupported parity %q", c.Parity)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	switch c.Driver {
	case DriverTarm:
		return openTarm(c)
	case DriverBugST:
		return openBugST(c)
	}
	return nil, fmt.Errorf("unknown serial driver %q", c.Driver)
}
