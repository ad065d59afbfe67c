package serialport

import (
	"io"

	"github.com/tarm/serial"
)

type tarmPort struct {
	*serial.Port
}

func openTarm(c Config) (Port, error) {
	sc := &serial.Config{
		Name:        c.Name,
		Baud:        c.Baud,
		Size:        byte(c.DataBits),
		Parity:      serial.Parity(c.Parity),
		StopBits:    serial.StopBits(c.StopBits),
		ReadTimeout: c.ReadTimeout,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, err
	}
	return tarmPort{p}, nil
}

// Read reports an expired read timeout as (0, nil) rather than io.EOF.
func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Reset flushes both directions; tarm's Flush is tcflush(TCIOFLUSH).
func (p tarmPort) Reset() error {
	return p.Port.Flush()
}

// Drain is a no-op: tarm writes go straight to the descriptor.
func (p tarmPort) Drain() error {
	return nil
}
