package serialport

import (
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type bugstPort struct {
	serial.Port
}

func openBugST(c Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch c.Parity {
	case 'O':
		mode.Parity = serial.OddParity
	case 'E':
		mode.Parity = serial.EvenParity
	}
	if c.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	p, err := serial.Open(c.Name, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(c.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return bugstPort{p}, nil
}

func (p bugstPort) Reset() error {
	if err := p.ResetInputBuffer(); err != nil {
		return err
	}
	return p.ResetOutputBuffer()
}

// Info describes a serial port found on the host.
type Info struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// List returns the serial ports present on the host.
func List() ([]Info, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, p := range ports {
		out = append(out, Info{
			Name:    p.Name,
			USB:     p.IsUSB,
			VID:     p.VID,
			PID:     p.PID,
			Serial:  p.SerialNumber,
			Product: p.Product,
		})
	}
	return out, nil
}
