package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/stirrer_interface/stirrer"
)

// Hamlib return codes.
const (
	rprtOK       = 0
	rprtInvalid  = -22
	rprtTimeout  = -5
	rprtRejected = -9
	rprtIO       = -6
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("rotctld listening on %v", ln.Addr())
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleRotctld(ctx, conn)
		}
	}()
	return nil
}

func rprtFor(err error) int {
	var aerr *stirrer.AngleError
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, stirrer.ErrInvalidAngle):
		return rprtInvalid
	case errors.Is(err, stirrer.ErrTimeout):
		return rprtTimeout
	case errors.Is(err, errNotConnected), errors.Is(err, errNotInitialized), errors.Is(err, stirrer.ErrLocked), errors.As(err, &aerr):
		return rprtRejected
	}
	return rprtIO
}

// ready returns the session's rotator once the drive is initialized.
func (s *Server) ready() (*stirrer.Stirrer, error) {
	st, err := s.session()
	if err != nil {
		return nil, err
	}
	if !st.Status().DriveInitialized {
		return nil, errNotInitialized
	}
	return st, nil
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		rprt := rprtInvalid
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: Mode stirrer
Mfg name: TESEQ
Rot type: Az
Min Azimuth: 0.00
Max Azimuth: 360.00
Min Elevation: 0.00
Max Elevation: 0.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: Y
`)
			rprt = rprtOK
		case "_", "get_info":
			st, err := s.session()
			if err != nil {
				rprt = rprtFor(err)
				break
			}
			status := st.Status()
			fmt.Fprintf(conn, "Mode stirrer initialized=%t error=%t %s\n", status.DriveInitialized, status.Error, status.ErrorMessage)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			st, err := s.session()
			if err == nil {
				err = st.Rotator().Stop(ctx)
			}
			rprt = rprtFor(err)
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) < 1 || len(args) > 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			st, err := s.ready()
			if err == nil {
				err = st.Rotator().SetAzimuthPosition(ctx, az)
			}
			rprt = rprtFor(err)
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				break
			}
			speed, err := strconv.Atoi(args[1])
			if err != nil {
				break
			}
			// 8 is left, 16 is right; there is no elevation axis.
			if dir != 8 && dir != 16 {
				break
			}
			velocity := float64(speed)
			if dir == 8 {
				velocity = -velocity
			}
			st, err := s.ready()
			if err == nil {
				err = st.Rotator().SetAzimuthVelocity(ctx, velocity)
			}
			rprt = rprtFor(err)
		case "p", "get_pos":
			status, _ := s.snapshot()
			if !status.Connected {
				rprt = rprtFor(errNotConnected)
				break
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", status.AzimuthPosition(), 0.0)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", status.AzimuthPosition(), 0.0)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
