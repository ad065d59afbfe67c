package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/w1xm/stirrer_interface/internal/serialport"
	"github.com/w1xm/stirrer_interface/stirrer"
	"github.com/w1xm/stirrer_interface/stirrer/simulator"
)

var (
	portName    string
	driver      string
	baud        int
	retries     int
	waitTimeout time.Duration
	tolerance   float64
	simulate    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "stirrer",
		Short:        "Control a mode stirrer over its serial port",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&portName, "port", serialport.DefaultName, "serial port name")
	pf.StringVar(&driver, "driver", serialport.DriverTarm, "serial driver (tarm or bugst)")
	pf.IntVar(&baud, "baud", 9600, "baud rate")
	pf.IntVar(&retries, "retries", stirrer.DefaultStatusRetries, "status query attempts before giving up")
	pf.DurationVar(&waitTimeout, "timeout", 20*time.Second, "how long to wait for a motion to start or finish")
	pf.Float64Var(&tolerance, "tolerance", stirrer.DefaultAngleTolerance, "allowed deviation for set-angle and stage, in degrees")
	pf.BoolVar(&simulate, "simulate", false, "talk to an in-process simulated controller")

	root.AddCommand(
		statusCmd(),
		initCmd(),
		stopCmd(),
		runCmd(),
		stepCmd(),
		gotoCmd(),
		setAngleCmd(),
		stageCmd(),
		sweepCmd(),
		infoCmd(),
		configureCmd(),
		portsCmd(),
		serveCmd(),
	)
	return root
}

func config() stirrer.Config {
	return stirrer.Config{
		Port: serialport.Config{
			Name:   portName,
			Driver: driver,
			Baud:   baud,
		},
		StatusRetries:  retries,
		WaitTimeout:    waitTimeout,
		AngleTolerance: tolerance,
	}
}

// open connects to the configured controller, or to a simulator with --simulate.
func open(ctx context.Context, c stirrer.Config) (*stirrer.Stirrer, error) {
	if !simulate {
		return stirrer.Connect(ctx, c)
	}
	sim, port := simulator.New()
	go func() {
		if err := sim.Run(ctx); err != nil {
			log.Printf("simulator: %v", err)
		}
	}()
	return stirrer.New(ctx, port, c)
}

// withStirrer runs fn on a fresh session and always releases the port.
func withStirrer(cmd *cobra.Command, fn func(ctx context.Context, s *stirrer.Stirrer) error) error {
	ctx := cmd.Context()
	s, err := open(ctx, config())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
