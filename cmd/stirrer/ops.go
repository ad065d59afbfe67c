package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/w1xm/stirrer_interface/internal/serialport"
	"github.com/w1xm/stirrer_interface/stirrer"
)

func parseAngle(arg string) (float64, error) {
	a, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid angle %q", arg)
	}
	return a, nil
}

func directionFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVar(dir, "dir", "cw", "rotation direction (cw or ccw)")
}

func parseDirectionFlag(dir string) (stirrer.Direction, error) {
	d, ok := stirrer.ParseDirection(dir)
	if !ok {
		return d, fmt.Errorf("invalid direction %q", dir)
	}
	return d, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the controller status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				status, err := s.RefreshStatus(ctx)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Home the drive unless it is already initialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if _, err := s.Initialize(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "initialized, angle %v\n", s.Status().CurrentAngle)
				return nil
			})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the motor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				running, err := s.Stop(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "running %t, angle %v\n", running, s.Status().CurrentAngle)
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "run <cw|ccw>",
		Short: "Rotate continuously, stopping after --for or on interrupt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirectionFlag(args[0])
			if err != nil {
				return err
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if _, err := s.Run(ctx, dir); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "running %v\n", dir)
				if duration > 0 {
					timer := time.NewTimer(duration)
					defer timer.Stop()
					select {
					case <-ctx.Done():
					case <-timer.C:
					}
				} else {
					<-ctx.Done()
				}
				// ctx may already be cancelled by the interrupt.
				stopCtx, cancel := context.WithTimeout(context.Background(), waitTimeout+5*time.Second)
				defer cancel()
				_, err := s.Stop(stopCtx)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default: until interrupted)")
	return cmd
}

func stepCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "step <degrees>",
		Short: "Turn by a relative amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseAngle(args[0])
			if err != nil {
				return err
			}
			d, err := parseDirectionFlag(dir)
			if err != nil {
				return err
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if _, err := s.StepBy(ctx, delta, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "angle %v\n", s.Status().CurrentAngle)
				return nil
			})
		},
	}
	directionFlag(cmd, &dir)
	return cmd
}

func gotoCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "goto <angle>",
		Short: "Move to an absolute angle (whole degrees, no accuracy check)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			angle, err := parseAngle(args[0])
			if err != nil {
				return err
			}
			d, err := parseDirectionFlag(dir)
			if err != nil {
				return err
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if _, err := s.GotoAngle(ctx, angle, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "angle %v\n", s.Status().CurrentAngle)
				return nil
			})
		},
	}
	directionFlag(cmd, &dir)
	return cmd
}

func setAngleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-angle <angle>",
		Short: "Move to an angle and fail unless it is reached within --tolerance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			angle, err := parseAngle(args[0])
			if err != nil {
				return err
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if err := s.SetAngle(ctx, angle); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "angle %v\n", s.Status().CurrentAngle)
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <angle>",
		Short: "Stage a target with DEG, then move to it with RMT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			angle, err := parseAngle(args[0])
			if err != nil {
				return err
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				if err := s.SetNextAngle(ctx, angle); err != nil {
					return err
				}
				if err := s.GotoNextAngle(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "angle %v\n", s.Status().CurrentAngle)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var (
		step  float64
		dwell time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Step through a full turn, pausing at each position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if step <= 0 || step >= 360 {
				return fmt.Errorf("invalid step %v", step)
			}
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				return sweep(ctx, s, step, dwell, func(angle float64) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %v %v\n", time.Now().Format(time.RFC3339Nano), angle, s.Status().CurrentAngle)
				})
			})
		},
	}
	cmd.Flags().Float64Var(&step, "step", 10, "step size in degrees")
	cmd.Flags().DurationVar(&dwell, "dwell", time.Second, "settling pause at each position")
	return cmd
}

// sweep visits every step on the circle. Positions missed by more than the
// tolerance are logged and skipped; any other failure ends the sweep.
func sweep(ctx context.Context, s *stirrer.Stirrer, step float64, dwell time.Duration, visit func(angle float64)) error {
	for angle := 0.0; angle < 360; angle += step {
		err := s.SetAngle(ctx, angle)
		var aerr *stirrer.AngleError
		switch {
		case errors.As(err, &aerr):
			log.Printf("sweep: %v", err)
		case err != nil:
			return err
		}
		visit(angle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dwell):
		}
	}
	return nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the drive parameters reported by the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				info, err := s.Info(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), info)
				return nil
			})
		},
	}
}

func configureCmd() *cobra.Command {
	var p stirrer.Params
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Set speed limits and acceleration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStirrer(cmd, func(ctx context.Context, s *stirrer.Stirrer) error {
				return s.Configure(ctx, p)
			})
		},
	}
	cmd.Flags().Float64Var(&p.MaxSpeed, "max-speed", 6, "maximum speed, 0.18 to 6")
	cmd.Flags().Float64Var(&p.MinSpeed, "min-speed", 0.18, "minimum speed, 0.18 to 6")
	cmd.Flags().Float64Var(&p.Acceleration, "acc", 65, "acceleration, 40 to 65")
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialport.List()
			if err != nil {
				return err
			}
			for _, p := range ports {
				if p.USB {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tUSB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), p.Name)
				}
			}
			return nil
		},
	}
}
