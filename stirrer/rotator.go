package stirrer

import (
	"context"

	"github.com/w1xm/stirrer_interface/rotator"
)

type rotatorAdapter struct {
	s *Stirrer
}

// Rotator exposes the session through the generic rotator interface.
func (s *Stirrer) Rotator() rotator.Rotator {
	return rotatorAdapter{s}
}

func (r rotatorAdapter) Stop(ctx context.Context) error {
	_, err := r.s.Stop(ctx)
	return err
}

// SetAzimuthPosition takes the shorter way round to angle.
func (r rotatorAdapter) SetAzimuthPosition(ctx context.Context, angle float64) error {
	if err := checkAngle(angle); err != nil {
		return err
	}
	from, err := r.s.CurrentAngle(ctx)
	if err != nil {
		return err
	}
	_, err = r.s.GotoAngle(ctx, angle, shortestDirection(from, angle))
	return err
}

func (r rotatorAdapter) SetAzimuthVelocity(ctx context.Context, velocity float64) error {
	var err error
	switch {
	case velocity > 0:
		_, err = r.s.RunClockwise(ctx)
	case velocity < 0:
		_, err = r.s.RunAntiClockwise(ctx)
	default:
		_, err = r.s.Stop(ctx)
	}
	return err
}

// shortestDirection picks the direction that reaches to from from in at most
// half a turn. Clockwise increases the angle.
func shortestDirection(from, to float64) Direction {
	if Clip(to-from) <= 180 {
		return Clockwise
	}
	return AntiClockwise
}
