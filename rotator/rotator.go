// Package rotator holds the interfaces shared by the positioner front ends
// (websocket server, rotctld) and the devices they drive.
package rotator

import "context"

type Rotator interface {
	Stop(ctx context.Context) error
	SetAzimuthPosition(ctx context.Context, angle float64) error
	// SetAzimuthVelocity starts continuous rotation; the sign selects the
	// direction and zero stops.
	SetAzimuthVelocity(ctx context.Context, velocity float64) error
}

type StatusCallback func(status Status)

type Status interface {
	AzimuthPosition() float64
	Moving() bool

	Clone() Status
}
