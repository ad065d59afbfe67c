package stirrer

import (
	"fmt"
	"math"
)

// Clip wraps angle into [0, 360). Non-finite angles yield NaN.
func Clip(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	// A tiny negative angle rounds up to 360 above.
	if angle >= 360 {
		angle = 0
	}
	return angle
}

func checkAngle(angle float64) error {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAngle, angle)
	}
	return nil
}

// distance is the shortest way around the circle between two clipped angles.
func distance(a, b float64) float64 {
	d := math.Abs(Clip(a) - Clip(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Direction selects the rotation sense for DIR commands.
type Direction int

const (
	AntiClockwise Direction = iota
	Clockwise
)

func (d Direction) String() string {
	if d == Clockwise {
		return "cw"
	}
	return "ccw"
}

func (d Direction) command() string {
	if d == Clockwise {
		return "DIR:1"
	}
	return "DIR:0"
}

// ParseDirection accepts cw/clockwise/1 and ccw/anticlockwise/0.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "cw", "clockwise", "1", "right":
		return Clockwise, true
	case "ccw", "anticlockwise", "anti-clockwise", "0", "left":
		return AntiClockwise, true
	}
	return AntiClockwise, false
}
