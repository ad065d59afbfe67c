package stirrer

import (
	"time"

	"github.com/w1xm/stirrer_interface/internal/serialport"
	"github.com/w1xm/stirrer_interface/rotator"
)

// Config controls a stirrer session. Zero fields take the defaults the
// controller was tuned with.
type Config struct {
	Port serialport.Config

	// StatusRetries is how many status exchanges are attempted before giving up.
	StatusRetries int
	// RetryDelay separates status attempts after an unparsable reply.
	RetryDelay time.Duration

	// QueryPollInterval is how often the input buffer is checked for a first byte.
	QueryPollInterval time.Duration
	// DrainInterval is how long a reply may go quiet before it is considered complete.
	DrainInterval time.Duration
	// ReadTimeout is the hard deadline for any reply.
	ReadTimeout time.Duration

	// WaitInterval and WaitTimeout drive the motion wait loops.
	WaitInterval time.Duration
	WaitTimeout  time.Duration
	// SettleDelay lets the direction latch before a run command.
	SettleDelay time.Duration

	// AngleTolerance is the allowed deviation for strict positioning, in degrees.
	AngleTolerance float64

	// SkipInitialStatus opens the port without querying the controller.
	SkipInitialStatus bool

	// StatusCallback, if set, is called with every successfully polled status.
	StatusCallback rotator.StatusCallback
}

const (
	DefaultStatusRetries  = 10
	DefaultAngleTolerance = 0.5
)

func (c Config) withDefaults() Config {
	if c.StatusRetries <= 0 {
		c.StatusRetries = DefaultStatusRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 300 * time.Millisecond
	}
	if c.QueryPollInterval == 0 {
		c.QueryPollInterval = 300 * time.Millisecond
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = 10 * time.Millisecond
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WaitInterval == 0 {
		c.WaitInterval = 300 * time.Millisecond
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 20 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 50 * time.Millisecond
	}
	if c.AngleTolerance == 0 {
		c.AngleTolerance = DefaultAngleTolerance
	}
	return c
}
