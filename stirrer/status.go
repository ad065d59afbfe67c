package stirrer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/w1xm/stirrer_interface/rotator"
)

// Status is one reading of the controller, as returned by the "?" query.
type Status struct {
	MotorRunning     bool    `json:"motor_running"`
	CurrentAngle     float64 `json:"current_angle"`
	DriveInitialized bool    `json:"drive_initialized"`
	Error            bool    `json:"error"`
	// ErrorMessage is only fetched when Error is set.
	ErrorMessage string `json:"error_message"`
}

func (s Status) Clone() rotator.Status {
	return s
}

func (s Status) AzimuthPosition() float64 {
	return s.CurrentAngle
}

func (s Status) Moving() bool {
	return s.MotorRunning
}

// lockPhrase appears in the controller's lock message:
// "STIRRER Controller V1.50 is locked. Please check SYNC position and restart the controller!"
const lockPhrase = "is locked"

var errTruncated = errors.New("truncated status")

// ParseStatus decodes a "?" reply of the form
// "<stopped>,<angle>,<uninitialized>,<error>". Field 0 and 2 are inverted:
// "0" means running and initialized respectively.
func ParseStatus(reply string) (Status, error) {
	parts := strings.Split(reply, ",")
	if len(parts) < 4 {
		return Status{}, fmt.Errorf("%w: %d fields", errTruncated, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	angle, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Status{}, err
	}
	if err := checkAngle(angle); err != nil {
		return Status{}, err
	}
	return Status{
		MotorRunning:     parts[0] == "0",
		CurrentAngle:     Clip(angle),
		DriveInitialized: parts[2] == "0",
		Error:            parts[3] == "1",
	}, nil
}

// queryStatus runs the status exchange, retrying unparsable replies. A lock
// reply fails immediately.
func (s *Stirrer) queryStatus(ctx context.Context) (Status, error) {
	var reply string
	for attempt := 1; attempt <= s.config.StatusRetries; attempt++ {
		var err error
		reply, err = s.transport.Query(ctx, "?")
		if err != nil {
			return Status{}, err
		}
		if strings.Contains(reply, lockPhrase) {
			log.Printf("stirrer answered: %s", reply)
			return Status{}, &LockedError{Reply: reply}
		}
		status, err := ParseStatus(reply)
		if err != nil {
			log.Printf("unparsable stirrer status %q: %v", reply, err)
			if attempt < s.config.StatusRetries {
				if err := sleep(ctx, s.config.RetryDelay); err != nil {
					return Status{}, err
				}
			}
			continue
		}
		if status.Error {
			msg, err := s.transport.Query(ctx, "ERREAD")
			if err != nil {
				return Status{}, err
			}
			if utf8.ValidString(msg) {
				status.ErrorMessage = msg
			} else {
				log.Printf("could not decode stirrer error message %q", msg)
			}
		}
		return status, nil
	}
	return Status{}, &StatusQueryError{Attempts: s.config.StatusRetries, LastReply: reply}
}
