package stirrer

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/stirrer_interface/internal/serialport"
)

const (
	// The controller terminates replies with a space and a carriage return.
	readTermination  = " \r"
	writeTermination = "\r"

	// Software flow control characters; never part of a reply.
	xon  = 0x11
	xoff = 0x13
)

// Transport owns the serial port. A background reader moves incoming bytes
// into a buffer so the number of available bytes can be observed without
// blocking, the way the controller's chunked replies need.
type Transport struct {
	port serialport.Port

	pollInterval  time.Duration
	drainInterval time.Duration
	readTimeout   time.Duration

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	// gen counts writes. A chunk whose read finished before the latest
	// write started belongs to an earlier exchange.
	gen atomic.Uint64

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	stopped   chan struct{}
}

func newTransport(port serialport.Port, c Config) *Transport {
	t := &Transport{
		port:          port,
		pollInterval:  c.QueryPollInterval,
		drainInterval: c.DrainInterval,
		readTimeout:   c.ReadTimeout,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go t.reader()
	return t
}

func (t *Transport) reader() {
	defer close(t.stopped)
	b := make([]byte, 256)
	for {
		n, err := t.port.Read(b)
		gen := t.gen.Load()
		if chunk := stripFlowControl(b[:n]); len(chunk) > 0 {
			t.mu.Lock()
			if t.gen.Load() == gen {
				t.buf.Write(chunk)
			}
			t.mu.Unlock()
		}
		select {
		case <-t.done:
			return
		default:
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("reading stirrer port: %v", err)
			}
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
	}
}

// stripFlowControl removes XON/XOFF bytes from b in place.
func stripFlowControl(b []byte) []byte {
	out := b[:0]
	for _, c := range b {
		if c != xon && c != xoff {
			out = append(out, c)
		}
	}
	return out
}

// Buffered returns the number of received bytes not yet consumed.
func (t *Transport) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Write discards anything still pending from an earlier exchange, then sends
// command with its terminator and waits for it to leave the port. It returns
// the number of bytes written.
func (t *Transport) Write(command string) (int, error) {
	if t.closed() {
		return 0, ErrClosed
	}
	if err := t.port.Reset(); err != nil {
		return 0, &TransportError{Op: "reset", Err: err}
	}
	t.mu.Lock()
	t.discardLocked()
	t.mu.Unlock()
	n, err := t.port.Write([]byte(command + writeTermination))
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	if err := t.port.Drain(); err != nil {
		return n, &TransportError{Op: "drain", Err: err}
	}
	return n, nil
}

// discardLocked drops buffered input along with any chunk the reader holds
// but has not stored yet. t.mu must be held.
func (t *Transport) discardLocked() {
	t.gen.Add(1)
	t.buf.Reset()
}

// take removes up to max bytes, stopping after the first terminator. It
// reports whether a terminator or max was reached.
func (t *Transport) take(max int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.buf.Bytes()
	if i := bytes.Index(data, []byte(readTermination)); i >= 0 && i+len(readTermination) <= max {
		line := string(t.buf.Next(i + len(readTermination)))
		return strings.TrimSuffix(line, readTermination), true
	}
	if max > 0 && len(data) >= max {
		return strings.TrimSuffix(string(t.buf.Next(max)), readTermination), true
	}
	return "", false
}

// ReadResponse blocks until a terminated reply or max bytes have arrived and
// returns it without the terminator. A zero max reads to the terminator.
func (t *Transport) ReadResponse(ctx context.Context, max int) (string, error) {
	if max <= 0 {
		max = int(^uint(0) >> 1)
	}
	deadline := time.Now().Add(t.readTimeout)
	for {
		if s, ok := t.take(max); ok {
			return s, nil
		}
		if err := t.wait(ctx, deadline, "read"); err != nil {
			return "", err
		}
	}
}

// wait sleeps one drain interval, failing once the deadline has passed or
// the port can no longer deliver data.
func (t *Transport) wait(ctx context.Context, deadline time.Time, command string) error {
	t.mu.Lock()
	readErr := t.readErr
	t.mu.Unlock()
	if readErr != nil {
		return &TransportError{Op: "read", Err: readErr}
	}
	if t.closed() {
		return ErrClosed
	}
	if time.Now().After(deadline) {
		return &TimeoutError{Command: command, Waited: t.readTimeout}
	}
	return sleep(ctx, t.drainInterval)
}

// Query sends command and collects the reply. It first waits for any byte to
// arrive, then keeps reading until a poll finds nothing new, because the
// controller answers in several bursts.
func (t *Transport) Query(ctx context.Context, command string) (string, error) {
	if _, err := t.Write(command); err != nil {
		return "", err
	}
	deadline := time.Now().Add(t.readTimeout)
	for t.Buffered() == 0 {
		t.mu.Lock()
		readErr := t.readErr
		t.mu.Unlock()
		if readErr != nil {
			return "", &TransportError{Op: "read", Err: readErr}
		}
		if time.Now().After(deadline) {
			return "", &TimeoutError{Command: command, Waited: t.readTimeout}
		}
		if err := sleep(ctx, t.pollInterval); err != nil {
			return "", err
		}
	}
	var answer strings.Builder
	for n := t.Buffered(); n > 0; n = t.Buffered() {
		part, ok := t.take(n)
		if !ok {
			break
		}
		answer.WriteString(part)
		if err := sleep(ctx, t.drainInterval); err != nil {
			return "", err
		}
	}
	return answer.String(), nil
}

// Close releases the port. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.port.Close()
		select {
		case <-t.stopped:
		case <-time.After(time.Second):
			log.Printf("stirrer port reader did not exit after close")
		}
	})
	if t.closeErr != nil {
		return &TransportError{Op: "close", Err: t.closeErr}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
