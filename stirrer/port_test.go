package stirrer

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// scriptPort answers each command with the chunks returned by respond.
type scriptPort struct {
	respond  func(cmd string) []string
	writeErr error

	mu       sync.Mutex
	commands []string
	pending  []byte

	out       chan []byte
	rest      []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptPort(respond func(cmd string) []string) *scriptPort {
	if respond == nil {
		respond = func(string) []string { return nil }
	}
	return &scriptPort{
		respond: respond,
		out:     make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if len(p.rest) == 0 {
		select {
		case p.rest = <-p.out:
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	var replies []string
	for {
		i := bytes.IndexByte(p.pending, '\r')
		if i < 0 {
			break
		}
		cmd := string(p.pending[:i])
		p.pending = p.pending[i+1:]
		p.commands = append(p.commands, cmd)
		replies = append(replies, p.respond(cmd)...)
	}
	p.mu.Unlock()
	for _, r := range replies {
		p.out <- []byte(r)
	}
	return len(b), nil
}

func (p *scriptPort) Reset() error { return nil }
func (p *scriptPort) Drain() error { return nil }

func (p *scriptPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptPort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *scriptPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func count(commands []string, cmd string) int {
	n := 0
	for _, c := range commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// testConfig shortens every delay so tests run in milliseconds.
func testConfig() Config {
	return Config{
		RetryDelay:        time.Millisecond,
		QueryPollInterval: time.Millisecond,
		DrainInterval:     2 * time.Millisecond,
		ReadTimeout:       500 * time.Millisecond,
		WaitInterval:      5 * time.Millisecond,
		WaitTimeout:       5 * time.Second,
		SettleDelay:       time.Millisecond,
		SkipInitialStatus: true,
	}
}
