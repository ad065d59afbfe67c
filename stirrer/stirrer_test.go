package stirrer

import (
	"context"
	"errors"
	"math"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/stirrer_interface/rotator"
	"github.com/w1xm/stirrer_interface/stirrer/simulator"
)

func startSimulator(t *testing.T, c Config, setup func(sim *simulator.Simulator)) (*simulator.Simulator, *Stirrer) {
	t.Helper()
	sim, port := simulator.New()
	if setup != nil {
		setup(sim)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	c.SkipInitialStatus = false
	s, err := New(ctx, port, c)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("simulator: %v", err)
		}
	})
	return sim, s
}

func homed(sim *simulator.Simulator) { sim.SetInitialized(true) }

// moves returns the commands sent after skip, without status traffic.
func moves(sim *simulator.Simulator, skip int) []string {
	var out []string
	for _, c := range sim.Commands()[skip:] {
		if c != "?" && c != "ERREAD" {
			out = append(out, c)
		}
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetAngle(90)
	})
	ctx := context.Background()

	if ok, err := s.DriveInitialized(ctx); err != nil || ok {
		t.Fatalf("DriveInitialized before init = %t, %v", ok, err)
	}
	if ok, err := s.Initialize(ctx); err != nil || !ok {
		t.Fatalf("Initialize = %t, %v", ok, err)
	}
	if ok, err := s.DriveInitialized(ctx); err != nil || !ok {
		t.Fatalf("DriveInitialized after init = %t, %v", ok, err)
	}
	if running, err := s.RunClockwise(ctx); err != nil || !running {
		t.Fatalf("RunClockwise = %t, %v", running, err)
	}
	if running, err := s.MotorRunning(ctx); err != nil || !running {
		t.Fatalf("MotorRunning after run = %t, %v", running, err)
	}
	if running, err := s.Stop(ctx); err != nil || running {
		t.Fatalf("Stop = %t, %v", running, err)
	}
	if running, err := s.MotorRunning(ctx); err != nil || running {
		t.Fatalf("MotorRunning after stop = %t, %v", running, err)
	}
	want := []string{"INIT", "DIR:1", "RMS", "STOP"}
	if diff := cmp.Diff(moves(sim, 0), want); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), homed)
	if ok, err := s.Initialize(context.Background()); err != nil || !ok {
		t.Fatalf("Initialize = %t, %v", ok, err)
	}
	if got := moves(sim, 0); len(got) != 0 {
		t.Errorf("Initialize sent %q to an initialized drive", got)
	}
}

func TestInitializeFailure(t *testing.T) {
	c := testConfig()
	c.WaitTimeout = 50 * time.Millisecond
	_, s := startSimulator(t, c, func(sim *simulator.Simulator) {
		sim.SetAngle(90)
		sim.SetStuck(true)
	})
	_, err := s.Initialize(context.Background())
	var ierr *DriveInitError
	if !errors.As(err, &ierr) {
		t.Fatalf("Initialize error = %v, want DriveInitError", err)
	}
}

func TestGotoAngleClips(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), homed)
	running, err := s.GotoAngle(context.Background(), 370, Clockwise)
	if err != nil || running {
		t.Fatalf("GotoAngle = %t, %v", running, err)
	}
	if diff := cmp.Diff(moves(sim, 0), []string{"DIR:1", "RMA:10"}); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
	if got := s.Status().CurrentAngle; got != 10 {
		t.Errorf("angle after move = %v, want 10", got)
	}
}

func TestStepBy(t *testing.T) {
	for _, test := range []struct {
		name  string
		from  float64
		delta float64
		dir   Direction
		want  []string
		angle float64
	}{
		{"cw wraps", 358, 5, Clockwise, []string{"DIR:1", "RMA:3"}, 3},
		{"ccw wraps", 2, 5, AntiClockwise, []string{"DIR:0", "RMA:357"}, 357},
		{"cw", 100, 20, Clockwise, []string{"DIR:1", "RMA:120"}, 120},
	} {
		t.Run(test.name, func(t *testing.T) {
			sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
				sim.SetInitialized(true)
				sim.SetAngle(test.from)
			})
			if _, err := s.StepBy(context.Background(), test.delta, test.dir); err != nil {
				t.Fatalf("StepBy: %v", err)
			}
			if diff := cmp.Diff(moves(sim, 0), test.want); diff != "" {
				t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
			}
			if got := sim.State().Angle; got != test.angle {
				t.Errorf("angle = %v, want %v", got, test.angle)
			}
		})
	}
}

func TestStepClockwiseWrappers(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetInitialized(true)
		sim.SetAngle(358)
	})
	ctx := context.Background()
	if _, err := s.StepClockwiseBy(ctx, 5); err != nil {
		t.Fatalf("StepClockwiseBy: %v", err)
	}
	if _, err := s.StepAntiClockwiseBy(ctx, 10); err != nil {
		t.Fatalf("StepAntiClockwiseBy: %v", err)
	}
	want := []string{"DIR:1", "RMA:3", "DIR:0", "RMA:353"}
	if diff := cmp.Diff(moves(sim, 0), want); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestSetAngleTolerance(t *testing.T) {
	for _, test := range []struct {
		name   string
		offset float64
		err    *AngleError
	}{
		{"within", 0.4, nil},
		{"outside", 1.1, &AngleError{Requested: 179.9, Achieved: 181, Tolerance: 0.5}},
	} {
		t.Run(test.name, func(t *testing.T) {
			sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
				sim.SetInitialized(true)
				sim.SetSettleOffset(test.offset)
			})
			err := s.SetAngle(context.Background(), 179.9)
			if test.err == nil {
				if err != nil {
					t.Fatalf("SetAngle: %v", err)
				}
			} else {
				var aerr *AngleError
				if !errors.As(err, &aerr) {
					t.Fatalf("SetAngle error = %v, want AngleError", err)
				}
				if diff := cmp.Diff(aerr, test.err, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
					t.Errorf("unexpected error: got(-)/want(+):\n%s", diff)
				}
			}
			if diff := cmp.Diff(moves(sim, 0), []string{"RMA:179.9"}); diff != "" {
				t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestSetAngleDeviceError(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), homed)
	sim.SetError("encoder warning")
	err := s.SetAngle(context.Background(), 45)
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Message != "encoder warning" {
		t.Fatalf("SetAngle error = %v, want DeviceError", err)
	}
}

func TestNextAngle(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), homed)
	ctx := context.Background()

	if err := s.GotoNextAngle(ctx); err != nil {
		t.Fatalf("GotoNextAngle without target: %v", err)
	}
	if _, ok := s.NextAngle(); ok {
		t.Fatal("NextAngle reported a target before SetNextAngle")
	}
	if err := s.SetNextAngle(ctx, 450); err != nil {
		t.Fatalf("SetNextAngle: %v", err)
	}
	if a, ok := s.NextAngle(); !ok || a != 90 {
		t.Errorf("NextAngle = %v, %t, want 90", a, ok)
	}
	if err := s.GotoNextAngle(ctx); err != nil {
		t.Fatalf("GotoNextAngle: %v", err)
	}
	if diff := cmp.Diff(moves(sim, 0), []string{"DEG:90", "RMT"}); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
	if got := s.Status().CurrentAngle; got != 90 {
		t.Errorf("angle = %v, want 90", got)
	}
}

func TestWaitTimeoutIsBestEffort(t *testing.T) {
	c := testConfig()
	c.WaitTimeout = 60 * time.Millisecond
	_, s := startSimulator(t, c, func(sim *simulator.Simulator) {
		sim.SetInitialized(true)
		sim.SetStuck(true)
	})
	start := time.Now()
	running, err := s.GotoAngle(context.Background(), 90, Clockwise)
	if err != nil {
		t.Fatalf("GotoAngle: %v", err)
	}
	if !running {
		t.Error("stuck drive reported stopped")
	}
	if waited := time.Since(start); waited < c.WaitTimeout {
		t.Errorf("returned after %v, before the %v timeout", waited, c.WaitTimeout)
	}
}

func TestWaitCancelled(t *testing.T) {
	_, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetInitialized(true)
		sim.SetStuck(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.GotoAngle(ctx, 90, Clockwise); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GotoAngle = %v, want context.DeadlineExceeded", err)
	}
}

func TestSimulatorFaults(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetAngle(123.4)
		sim.SetChunked(true)
	})
	ctx := context.Background()
	if a, err := s.CurrentAngle(ctx); err != nil || a != 123.4 {
		t.Errorf("CurrentAngle over chunked replies = %v, %v", a, err)
	}

	before := count(sim.Commands(), "?")
	sim.Garble(3)
	if _, err := s.RefreshStatus(ctx); err != nil {
		t.Fatalf("RefreshStatus after glitches: %v", err)
	}
	if n := count(sim.Commands(), "?") - before; n != 4 {
		t.Errorf("sent %d status queries, want 4", n)
	}

	sim.SetError("limit switch")
	if msg, err := s.ErrorMessage(ctx); err != nil || msg != "limit switch" {
		t.Errorf("ErrorMessage = %q, %v", msg, err)
	}
	if ok, err := s.HasError(ctx); err != nil || !ok {
		t.Errorf("HasError = %t, %v", ok, err)
	}

	sim.Lock()
	if _, err := s.RefreshStatus(ctx); !errors.Is(err, ErrLocked) {
		t.Errorf("RefreshStatus on locked controller = %v, want ErrLocked", err)
	}
}

func TestConfigureAndInfo(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), nil)
	ctx := context.Background()
	if err := s.Configure(ctx, Params{MaxSpeed: 10, MinSpeed: 0.01, Acceleration: 50}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	want := []string{"MAXSPEED:6.000000", "MINSPEED:0.180000", "ACC:50.000000"}
	if diff := cmp.Diff(moves(sim, 0), want); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !strings.Contains(info, "ACC:50.000000") {
		t.Errorf("Info = %q", info)
	}
}

func TestParamsDefaults(t *testing.T) {
	want := []string{"MAXSPEED:6.000000", "MINSPEED:0.180000", "ACC:65.000000"}
	if diff := cmp.Diff(Params{}.commands(), want); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestConcurrentCallersSerialize(t *testing.T) {
	_, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetInitialized(true)
		sim.SetSpeed(3600)
	})
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.GotoAngle(ctx, float64(i*30), Clockwise)
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.RefreshStatus(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent call: %v", err)
		}
	}
}

func TestStatusCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	c := testConfig()
	c.StatusCallback = func(status rotator.Status) {
		mu.Lock()
		seen = append(seen, status.(Status))
		mu.Unlock()
	}
	_, s := startSimulator(t, c, homed)
	if _, err := s.GotoAngle(context.Background(), 45, Clockwise); err != nil {
		t.Fatalf("GotoAngle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("callback saw %d statuses", len(seen))
	}
	if last := seen[len(seen)-1]; last.CurrentAngle != 45 || last.MotorRunning {
		t.Errorf("last status %+v", last)
	}
}

func TestRotatorAdapter(t *testing.T) {
	sim, s := startSimulator(t, testConfig(), func(sim *simulator.Simulator) {
		sim.SetInitialized(true)
		sim.SetAngle(10)
	})
	r := s.Rotator()
	ctx := context.Background()
	if err := r.SetAzimuthPosition(ctx, 350); err != nil {
		t.Fatalf("SetAzimuthPosition: %v", err)
	}
	if err := r.SetAzimuthVelocity(ctx, 1); err != nil {
		t.Fatalf("SetAzimuthVelocity: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{"DIR:0", "RMA:350", "DIR:1", "RMS", "STOP"}
	if diff := cmp.Diff(moves(sim, 0), want); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestClose(t *testing.T) {
	_, s := startSimulator(t, testConfig(), homed)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.Stop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop after Close = %v, want ErrClosed", err)
	}
	if s.Status().DriveInitialized {
		t.Error("closed session still reports an initialized drive")
	}
}

func TestNonFiniteAnglesRejected(t *testing.T) {
	port, s := newScripted(t, testConfig(), func(string) []string {
		return []string{"1,0.0,0,0 \r"}
	})
	ctx := context.Background()
	for _, angle := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		for name, op := range map[string]func() error{
			"GotoAngle":          func() error { _, err := s.GotoAngle(ctx, angle, Clockwise); return err },
			"StepBy":             func() error { _, err := s.StepBy(ctx, angle, Clockwise); return err },
			"SetAngle":           func() error { return s.SetAngle(ctx, angle) },
			"SetNextAngle":       func() error { return s.SetNextAngle(ctx, angle) },
			"SetAzimuthPosition": func() error { return s.Rotator().SetAzimuthPosition(ctx, angle) },
		} {
			if err := op(); !errors.Is(err, ErrInvalidAngle) {
				t.Errorf("%s(%v) = %v, want ErrInvalidAngle", name, angle, err)
			}
		}
	}
	if got := port.Commands(); len(got) != 0 {
		t.Errorf("commands sent for invalid angles: %q", got)
	}
	if _, ok := s.NextAngle(); ok {
		t.Error("invalid angle was staged")
	}
}

func TestDroppedSessionReleasesPort(t *testing.T) {
	port := newScriptPort(nil)
	func() {
		if _, err := New(context.Background(), port, testConfig()); err != nil {
			t.Fatalf("New: %v", err)
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !port.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("port still open after the session was dropped")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}
