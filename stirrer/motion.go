package stirrer

import (
	"context"
	"log"
	"strconv"
	"time"
)

// waitFor polls until the motor's running state equals running. When the
// wait times out it logs and returns the last angle without an error, so a
// stuck drive cannot hang the caller.
func (s *Stirrer) waitFor(ctx context.Context, running bool) (Status, error) {
	what := "stop"
	if running {
		what = "start"
	}
	start := time.Now()
	ticker := time.NewTicker(s.config.WaitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Status(), ctx.Err()
		case <-ticker.C:
		}
		status, err := s.refresh(ctx)
		if err != nil {
			return Status{}, err
		}
		if status.MotorRunning == running {
			return status, nil
		}
		if waited := time.Since(start); waited >= s.config.WaitTimeout {
			log.Printf("waiting for motor to %s timed out, waited %v", what, waited.Round(time.Millisecond))
			return status, nil
		}
	}
}

func (s *Stirrer) write(command string) error {
	_, err := s.transport.Write(command)
	return err
}

// setDirection sends the direction and lets it latch before the next command.
func (s *Stirrer) setDirection(ctx context.Context, dir Direction) error {
	if err := s.write(dir.command()); err != nil {
		return err
	}
	return sleep(ctx, s.config.SettleDelay)
}

func formatAngle(angle float64) string {
	return strconv.FormatFloat(angle, 'f', -1, 64)
}

// Initialize homes the drive unless it already reports initialized.
func (s *Stirrer) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, err := s.refresh(ctx)
	if err != nil {
		return false, err
	}
	if initialized(status) {
		return true, nil
	}
	if err := s.write("INIT"); err != nil {
		return false, err
	}
	if _, err := s.waitFor(ctx, false); err != nil {
		return false, err
	}
	status, err = s.refresh(ctx)
	if err != nil {
		return false, err
	}
	if !initialized(status) {
		return false, &DriveInitError{Status: status}
	}
	return true, nil
}

// Stop halts the motor and waits until it has stopped. It returns whether the
// motor is still running.
func (s *Stirrer) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("STOP"); err != nil {
		return false, err
	}
	status, err := s.waitFor(ctx, false)
	return status.MotorRunning, err
}

// Run starts continuous rotation and returns once the motor is turning.
func (s *Stirrer) Run(ctx context.Context, dir Direction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setDirection(ctx, dir); err != nil {
		return false, err
	}
	if err := s.write("RMS"); err != nil {
		return false, err
	}
	status, err := s.waitFor(ctx, true)
	return status.MotorRunning, err
}

func (s *Stirrer) RunClockwise(ctx context.Context) (bool, error) {
	return s.Run(ctx, Clockwise)
}

func (s *Stirrer) RunAntiClockwise(ctx context.Context) (bool, error) {
	return s.Run(ctx, AntiClockwise)
}

// moveTo issues an absolute move to a whole degree and waits for it to finish.
// s.mu must be held.
func (s *Stirrer) moveTo(ctx context.Context, target float64) (bool, error) {
	if err := s.write("RMA:" + strconv.Itoa(int(Clip(target)))); err != nil {
		return false, err
	}
	status, err := s.waitFor(ctx, false)
	return status.MotorRunning, err
}

// StepBy turns delta degrees in dir from the current angle.
func (s *Stirrer) StepBy(ctx context.Context, delta float64, dir Direction) (bool, error) {
	if err := checkAngle(delta); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setDirection(ctx, dir); err != nil {
		return false, err
	}
	status, err := s.refresh(ctx)
	if err != nil {
		return false, err
	}
	if dir == AntiClockwise {
		delta = -delta
	}
	return s.moveTo(ctx, Clip(status.CurrentAngle+delta))
}

func (s *Stirrer) StepClockwiseBy(ctx context.Context, delta float64) (bool, error) {
	return s.StepBy(ctx, delta, Clockwise)
}

func (s *Stirrer) StepAntiClockwiseBy(ctx context.Context, delta float64) (bool, error) {
	return s.StepBy(ctx, delta, AntiClockwise)
}

// GotoAngle moves to an absolute angle, turning in dir.
func (s *Stirrer) GotoAngle(ctx context.Context, angle float64, dir Direction) (bool, error) {
	if err := checkAngle(angle); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setDirection(ctx, dir); err != nil {
		return false, err
	}
	return s.moveTo(ctx, Clip(angle))
}

// SetAngle moves to angle and checks that the drive settled within the
// configured tolerance. Use it where position accuracy matters.
func (s *Stirrer) SetAngle(ctx context.Context, angle float64) error {
	if err := checkAngle(angle); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := Clip(angle)
	if err := s.write("RMA:" + formatAngle(target)); err != nil {
		return err
	}
	return s.settle(ctx, target)
}

// settle waits for the motor to stop and verifies the achieved angle.
func (s *Stirrer) settle(ctx context.Context, target float64) error {
	if _, err := s.waitFor(ctx, false); err != nil {
		return err
	}
	status, err := s.refresh(ctx)
	if err != nil {
		return err
	}
	if distance(status.CurrentAngle, target) > s.config.AngleTolerance {
		return &AngleError{
			Requested: target,
			Achieved:  status.CurrentAngle,
			Tolerance: s.config.AngleTolerance,
		}
	}
	if status.Error {
		return &DeviceError{Message: status.ErrorMessage}
	}
	return nil
}

// SetNextAngle stages a target with DEG without moving.
func (s *Stirrer) SetNextAngle(ctx context.Context, angle float64) error {
	if err := checkAngle(angle); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := Clip(angle)
	if err := s.write("DEG:" + formatAngle(target)); err != nil {
		return err
	}
	s.nextAngle = &target
	return nil
}

// NextAngle returns the staged target, if any.
func (s *Stirrer) NextAngle() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextAngle == nil {
		return 0, false
	}
	return *s.nextAngle, true
}

// GotoNextAngle moves to the staged target with RMT and verifies it like
// SetAngle. Without a staged target it does nothing.
func (s *Stirrer) GotoNextAngle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextAngle == nil {
		return nil
	}
	if err := s.write("RMT"); err != nil {
		return err
	}
	return s.settle(ctx, *s.nextAngle)
}
