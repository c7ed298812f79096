package bed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/position"
)

// calibrationRun is one timed full-travel hold.
type calibrationRun struct {
	axis   protocol.Axis
	start  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Controller) calibrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cal != nil
}

// StartCalibration stops the bed, takes axis as fully lowered and holds it
// rising until StopCalibration. The run ends on its own after
// position.MaxCalibration.
func (c *Controller) StartCalibration(ctx context.Context, axis protocol.Axis) error {
	c.mu.Lock()
	if c.cal != nil {
		c.mu.Unlock()
		return ErrCalibrating
	}
	c.mu.Unlock()

	if err := c.Stop(ctx); err != nil {
		return fmt.Errorf("bed: start calibration: %w", err)
	}
	if err := c.est.Resync(axis, 0); err != nil {
		return err
	}
	_, dir := c.est.TravelTime(axis, 0, 100)

	hctx, cancel := context.WithTimeout(c.ctx, position.MaxCalibration)
	run := &calibrationRun{axis: axis, start: time.Now(), cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.cal != nil {
		c.mu.Unlock()
		cancel()
		return ErrCalibrating
	}
	c.cal = run
	c.mu.Unlock()

	slog.Info("[BED] calibration started", "axis", axis, "direction", dir)
	c.emit(Event{Kind: EventCalibration, Axis: axis, Calibrating: true})

	go func() {
		defer close(run.done)
		err := c.Hold(hctx, dir, axis)
		if err != nil && hctx.Err() == nil {
			c.abortCalibration(run, err)
			return
		}
		if err != nil {
			slog.Warn("[BED] calibration hold ended", "axis", axis, "error", err)
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			go func() {
				if err := c.StopCalibration(c.ctx); err != nil && !errors.Is(err, ErrNotCalibrating) {
					slog.Warn("[BED] calibration timeout", "axis", axis, "error", err)
				}
			}()
		}
	}()
	return nil
}

// abortCalibration drops run after its hold failed, so time without a
// moving motor never counts toward the travel.
func (c *Controller) abortCalibration(run *calibrationRun, err error) {
	c.mu.Lock()
	current := c.cal == run
	if current {
		c.cal = nil
	}
	c.mu.Unlock()
	run.cancel()
	if !current {
		return
	}
	slog.Error("[BED] calibration aborted", "axis", run.axis, "error", err)
	c.emit(Event{Kind: EventCalibration, Axis: run.axis, Err: fmt.Errorf("bed: calibration aborted: %w", err)})
}

// StopCalibration ends the run: the elapsed time becomes the axis's travel
// (clamped), the axis is taken as fully raised, the result is persisted and
// the bed returns to zero.
func (c *Controller) StopCalibration(ctx context.Context) error {
	stoppedAt := time.Now()

	c.mu.Lock()
	run := c.cal
	c.cal = nil
	c.mu.Unlock()
	if run == nil {
		return ErrNotCalibrating
	}

	run.cancel()
	<-run.done

	travel, err := c.est.SetCalibration(run.axis, stoppedAt.Sub(run.start))
	if err != nil {
		c.emit(Event{Kind: EventCalibration, Axis: run.axis, Err: err})
		return fmt.Errorf("bed: stop calibration: %w", err)
	}
	_ = c.est.Resync(run.axis, 100)
	slog.Info("[BED] calibration complete", "axis", run.axis, "travel", travel)
	c.emit(Event{Kind: EventCalibration, Axis: run.axis, Travel: travel})
	c.emitPositions(run.axis)

	if c.store != nil {
		if err := c.store.SaveCalibration(run.axis, travel); err != nil {
			slog.Error("[BED] persist calibration failed", "axis", run.axis, "error", err)
		}
	}

	return c.MoveToZero(ctx)
}
