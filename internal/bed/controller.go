// Package bed is the command and output surface a host drives: moves,
// held moves, light, target positions and calibration runs. Every frame
// goes through the session; positions come from the open-loop estimator.
package bed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/position"
	"github.com/chaz8081/octobed/internal/session"
)

var (
	ErrCalibrating    = errors.New("bed: calibration in progress")
	ErrNotCalibrating = errors.New("bed: no calibration in progress")

	// ErrHoldReleased ends a hold whose axes were taken by a stop, a move
	// or a newer hold before its context ended.
	ErrHoldReleased = errors.New("bed: hold released")
)

// Session is the authenticated send path. *session.Session implements it.
type Session interface {
	Send(ctx context.Context, frame []byte) error
	Status() session.Status
}

// CalibrationStore persists measured travel times. *config.Store implements it.
type CalibrationStore interface {
	SaveCalibration(axis protocol.Axis, d time.Duration) error
}

// Options configures the controller.
type Options struct {
	MovementInterval time.Duration // reassert period of a held move
	MinHold          time.Duration // shortest SetPosition move
	StopTimeout      time.Duration // bound on the Stop sent when a hold ends
	EventBuffer      int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MovementInterval: 250 * time.Millisecond,
		MinHold:          300 * time.Millisecond,
		StopTimeout:      5 * time.Second,
		EventBuffer:      64,
	}
}

// positionTolerance is the smallest SetPosition change acted on.
const positionTolerance = 0.5

// Controller drives one bed.
type Controller struct {
	sess  Session
	est   *position.Estimator
	store CalibrationStore
	opts  Options

	mu    sync.Mutex
	light bool
	cal   *calibrationRun
	held  map[protocol.Axis]*hold // owner of each axis under a running hold

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a controller. store may be nil, in which case calibration
// results are kept in memory only.
func New(sess Session, est *position.Estimator, store CalibrationStore, opts Options) *Controller {
	def := DefaultOptions()
	if opts.MovementInterval <= 0 {
		opts.MovementInterval = def.MovementInterval
	}
	if opts.MinHold <= 0 {
		opts.MinHold = def.MinHold
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sess:   sess,
		est:    est,
		store:  store,
		opts:   opts,
		held:   make(map[protocol.Axis]*hold),
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the controller event stream.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// HandleTransition feeds session state changes in. Pass it as the
// session's notify callback. Leaving Authorized ends every open move.
func (c *Controller) HandleTransition(tr session.Transition) {
	c.emit(Event{Kind: EventState, State: tr.To, SessionID: tr.SessionID, Err: tr.Err})
	if tr.From == session.Authorized && tr.To != session.Authorized {
		c.est.StopAll()
		c.emitPositions(protocol.Axes...)
	}
}

// hold is one running Hold. Axes map to the hold that last claimed them.
type hold struct {
	dir protocol.Direction
}

// Move writes one move frame and opens a move on each axis. Axes left out
// of the frame stop unless a hold owns them. With no axes both sections
// move. Moved axes are taken from any hold.
func (c *Controller) Move(ctx context.Context, dir protocol.Direction, axes ...protocol.Axis) error {
	if dir == protocol.Stop {
		return c.Stop(ctx)
	}
	if len(axes) == 0 {
		axes = protocol.Axes
	}
	c.mu.Lock()
	for _, a := range axes {
		delete(c.held, a)
	}
	c.mu.Unlock()

	if err := c.drive(ctx, dir, axes); err != nil {
		return err
	}
	c.emitPositions(protocol.Axes...)
	return nil
}

// Hold moves until ctx ends, reasserting the move every MovementInterval,
// then stops its own axes. Holds on different axes run side by side: axes
// held in the same direction share one frame, and the last hold to end
// sends the stop. It returns the first error of the move or the final stop,
// or ErrHoldReleased when its axes were taken before ctx ended.
func (c *Controller) Hold(ctx context.Context, dir protocol.Direction, axes ...protocol.Axis) error {
	if dir == protocol.Stop {
		return c.Stop(ctx)
	}
	if len(axes) == 0 {
		axes = protocol.Axes
	}
	h := &hold{dir: dir}
	c.mu.Lock()
	for _, a := range axes {
		c.held[a] = h
	}
	frame := c.heldAxesLocked(dir)
	c.mu.Unlock()

	if err := c.drive(ctx, dir, frame); err != nil {
		c.mu.Lock()
		c.releaseLocked(h)
		c.mu.Unlock()
		return err
	}
	c.emitPositions(protocol.Axes...)

	ticker := time.NewTicker(c.opts.MovementInterval)
	defer ticker.Stop()

	var holdErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			c.mu.Lock()
			owned := c.ownedLocked(h)
			frame = c.heldAxesLocked(dir)
			c.mu.Unlock()
			if len(owned) == 0 {
				holdErr = ErrHoldReleased
				break loop
			}
			if err := c.drive(ctx, dir, frame); err != nil {
				if ctx.Err() != nil {
					break loop
				}
				slog.Warn("[BED] hold interrupted", "direction", dir, "error", err)
				holdErr = fmt.Errorf("bed: hold %s: %w", dir, err)
				break loop
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopTimeout)
	defer cancel()
	if err := c.endHold(stopCtx, h); err != nil && holdErr == nil {
		holdErr = err
	}
	return holdErr
}

// drive writes one move frame for axes and opens their moves. Axes outside
// the frame that no hold owns are settled, since the frame stops them.
func (c *Controller) drive(ctx context.Context, dir protocol.Direction, axes []protocol.Axis) error {
	if err := c.sess.Send(ctx, protocol.Move(dir, axes...)); err != nil {
		return fmt.Errorf("bed: move %s: %w", dir, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range protocol.Axes {
		switch {
		case slices.Contains(axes, a):
			_ = c.est.Start(a, dir)
		case c.held[a] == nil && c.est.Moving(a):
			_, _ = c.est.Stop(a)
		}
	}
	return nil
}

// endHold releases h. The last hold sends a full stop; otherwise the
// remaining holds' frames are resent, which stops h's axes.
func (c *Controller) endHold(ctx context.Context, h *hold) error {
	c.mu.Lock()
	mine := c.releaseLocked(h)
	others := make(map[protocol.Direction][]protocol.Axis)
	for _, d := range []protocol.Direction{protocol.Up, protocol.Down} {
		if axes := c.heldAxesLocked(d); len(axes) > 0 {
			others[d] = axes
		}
	}
	c.mu.Unlock()

	if len(mine) == 0 {
		return nil
	}
	if len(others) == 0 {
		return c.Stop(ctx)
	}

	for _, a := range mine {
		_, _ = c.est.Stop(a)
	}
	c.emitPositions(mine...)
	var firstErr error
	for _, d := range []protocol.Direction{protocol.Up, protocol.Down} {
		axes, ok := others[d]
		if !ok {
			continue
		}
		if err := c.sess.Send(ctx, protocol.Move(d, axes...)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bed: end hold: %w", err)
		}
	}
	return firstErr
}

// heldAxesLocked lists the axes held in dir (caller must hold mu).
func (c *Controller) heldAxesLocked(dir protocol.Direction) []protocol.Axis {
	var axes []protocol.Axis
	for _, a := range protocol.Axes {
		if h := c.held[a]; h != nil && h.dir == dir {
			axes = append(axes, a)
		}
	}
	return axes
}

func (c *Controller) ownedLocked(h *hold) []protocol.Axis {
	var axes []protocol.Axis
	for _, a := range protocol.Axes {
		if c.held[a] == h {
			axes = append(axes, a)
		}
	}
	return axes
}

// releaseLocked drops h's claims and returns the axes it still owned
// (caller must hold mu).
func (c *Controller) releaseLocked(h *hold) []protocol.Axis {
	mine := c.ownedLocked(h)
	for _, a := range mine {
		delete(c.held, a)
	}
	return mine
}

// Stop halts every motor and releases every hold. The estimate is settled
// even when the frame cannot be written.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	clear(c.held)
	c.mu.Unlock()

	err := c.sess.Send(ctx, protocol.StopAll())
	c.est.StopAll()
	c.emitPositions(protocol.Axes...)
	if err != nil {
		return fmt.Errorf("bed: stop: %w", err)
	}
	return nil
}

// Light switches the under-bed light.
func (c *Controller) Light(ctx context.Context, on bool) error {
	if err := c.sess.Send(ctx, protocol.Light(on)); err != nil {
		return fmt.Errorf("bed: light: %w", err)
	}
	c.mu.Lock()
	c.light = on
	c.mu.Unlock()
	c.emit(Event{Kind: EventLight, Light: on})
	return nil
}

// MakeDiscoverable puts the base back into pairing mode.
func (c *Controller) MakeDiscoverable(ctx context.Context) error {
	if err := c.sess.Send(ctx, protocol.MakeDiscoverable()); err != nil {
		return fmt.Errorf("bed: make discoverable: %w", err)
	}
	slog.Info("[BED] base set discoverable")
	return nil
}

// SetPosition moves axis to target (0-100) by holding for the estimated
// travel time, then snaps the estimate to target.
func (c *Controller) SetPosition(ctx context.Context, axis protocol.Axis, target float64) error {
	if c.calibrating() {
		return ErrCalibrating
	}
	target = math.Min(math.Max(target, 0), 100)
	current := c.est.Position(axis)
	if math.Abs(target-current) < positionTolerance {
		return nil
	}

	d, dir := c.est.TravelTime(axis, current, target)
	if dir == protocol.Stop {
		return nil
	}
	d = max(d, c.opts.MinHold)
	slog.Info("[BED] set position", "axis", axis, "from", math.Round(current), "to", target, "direction", dir, "hold", d)

	hctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := c.Hold(hctx, dir, axis); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = c.est.Resync(axis, target)
	c.emitPositions(axis)
	return nil
}

// MoveToZero lowers the head and then the feet to 0.
func (c *Controller) MoveToZero(ctx context.Context) error {
	for _, a := range protocol.Axes {
		if err := c.SetPosition(ctx, a, 0); err != nil {
			return err
		}
	}
	return nil
}

// AssumePosition records where axis actually is, as observed by the user.
// An open move keeps running from the new position.
func (c *Controller) AssumePosition(axis protocol.Axis, pos float64) error {
	if err := c.est.Restore(axis, pos); err != nil {
		return fmt.Errorf("bed: assume position: %w", err)
	}
	c.emitPositions(axis)
	return nil
}

// Status returns a snapshot of the bed.
func (c *Controller) Status() Status {
	st := Status{
		Session:     c.sess.Status(),
		Positions:   make(map[protocol.Axis]float64),
		Moving:      make(map[protocol.Axis]bool),
		Calibration: make(map[protocol.Axis]time.Duration),
	}
	for _, a := range protocol.Axes {
		st.Positions[a] = c.est.Position(a)
		st.Moving[a] = c.est.Moving(a)
		st.Calibration[a] = c.est.Calibration(a)
	}
	c.mu.Lock()
	st.Light = c.light
	if c.cal != nil {
		st.Calibrating = true
		st.CalAxis = c.cal.axis
	}
	c.mu.Unlock()
	return st
}

// Close aborts a running calibration and waits for it to wind down.
func (c *Controller) Close() {
	c.mu.Lock()
	run := c.cal
	c.cal = nil
	c.mu.Unlock()
	c.cancel()
	if run != nil {
		run.cancel()
		<-run.done
	}
}
