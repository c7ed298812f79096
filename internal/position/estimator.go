// Package position estimates how far each bed section is raised.
//
// The base has no position sensors, so the estimate is open-loop: elapsed
// motor time divided by the axis's full-travel duration. It drifts with
// every partial move and is only as good as the last calibration; Resync
// is the way to pull it back to a known endpoint.
package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// Calibration bounds.
const (
	MinCalibration     = time.Second
	MaxCalibration     = 120 * time.Second
	DefaultCalibration = 30 * time.Second
)

// ErrInvalidCalibration is returned for non-positive travel durations.
var ErrInvalidCalibration = errors.New("position: invalid calibration")

// AxisProfile configures one axis.
type AxisProfile struct {
	Travel   time.Duration // full travel, 0 to 100
	Inverted bool          // Up lowers the position
}

// Profile holds the per-axis calibration.
type Profile map[protocol.Axis]AxisProfile

// DefaultProfile returns 30s travel for every axis.
func DefaultProfile() Profile {
	p := Profile{}
	for _, a := range protocol.Axes {
		p[a] = AxisProfile{Travel: DefaultCalibration}
	}
	return p
}

// clampTravel bounds d to [MinCalibration, MaxCalibration].
func clampTravel(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCalibration, d)
	}
	return min(max(d, MinCalibration), MaxCalibration), nil
}

type intent struct {
	dir   protocol.Direction
	start time.Time
}

type axisState struct {
	profile  AxisProfile
	position float64
	moving   *intent
}

// Estimator tracks one position per axis. It is safe for concurrent use.
type Estimator struct {
	mu   sync.Mutex
	axes map[protocol.Axis]*axisState
	now  func() time.Time
}

// New creates an estimator at position 0 on every axis. Travel values
// outside [MinCalibration, MaxCalibration] are clamped; non-positive ones
// fall back to DefaultCalibration.
func New(p Profile) *Estimator {
	e := &Estimator{axes: make(map[protocol.Axis]*axisState), now: time.Now}
	for _, a := range protocol.Axes {
		ap, ok := p[a]
		if !ok {
			ap = AxisProfile{Travel: DefaultCalibration}
		}
		if d, err := clampTravel(ap.Travel); err == nil {
			ap.Travel = d
		} else {
			ap.Travel = DefaultCalibration
		}
		e.axes[a] = &axisState{profile: ap}
	}
	return e
}

func (e *Estimator) axis(a protocol.Axis) (*axisState, error) {
	st, ok := e.axes[a]
	if !ok {
		return nil, fmt.Errorf("position: unknown axis %v", a)
	}
	return st, nil
}

// Start begins a move on axis. A move in the opposite direction first
// settles the current one; the same direction keeps the original start.
func (e *Estimator) Start(a protocol.Axis, dir protocol.Direction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.axis(a)
	if err != nil {
		return err
	}
	now := e.now()
	if st.moving != nil {
		if st.moving.dir == dir {
			return nil
		}
		e.settle(st, now)
	}
	if dir != protocol.Stop {
		st.moving = &intent{dir: dir, start: now}
	}
	return nil
}

// Stop settles the move on axis, if any, and returns the new position.
func (e *Estimator) Stop(a protocol.Axis) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.axis(a)
	if err != nil {
		return 0, err
	}
	e.settle(st, e.now())
	return st.position, nil
}

// StopAll settles every axis.
func (e *Estimator) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, st := range e.axes {
		e.settle(st, now)
	}
}

// Position returns the estimate for axis, including an in-flight move.
func (e *Estimator) Position(a protocol.Axis) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.axes[a]
	if !ok {
		return 0
	}
	if st.moving == nil {
		return st.position
	}
	return clamp(st.position + delta(st.profile, st.moving, e.now()))
}

// Moving reports whether axis has an open move.
func (e *Estimator) Moving(a protocol.Axis) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.axes[a]
	return ok && st.moving != nil
}

// Restore sets a remembered position without touching any open move.
func (e *Estimator) Restore(a protocol.Axis, pos float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.axis(a)
	if err != nil {
		return err
	}
	st.position = clamp(pos)
	return nil
}

// Resync drops any open move and forces the position to a known endpoint.
func (e *Estimator) Resync(a protocol.Axis, endpoint float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.axis(a)
	if err != nil {
		return err
	}
	st.moving = nil
	st.position = clamp(endpoint)
	return nil
}

// SetCalibration changes the full-travel duration of axis and returns the
// clamped value actually used. An open move is settled at the old rate first.
func (e *Estimator) SetCalibration(a protocol.Axis, d time.Duration) (time.Duration, error) {
	d, err := clampTravel(d)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.axis(a)
	if err != nil {
		return 0, err
	}
	if st.moving != nil {
		now := e.now()
		dir := st.moving.dir
		e.settle(st, now)
		st.moving = &intent{dir: dir, start: now}
	}
	st.profile.Travel = d
	return d, nil
}

// Calibration returns the full-travel duration of axis.
func (e *Estimator) Calibration(a protocol.Axis) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.axes[a]; ok {
		return st.profile.Travel
	}
	return 0
}

// TravelTime returns how long axis must move to go from one position to
// another, and the direction to move in.
func (e *Estimator) TravelTime(a protocol.Axis, from, to float64) (time.Duration, protocol.Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.axes[a]
	if !ok {
		return 0, protocol.Stop
	}
	diff := clamp(to) - clamp(from)
	if diff == 0 {
		return 0, protocol.Stop
	}
	dir := protocol.Up
	if diff < 0 {
		dir, diff = protocol.Down, -diff
	}
	if st.profile.Inverted {
		dir = dir.Opposite()
	}
	return time.Duration(diff * float64(st.profile.Travel) / 100), dir
}

// settle folds an open move into the stored position (caller holds mu).
func (e *Estimator) settle(st *axisState, now time.Time) {
	if st.moving == nil {
		return
	}
	st.position = clamp(st.position + delta(st.profile, st.moving, now))
	st.moving = nil
}

func delta(p AxisProfile, in *intent, now time.Time) float64 {
	elapsed := now.Sub(in.start)
	if elapsed < 0 {
		elapsed = 0
	}
	d := float64(elapsed) * 100 / float64(p.Travel)
	sign := 1.0
	if in.dir == protocol.Down {
		sign = -1
	}
	if p.Inverted {
		sign = -sign
	}
	return sign * d
}

func clamp(v float64) float64 {
	return min(max(v, 0), 100)
}
