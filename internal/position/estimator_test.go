package position

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEstimator(p Profile) (*Estimator, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	e := New(p)
	e.now = clk.Now
	return e, clk
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestHoldIntegratesTravel(t *testing.T) {
	tests := []struct {
		name   string
		travel time.Duration
		start  float64
		dir    protocol.Direction
		hold   time.Duration
		want   float64
	}{
		{"half of 30s", 30 * time.Second, 0, protocol.Up, 15 * time.Second, 50},
		{"down from full", 30 * time.Second, 100, protocol.Down, 6 * time.Second, 80},
		{"clamped high", 30 * time.Second, 80, protocol.Up, time.Minute, 100},
		{"clamped low", 10 * time.Second, 20, protocol.Down, time.Minute, 0},
		{"zero hold", 30 * time.Second, 40, protocol.Up, 0, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clk := newTestEstimator(Profile{protocol.Head: {Travel: tt.travel}})
			if err := e.Restore(protocol.Head, tt.start); err != nil {
				t.Fatal(err)
			}
			if err := e.Start(protocol.Head, tt.dir); err != nil {
				t.Fatal(err)
			}
			clk.Advance(tt.hold)
			got, err := e.Stop(protocol.Head)
			if err != nil {
				t.Fatal(err)
			}
			if !approx(got, tt.want) {
				t.Errorf("position = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvertedAxis(t *testing.T) {
	e, clk := newTestEstimator(Profile{protocol.Feet: {Travel: 20 * time.Second, Inverted: true}})
	_ = e.Restore(protocol.Feet, 50)
	_ = e.Start(protocol.Feet, protocol.Up)
	clk.Advance(5 * time.Second)
	got, _ := e.Stop(protocol.Feet)
	if !approx(got, 25) {
		t.Errorf("position = %v, want 25", got)
	}

	d, dir := e.TravelTime(protocol.Feet, 25, 75)
	if dir != protocol.Down || d != 10*time.Second {
		t.Errorf("TravelTime = %v %v, want 10s down", d, dir)
	}
}

func TestPositionIncludesOpenMove(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(3 * time.Second)
	if got := e.Position(protocol.Head); !approx(got, 10) {
		t.Errorf("Position() = %v, want 10", got)
	}
	if !e.Moving(protocol.Head) {
		t.Error("Moving() = false during move")
	}
	if e.Moving(protocol.Feet) {
		t.Error("feet reported moving")
	}
}

func TestReversalSettlesFirst(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(6 * time.Second)
	_ = e.Start(protocol.Head, protocol.Down)
	clk.Advance(3 * time.Second)
	got, _ := e.Stop(protocol.Head)
	if !approx(got, 10) {
		t.Errorf("position = %v, want 10", got)
	}
}

func TestRepeatedStartKeepsOrigin(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(3 * time.Second)
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(3 * time.Second)
	got, _ := e.Stop(protocol.Head)
	if !approx(got, 20) {
		t.Errorf("position = %v, want 20", got)
	}
}

func TestStopWithoutMove(t *testing.T) {
	e, _ := newTestEstimator(DefaultProfile())
	_ = e.Restore(protocol.Feet, 33)
	got, err := e.Stop(protocol.Feet)
	if err != nil || !approx(got, 33) {
		t.Errorf("Stop() = %v, %v, want 33", got, err)
	}
}

func TestImmediateStopIsNoDelta(t *testing.T) {
	e, _ := newTestEstimator(DefaultProfile())
	_ = e.Restore(protocol.Head, 42)
	_ = e.Start(protocol.Head, protocol.Down)
	got, _ := e.Stop(protocol.Head)
	if !approx(got, 42) {
		t.Errorf("position = %v, want 42", got)
	}
}

func TestClockSkewCountsAsZero(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Restore(protocol.Head, 50)
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(-5 * time.Second)
	got, _ := e.Stop(protocol.Head)
	if !approx(got, 50) {
		t.Errorf("position = %v, want 50", got)
	}
}

func TestStopAll(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Start(protocol.Head, protocol.Up)
	_ = e.Start(protocol.Feet, protocol.Up)
	clk.Advance(15 * time.Second)
	e.StopAll()
	for _, a := range protocol.Axes {
		if e.Moving(a) {
			t.Errorf("%v still moving", a)
		}
		if got := e.Position(a); !approx(got, 50) {
			t.Errorf("%v position = %v, want 50", a, got)
		}
	}
}

func TestResync(t *testing.T) {
	e, clk := newTestEstimator(DefaultProfile())
	_ = e.Start(protocol.Head, protocol.Up)
	clk.Advance(5 * time.Second)
	if err := e.Resync(protocol.Head, 100); err != nil {
		t.Fatal(err)
	}
	if e.Moving(protocol.Head) {
		t.Error("Resync left the move open")
	}
	if got := e.Position(protocol.Head); got != 100 {
		t.Errorf("Position() = %v, want 100", got)
	}
}

func TestSetCalibration(t *testing.T) {
	tests := []struct {
		in      time.Duration
		want    time.Duration
		wantErr bool
	}{
		{45 * time.Second, 45 * time.Second, false},
		{200 * time.Millisecond, MinCalibration, false},
		{10 * time.Minute, MaxCalibration, false},
		{0, 0, true},
		{-time.Second, 0, true},
	}
	for _, tt := range tests {
		e, _ := newTestEstimator(DefaultProfile())
		got, err := e.SetCalibration(protocol.Head, tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidCalibration) {
				t.Errorf("SetCalibration(%v) error = %v, want ErrInvalidCalibration", tt.in, err)
			}
			if e.Calibration(protocol.Head) != DefaultCalibration {
				t.Errorf("calibration changed on error")
			}
			continue
		}
		if err != nil || got != tt.want || e.Calibration(protocol.Head) != tt.want {
			t.Errorf("SetCalibration(%v) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestNewSanitizesProfile(t *testing.T) {
	e := New(Profile{protocol.Head: {Travel: -3}, protocol.Feet: {Travel: 500 * time.Second}})
	if got := e.Calibration(protocol.Head); got != DefaultCalibration {
		t.Errorf("head = %v, want default", got)
	}
	if got := e.Calibration(protocol.Feet); got != MaxCalibration {
		t.Errorf("feet = %v, want max", got)
	}
}

func TestTravelTime(t *testing.T) {
	e, _ := newTestEstimator(DefaultProfile())
	d, dir := e.TravelTime(protocol.Head, 20, 70)
	if d != 15*time.Second || dir != protocol.Up {
		t.Errorf("TravelTime(20, 70) = %v %v, want 15s up", d, dir)
	}
	d, dir = e.TravelTime(protocol.Head, 70, -10)
	if d != 21*time.Second || dir != protocol.Down {
		t.Errorf("TravelTime(70, -10) = %v %v, want 21s down", d, dir)
	}
	if d, dir = e.TravelTime(protocol.Head, 5, 5); d != 0 || dir != protocol.Stop {
		t.Errorf("TravelTime(5, 5) = %v %v, want 0 stop", d, dir)
	}
}
