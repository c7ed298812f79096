package bed

import (
	"log/slog"
	"time"

	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/session"
)

// EventKind distinguishes controller events.
type EventKind int

const (
	EventState EventKind = iota
	EventPosition
	EventLight
	EventCalibration
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventPosition:
		return "position"
	case EventLight:
		return "light"
	case EventCalibration:
		return "calibration"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind
	At   time.Time

	State     session.State // EventState
	SessionID string
	Err       error

	Axis     protocol.Axis // EventPosition, EventCalibration
	Position float64
	Moving   bool

	Light bool // EventLight

	Calibrating bool          // EventCalibration
	Travel      time.Duration // measured travel when a run completes
}

// Status is a snapshot of the bed.
type Status struct {
	Session     session.Status
	Positions   map[protocol.Axis]float64
	Moving      map[protocol.Axis]bool
	Calibration map[protocol.Axis]time.Duration
	Light       bool
	Calibrating bool
	CalAxis     protocol.Axis
}

// emit delivers ev, dropping the oldest pending event when the buffer is full.
func (c *Controller) emit(ev Event) {
	ev.At = time.Now()
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case old := <-c.events:
			slog.Debug("[BED] event buffer full, dropping oldest", "kind", old.Kind)
		default:
		}
	}
}

func (c *Controller) emitPositions(axes ...protocol.Axis) {
	for _, a := range axes {
		c.emit(Event{Kind: EventPosition, Axis: a, Position: c.est.Position(a), Moving: c.est.Moving(a)})
	}
}
