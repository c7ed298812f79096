// Package remote turns global hotkeys into held bed moves using gohook.
// Key down on a bound combo starts a hold; key up ends it.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/config"
)

// Mover is the bed side of the remote. *bed.Controller implements it.
type Mover interface {
	Hold(ctx context.Context, dir protocol.Direction, axes ...protocol.Axis) error
}

// Binding maps a key combo to a held move.
type Binding struct {
	Keys      []string
	Axes      []protocol.Axis
	Direction protocol.Direction
}

func (b Binding) String() string {
	axes := make([]string, len(b.Axes))
	for i, a := range b.Axes {
		axes[i] = a.String()
	}
	return fmt.Sprintf("%s -> %s %s", strings.Join(b.Keys, "+"), strings.Join(axes, "+"), b.Direction)
}

// FromConfig converts configured bindings.
func FromConfig(cfg []config.BindingConfig) ([]Binding, error) {
	out := make([]Binding, 0, len(cfg))
	for i, bc := range cfg {
		if len(bc.Keys) == 0 {
			return nil, fmt.Errorf("remote: binding %d has no keys", i)
		}
		axes, err := protocol.ParseAxes(bc.Axis)
		if err != nil {
			return nil, fmt.Errorf("remote: binding %d: %w", i, err)
		}
		dir, err := protocol.ParseDirection(bc.Direction)
		if err != nil {
			return nil, fmt.Errorf("remote: binding %d: %w", i, err)
		}
		if dir == protocol.Stop {
			return nil, fmt.Errorf("remote: binding %d: direction must be up or down", i)
		}
		keys := make([]string, len(bc.Keys))
		for j, k := range bc.Keys {
			keys[j] = strings.ToLower(strings.TrimSpace(k))
		}
		out = append(out, Binding{Keys: keys, Axes: axes, Direction: dir})
	}
	return out, nil
}

type hold struct {
	cancel context.CancelFunc
}

// Remote manages the global hotkeys and the holds they start.
type Remote struct {
	bindings []Binding
	mover    Mover

	mu     sync.Mutex
	active map[int]*hold
	wg     sync.WaitGroup

	done chan struct{}
	once sync.Once
}

// New creates a remote for the given bindings.
func New(bindings []Binding, mover Mover) *Remote {
	return &Remote{
		bindings: bindings,
		mover:    mover,
		active:   make(map[int]*hold),
		done:     make(chan struct{}),
	}
}

// Start registers every binding and processes key events.
// This function blocks until Stop is called. Run it in a goroutine.
func (r *Remote) Start() {
	for i, b := range r.bindings {
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) { r.Press(i) })
		hook.Register(hook.KeyUp, b.Keys, func(e hook.Event) { r.Release(i) })
		slog.Info("[REMOTE] binding registered", "binding", b)
	}

	evChan := hook.Start()
	go func() {
		<-r.done
		hook.End()
	}()
	<-hook.Process(evChan)
}

// Press starts the hold for binding i. Key repeat while held is ignored.
func (r *Remote) Press(i int) {
	if i < 0 || i >= len(r.bindings) {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}

	r.mu.Lock()
	if _, held := r.active[i]; held {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &hold{cancel: cancel}
	r.active[i] = h
	r.wg.Add(1)
	r.mu.Unlock()

	b := r.bindings[i]
	slog.Debug("[REMOTE] hold", "binding", b)
	go func() {
		defer r.wg.Done()
		if err := r.mover.Hold(ctx, b.Direction, b.Axes...); err != nil {
			slog.Warn("[REMOTE] hold failed", "binding", b, "error", err)
		}
		r.mu.Lock()
		// the key may still be down; let a fresh press start over
		if r.active[i] == h {
			delete(r.active, i)
		}
		r.mu.Unlock()
		cancel()
	}()
}

// Release ends the hold for binding i.
func (r *Remote) Release(i int) {
	r.mu.Lock()
	h, held := r.active[i]
	delete(r.active, i)
	r.mu.Unlock()
	if held {
		h.cancel()
	}
}

// Held reports whether binding i is currently held.
func (r *Remote) Held(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.active[i]
	return held
}

// Stop ends every hold and terminates the hotkey listener.
// It is safe to call multiple times.
func (r *Remote) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
	r.mu.Lock()
	for i, h := range r.active {
		h.cancel()
		delete(r.active, i)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
