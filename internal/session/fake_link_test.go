package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/octobed/internal/ble"
)

// fakeLink is an in-memory Link.
type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error         // returned by every Connect while set
	gate         chan struct{} // when set, Connect blocks until it is closed
	connectCalls int
	disconnects  int
	writeErr     error // returned by the next Write, then cleared
	writes       [][]byte
	notify       func([]byte)
	events       chan ble.LinkEvent
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan ble.LinkEvent, 16)}
}

func (f *fakeLink) Connect(ctx context.Context, id ble.Identity) error {
	f.mu.Lock()
	f.connectCalls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLink) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ble.ErrNotConnected
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.writeErr = nil
		return err
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeLink) Events() <-chan ble.LinkEvent { return f.events }

func (f *fakeLink) OnNotify(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = fn
}

// SimulateDisconnect drops the link as the bed would.
func (f *fakeLink) SimulateDisconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events <- ble.LinkEvent{Type: ble.LinkDisconnected, Reason: ble.ErrLinkLost}
}

// SimulateNotification delivers bytes as if the bed sent them.
func (f *fakeLink) SimulateNotification(data []byte) {
	f.mu.Lock()
	fn := f.notify
	f.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (f *fakeLink) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeLink) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeLink) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeLink) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeLink) countWrites(frame []byte) int {
	n := 0
	for _, w := range f.Writes() {
		if bytes.Equal(w, frame) {
			n++
		}
	}
	return n
}

func (f *fakeLink) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// memStore is an in-memory CredentialStore.
type memStore struct {
	mu      sync.Mutex
	pin     string
	loadErr error
	saveErr error
	saves   []string
}

func (m *memStore) LoadPIN() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pin, m.loadErr
}

func (m *memStore) SavePIN(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.pin = pin
	m.saves = append(m.saves, pin)
	return nil
}

var errRadio = errors.New("radio off")

// fastOpts keeps timers short enough for tests.
func fastOpts() Options {
	return Options{
		KeepAliveInterval: time.Hour,
		ConnectTimeout:    time.Second,
		CommandTimeout:    time.Second,
		RejectWindow:      time.Nanosecond,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func newTestSession(t *testing.T, link *fakeLink, pin string, opts Options) *Session {
	t.Helper()
	s, err := New(link, ble.Identity{Address: "AA:BB:CC:DD:EE:FF"}, &memStore{pin: pin}, opts, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
