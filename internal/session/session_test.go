package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/ble/protocol"
)

func TestNewUsesPersistedPIN(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := s.State(); got != Authorized {
		t.Fatalf("State() = %v, want authorized", got)
	}

	writes := link.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	want := []byte{0x40, 0x20, 0x43, 0x00, 0x04, 0x00, 0x01, 0x02, 0x03, 0x04, 0x40}
	if !bytes.Equal(writes[0], want) {
		t.Errorf("handshake = % x, want % x", writes[0], want)
	}
	if link.countWrites(protocol.Auth("0000")) != 0 {
		t.Error("default PIN was sent")
	}
}

func TestNewStoreErrorAborts(t *testing.T) {
	link := newFakeLink()
	store := &memStore{loadErr: errors.New("disk gone")}

	_, err := New(link, ble.Identity{Name: "RC2"}, store, fastOpts(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if link.connectCalls != 0 || len(link.Writes()) != 0 {
		t.Error("link touched despite store failure")
	}
}

func TestNewEmptyPIN(t *testing.T) {
	_, err := New(newFakeLink(), ble.Identity{Name: "RC2"}, &memStore{pin: "  "}, fastOpts(), nil)
	if err == nil {
		t.Fatal("expected error for empty pin")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	opts := fastOpts()
	opts.CommandTimeout = 20 * time.Millisecond
	link := newFakeLink()
	s := newTestSession(t, link, "1234", opts)

	err := s.Send(context.Background(), protocol.StopAll())
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Send() error = %v, want ErrNotAuthorized", err)
	}
	if len(link.Writes()) != 0 {
		t.Error("frame written before authorization")
	}
}

func TestSendAfterHandshake(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := s.Send(context.Background(), protocol.Move(protocol.Up, protocol.Head)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	writes := link.Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if !bytes.Equal(writes[0], protocol.Auth("1234")) {
		t.Errorf("first write = % x, want auth", writes[0])
	}
	if !bytes.Equal(writes[1], protocol.Move(protocol.Up, protocol.Head)) {
		t.Errorf("second write = % x, want move", writes[1])
	}
}

func TestSessionIDChangesPerLink(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())
	if s.SessionID() != "" {
		t.Error("session id set before connect")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	first := s.SessionID()

	link.SimulateDisconnect()
	waitFor(t, "reauthorized", func() bool { return s.Authorized() && s.SessionID() != first })
	if first == "" {
		t.Error("empty session id")
	}
}

func TestKeepAliveOnlyWhileAuthorized(t *testing.T) {
	opts := fastOpts()
	opts.KeepAliveInterval = 10 * time.Millisecond
	link := newFakeLink()
	s := newTestSession(t, link, "4321", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	auth := protocol.Auth("4321")
	waitFor(t, "keep-alives", func() bool { return link.countWrites(auth) >= 3 })

	link.setConnectErr(errRadio)
	link.SimulateDisconnect()
	waitFor(t, "failed", func() bool { return s.State() == Failed })

	n := link.countWrites(auth)
	time.Sleep(50 * time.Millisecond)
	if got := link.countWrites(auth); got != n {
		t.Errorf("keep-alive writes grew from %d to %d after leaving authorized", n, got)
	}
}

func TestReconnectReauthenticatesBeforeQueuedCommand(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	gate := make(chan struct{})
	link.setGate(gate)
	before := len(link.Writes())
	link.SimulateDisconnect()
	waitFor(t, "reconnecting", func() bool { return s.State() != Authorized })

	stop := protocol.StopAll()
	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), stop) }()

	time.Sleep(20 * time.Millisecond)
	if got := len(link.Writes()); got != before {
		t.Fatalf("command written while reconnecting")
	}
	close(gate)

	if err := <-errc; err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	after := link.Writes()[before:]
	if len(after) != 2 {
		t.Fatalf("writes after reconnect = %d, want 2", len(after))
	}
	if !bytes.Equal(after[0], protocol.Auth("1234")) || !bytes.Equal(after[1], stop) {
		t.Errorf("order after reconnect = % x, want auth then stop", after)
	}
}

func TestDisconnectInsideRejectWindowFails(t *testing.T) {
	opts := fastOpts()
	opts.RejectWindow = time.Minute
	link := newFakeLink()
	s := newTestSession(t, link, "9999", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.SimulateDisconnect()
	waitFor(t, "failed", func() bool { return s.State() == Failed })

	if err := s.Status().Err; !errors.Is(err, ErrPINRejected) {
		t.Errorf("Status().Err = %v, want ErrPINRejected", err)
	}
	start := time.Now()
	err := s.Send(context.Background(), protocol.StopAll())
	if !errors.Is(err, ErrNotAuthorized) || !errors.Is(err, ErrPINRejected) {
		t.Errorf("Send() error = %v, want ErrNotAuthorized wrapping ErrPINRejected", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Send() waited in Failed state")
	}
	if calls := link.connectCalls; calls != 1 {
		t.Errorf("connect calls = %d, want no reconnect after rejection", calls)
	}
}

func TestConfirmedPINSurvivesEarlyDisconnect(t *testing.T) {
	opts := fastOpts()
	opts.RejectWindow = time.Minute
	link := newFakeLink()
	s := newTestSession(t, link, "1234", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.SimulateNotification([]byte{0x40, 0x21, 0x43, 0x00, 0x01, 0x1a, 0x01, 0x40})
	if !s.Status().Confirmed {
		t.Fatal("acceptance reply not recorded")
	}

	link.SimulateDisconnect()
	waitFor(t, "reauthorized", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.connectCalls >= 2
	})
	waitFor(t, "authorized", s.Authorized)
}

func connectCalls(link *fakeLink) int {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.connectCalls
}

func TestProvenPINSurvivesEarlyDropAfterReconnect(t *testing.T) {
	opts := fastOpts()
	opts.RejectWindow = 50 * time.Millisecond
	link := newFakeLink()
	s := newTestSession(t, link, "1234", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	time.Sleep(2 * opts.RejectWindow)
	link.SimulateDisconnect()
	waitFor(t, "reconnect", func() bool { return connectCalls(link) >= 2 && s.Authorized() })
	if !s.Status().PINProven {
		t.Fatal("PINProven = false after outliving the reject window")
	}

	// dropped well inside the window of the new handshake
	link.SimulateDisconnect()
	waitFor(t, "second reconnect", func() bool { return connectCalls(link) >= 3 && s.Authorized() })
	if err := s.Status().Err; errors.Is(err, ErrPINRejected) {
		t.Errorf("Status().Err = %v, proven pin treated as rejected", err)
	}
}

func TestChangedPINMustProveItself(t *testing.T) {
	opts := fastOpts()
	opts.RejectWindow = 50 * time.Millisecond
	link := newFakeLink()
	s := newTestSession(t, link, "1234", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	time.Sleep(2 * opts.RejectWindow)

	if err := s.ChangePIN("5678"); err != nil {
		t.Fatalf("ChangePIN() error: %v", err)
	}
	if s.Status().PINProven {
		t.Error("PINProven = true for a pin that never held a link")
	}

	link.SimulateDisconnect()
	waitFor(t, "reconnect with new pin", func() bool { return link.countWrites(protocol.Auth("5678")) > 0 })
	waitFor(t, "authorized", s.Authorized)
	link.SimulateDisconnect()
	waitFor(t, "failed", func() bool { return s.State() == Failed })
	if err := s.Status().Err; !errors.Is(err, ErrPINRejected) {
		t.Errorf("Status().Err = %v, want ErrPINRejected", err)
	}
}

func TestNoKeepAliveWhileReconnecting(t *testing.T) {
	opts := fastOpts()
	opts.KeepAliveInterval = 10 * time.Millisecond
	link := newFakeLink()
	s := newTestSession(t, link, "4321", opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	auth := protocol.Auth("4321")
	waitFor(t, "keep-alive", func() bool { return link.countWrites(auth) >= 2 })

	gate := make(chan struct{})
	link.setGate(gate)
	link.SimulateDisconnect()
	waitFor(t, "reconnecting", func() bool { return s.State() == Connecting || s.State() == Reconnecting })

	n := link.countWrites(auth)
	time.Sleep(5 * opts.KeepAliveInterval)
	if s.Authorized() {
		t.Fatal("authorized while the connect gate is closed")
	}
	if got := link.countWrites(auth); got != n {
		t.Errorf("keep-alive writes grew from %d to %d while reconnecting", n, got)
	}

	close(gate)
	waitFor(t, "reauthorized", s.Authorized)
}

func TestRejectReplyFails(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1111", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.SimulateNotification([]byte{0x46, 0x21, 0x43, 0x00, 0x01, 0x1b, 0x00, 0x40})

	if got := s.State(); got != Failed {
		t.Fatalf("State() = %v, want failed", got)
	}
	if link.Disconnects() == 0 {
		t.Error("link not torn down after rejection")
	}
}

func TestReconnectExhaustedBecomesUnavailable(t *testing.T) {
	link := newFakeLink()
	link.setConnectErr(errRadio)
	s := newTestSession(t, link, "1234", fastOpts())

	err := s.Connect(context.Background())
	if !errors.Is(err, errRadio) {
		t.Fatalf("Connect() error = %v, want radio error", err)
	}
	waitFor(t, "failed", func() bool { return s.State() == Failed })

	if err := s.Status().Err; !errors.Is(err, ErrUnavailable) || !errors.Is(err, errRadio) {
		t.Errorf("Status().Err = %v, want ErrUnavailable wrapping the last error", err)
	}
	link.mu.Lock()
	calls := link.connectCalls
	link.mu.Unlock()
	if calls != 1+fastOpts().ReconnectAttempts {
		t.Errorf("connect calls = %d, want %d", calls, 1+fastOpts().ReconnectAttempts)
	}
}

func TestWriteFailureReconnects(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.setWriteErr(ble.ErrWriteRejected)
	err := s.Send(context.Background(), protocol.StopAll())
	if !errors.Is(err, ble.ErrWriteRejected) {
		t.Fatalf("Send() error = %v, want ErrWriteRejected", err)
	}

	waitFor(t, "reconnect", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.connectCalls >= 2
	})
	waitFor(t, "authorized", s.Authorized)
	if err := s.Send(context.Background(), protocol.StopAll()); err != nil {
		t.Errorf("Send() after reconnect error: %v", err)
	}
}

func TestChangePIN(t *testing.T) {
	opts := fastOpts()
	opts.KeepAliveInterval = 10 * time.Millisecond
	link := newFakeLink()
	store := &memStore{pin: "1234"}
	s, err := New(link, ble.Identity{Address: "AA"}, store, opts, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := s.ChangePIN("42"); err != nil {
		t.Fatalf("ChangePIN() error: %v", err)
	}
	if s.PIN() != "0042" {
		t.Errorf("PIN() = %q, want 0042", s.PIN())
	}
	if len(store.saves) != 1 || store.saves[0] != "0042" {
		t.Errorf("saves = %v, want [0042]", store.saves)
	}
	waitFor(t, "keep-alive with new pin", func() bool { return link.countWrites(protocol.Auth("0042")) > 0 })
}

func TestProgramPINWritesSetFrame(t *testing.T) {
	link := newFakeLink()
	store := &memStore{pin: "1234"}
	s, err := New(link, ble.Identity{Address: "AA"}, store, fastOpts(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := s.ProgramPIN(context.Background(), "987"); err != nil {
		t.Fatalf("ProgramPIN() error: %v", err)
	}
	if link.countWrites(protocol.SetPIN("0987")) != 1 {
		t.Errorf("writes = % x, want one set-pin frame", link.Writes())
	}
	if s.PIN() != "0987" || store.pin != "0987" {
		t.Errorf("PIN() = %q, stored %q, want 0987", s.PIN(), store.pin)
	}
}

func TestProgramPINNotAuthorizedKeepsOld(t *testing.T) {
	opts := fastOpts()
	opts.CommandTimeout = 20 * time.Millisecond
	store := &memStore{pin: "1234"}
	s, err := New(newFakeLink(), ble.Identity{Address: "AA"}, store, opts, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()

	if err := s.ProgramPIN(context.Background(), "5555"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("ProgramPIN() error = %v, want ErrNotAuthorized", err)
	}
	if s.PIN() != "1234" || len(store.saves) != 0 {
		t.Errorf("PIN() = %q, saves %v, want unchanged", s.PIN(), store.saves)
	}
}

func TestChangePINStoreFailureKeepsOld(t *testing.T) {
	store := &memStore{pin: "1234"}
	s, err := New(newFakeLink(), ble.Identity{Address: "AA"}, store, fastOpts(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()

	store.saveErr = errors.New("read-only")
	if err := s.ChangePIN("5678"); err == nil {
		t.Fatal("expected error")
	}
	if s.PIN() != "1234" {
		t.Errorf("PIN() = %q, want 1234", s.PIN())
	}
}

func TestResetLeavesFailed(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1111", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	link.SimulateNotification([]byte{0x40, 0x21, 0x43, 0x00, 0x01, 0x1b, 0x00, 0x40})
	if s.State() != Failed {
		t.Fatal("expected failed")
	}

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if !s.Authorized() {
		t.Errorf("State() = %v, want authorized", s.State())
	}
}

func TestTransitionsDeliveredInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []Transition
	link := newFakeLink()
	s, err := New(link, ble.Identity{Address: "AA"}, &memStore{pin: "1234"}, fastOpts(), func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	s.Close()

	want := []State{Connecting, HandshakePending, Authorized, Disconnected}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %d", got, len(want))
	}
	for i, st := range want {
		if got[i].To != st {
			t.Errorf("transition %d to %v, want %v", i, got[i].To, st)
		}
	}
	if got[2].SessionID == "" {
		t.Error("authorized transition without session id")
	}
}

func TestCloseStopsSend(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, "1234", fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Send(context.Background(), protocol.StopAll()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}
