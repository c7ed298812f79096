// Package session keeps an authenticated link to one bed alive. It owns the
// PIN, the connection state machine, the keep-alive timer, and the single
// serialized send path, and it drives reconnection after link loss.
//
// The bed never acknowledges a correct PIN reliably. A session is deemed
// Authorized as soon as the authenticate frame is accepted by the transport,
// and demoted to Failed when the link drops within RejectWindow of that
// handshake, which is how the bed signals a wrong PIN. Once the PIN has
// proven itself, either confirmed by the bed or by outliving RejectWindow,
// early drops are ordinary link loss until the PIN changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// Link is the transport the session drives. *ble.Transport implements it.
type Link interface {
	Connect(ctx context.Context, id ble.Identity) error
	Write(ctx context.Context, data []byte) error
	Disconnect() error
	Events() <-chan ble.LinkEvent
	OnNotify(fn func([]byte))
}

var _ Link = (*ble.Transport)(nil)

// Options configures session timing.
type Options struct {
	KeepAliveInterval time.Duration
	ConnectTimeout    time.Duration // per connect attempt, handshake included
	CommandTimeout    time.Duration // how long a command waits for Authorized
	RejectWindow      time.Duration // link loss within this window after handshake means a wrong PIN
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	QueueSize         int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		KeepAliveInterval: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		CommandTimeout:    10 * time.Second,
		RejectWindow:      5 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 8,
		QueueSize:         64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = def.KeepAliveInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = def.CommandTimeout
	}
	if o.RejectWindow <= 0 {
		o.RejectWindow = def.RejectWindow
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = def.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = def.ReconnectMax
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = def.ReconnectAttempts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	return o
}

// request is one frame on the serialized send path.
type request struct {
	frame []byte
	auth  bool // authenticate / keep-alive, allowed during the handshake
	done  chan error
}

// Session manages the authenticated link to one bed.
type Session struct {
	link   Link
	id     ble.Identity
	store  CredentialStore
	opts   Options
	notify func(Transition)

	mu           sync.Mutex
	state        State
	creds        Credentials
	sessionID    string
	authorizedAt time.Time
	confirmed    bool
	handshakePIN string // PIN sent by the current link's handshake
	provenPIN    string
	lastErr      error
	changed      chan struct{} // closed and replaced on every transition
	keepAlive    *time.Timer
	kaGen        uint64
	closed       bool
	pending      []Transition

	connMu       sync.Mutex // one establish attempt at a time
	sendq        chan *request
	wake         chan struct{}
	reconnecting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a session for the bed at id. The PIN is read from store
// before anything else happens; a store error aborts construction, so no
// placeholder PIN ever reaches the keep-alive path. notify may be nil.
func New(link Link, id ble.Identity, store CredentialStore, opts Options, notify func(Transition)) (*Session, error) {
	pin, err := store.LoadPIN()
	if err != nil {
		return nil, fmt.Errorf("session: load pin: %w", err)
	}
	if strings.TrimSpace(pin) == "" {
		return nil, errors.New("session: no pin persisted")
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		link:    link,
		id:      id,
		store:   store,
		opts:    opts,
		notify:  notify,
		state:   Disconnected,
		creds:   NewCredentials(pin),
		changed: make(chan struct{}),
		sendq:   make(chan *request, opts.QueueSize),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	link.OnNotify(s.handleNotify)

	s.wg.Add(3)
	go s.writeLoop()
	go s.watch()
	go s.dispatch()
	return s, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authorized reports whether commands may be written right now.
func (s *Session) Authorized() bool {
	return s.State() == Authorized
}

// SessionID identifies the current link; it changes on every reconnect.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		SessionID:    s.sessionID,
		AuthorizedAt: s.authorizedAt,
		Confirmed:    s.confirmed,
		PINProven:    s.pinProvenLocked(),
		Err:          s.lastErr,
	}
}

// PIN returns the PIN the keep-alive currently carries.
func (s *Session) PIN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.PIN()
}

// Connect starts the session: connect, handshake, keep-alive. When the
// first attempt fails the reconnector takes over and the error is returned.
// Connecting an already running session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Disconnected && s.state != Failed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.establish(ctx)
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}

	s.mu.Lock()
	retry := s.state != Failed && !s.closed
	if retry {
		s.setStateLocked(Reconnecting, err)
	}
	s.mu.Unlock()
	if retry {
		s.startReconnect()
	}
	return err
}

// Reset leaves Failed and starts over. It is the manual exit from the
// terminal state.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Failed {
		s.setStateLocked(Disconnected, nil)
	}
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Send writes one command frame. It waits up to CommandTimeout for the
// session to be Authorized and fails with ErrNotAuthorized otherwise.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	for {
		if err := s.waitAuthorized(ctx); err != nil {
			return err
		}
		err := s.submit(ctx, &request{frame: frame, done: make(chan error, 1)})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errStale):
			continue
		case errors.Is(err, ble.ErrWriteRejected), errors.Is(err, ble.ErrNotConnected):
			s.linkFailed(err)
		}
		return err
	}
}

// ChangePIN persists a new PIN and then uses it for every later
// handshake and keep-alive.
func (s *Session) ChangePIN(pin string) error {
	creds := NewCredentials(pin)
	if err := s.store.SavePIN(creds.PIN()); err != nil {
		return fmt.Errorf("session: persist pin: %w", err)
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	slog.Info("[SESSION] pin changed")
	return nil
}

// ProgramPIN writes pin to the bed with the first-time set-PIN frame and
// then adopts it like ChangePIN. The bed must accept the current session.
func (s *Session) ProgramPIN(ctx context.Context, pin string) error {
	pin = NewCredentials(pin).PIN()
	if err := s.Send(ctx, protocol.SetPIN(pin)); err != nil {
		return fmt.Errorf("session: program pin: %w", err)
	}
	slog.Info("[SESSION] pin programmed on bed")
	return s.ChangePIN(pin)
}

// Close tears the session down and waits for its goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setStateLocked(Disconnected, nil)
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	err := s.link.Disconnect()
	s.wg.Wait()
	return err
}

// establish runs one connect + handshake attempt.
func (s *Session) establish(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setStateLocked(Connecting, nil)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.link.Connect(ctx, s.id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.link.Disconnect()
		return ErrClosed
	}
	s.sessionID = uuid.NewString()
	s.setStateLocked(HandshakePending, nil)
	frame := s.creds.authFrame()
	s.handshakePIN = s.creds.PIN()
	s.mu.Unlock()

	if err := s.submit(ctx, &request{frame: frame, auth: true, done: make(chan error, 1)}); err != nil {
		_ = s.link.Disconnect()
		return fmt.Errorf("session: handshake: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != HandshakePending {
		// the link dropped between the write and here
		return fmt.Errorf("session: handshake: %w", ble.ErrLinkLost)
	}
	s.setStateLocked(Authorized, nil)
	return nil
}

// waitAuthorized blocks until the state is Authorized, the session fails,
// or ctx ends.
func (s *Session) waitAuthorized(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		st, changed, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()

		switch st {
		case Authorized:
			return nil
		case Failed:
			return fmt.Errorf("%w: %w", ErrNotAuthorized, lastErr)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: still %s: %w", ErrNotAuthorized, st, ctx.Err())
		case <-s.done:
			return ErrClosed
		}
	}
}

// submit places req on the send path and waits for its result.
func (s *Session) submit(ctx context.Context, req *request) error {
	select {
	case s.sendq <- req:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotAuthorized, ctx.Err())
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// writeLoop is the only caller of Link.Write, so frames never overlap.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-s.sendq:
			req.done <- s.write(req)
		}
	}
}

func (s *Session) write(req *request) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	allowed := st == Authorized || (req.auth && st == HandshakePending)
	if !allowed {
		return errStale
	}
	return s.link.Write(s.ctx, req.frame)
}

// watch turns link events into state transitions.
func (s *Session) watch() {
	defer s.wg.Done()
	events := s.link.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == ble.LinkDisconnected {
				s.handleLinkLost(ev.Reason, true)
			}
		}
	}
}

// handleLinkLost moves the session to Reconnecting, or to Failed when the
// drop looks like the bed rejecting the PIN. fromLink is false for write
// failures, which say nothing about the PIN.
func (s *Session) handleLinkLost(reason error, fromLink bool) {
	if reason == nil {
		reason = ble.ErrLinkLost
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case Disconnected, Failed:
		s.mu.Unlock()
		return
	case Authorized:
		if since := time.Since(s.authorizedAt); fromLink && !s.pinProvenLocked() && !s.confirmed && since < s.opts.RejectWindow {
			s.setStateLocked(Failed, fmt.Errorf("%w: link dropped %s after handshake", ErrPINRejected, since.Round(time.Millisecond)))
			s.mu.Unlock()
			return
		}
	}
	s.setStateLocked(Reconnecting, reason)
	s.mu.Unlock()

	s.startReconnect()
}

// pinProvenLocked reports whether the current PIN has already held a link
// (caller must hold mu).
func (s *Session) pinProvenLocked() bool {
	return s.provenPIN != "" && s.provenPIN == s.creds.PIN()
}

// linkFailed treats a failed write as a lost link.
func (s *Session) linkFailed(err error) {
	slog.Warn("[SESSION] write failed, treating link as lost", "error", err)
	_ = s.link.Disconnect()
	s.handleLinkLost(fmt.Errorf("%w: %w", ble.ErrLinkLost, err), false)
}

func (s *Session) handleNotify(data []byte) {
	reply, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("[SESSION] ignoring notification", "error", err)
		return
	}

	switch reply.Kind {
	case protocol.ReplyPINAccepted:
		s.mu.Lock()
		s.confirmed = true
		s.provenPIN = s.handshakePIN
		s.mu.Unlock()
		slog.Info("[SESSION] pin confirmed by bed")
	case protocol.ReplyPINRejected:
		s.mu.Lock()
		rejected := s.state == Authorized || s.state == HandshakePending
		if rejected {
			s.provenPIN = ""
			s.setStateLocked(Failed, ErrPINRejected)
		}
		s.mu.Unlock()
		if rejected {
			slog.Error("[SESSION] pin rejected by bed")
			_ = s.link.Disconnect()
		}
	default:
		slog.Debug("[SESSION] unrecognized notification", "data", fmt.Sprintf("% x", data))
	}
}

// setStateLocked records a transition (caller must hold mu).
func (s *Session) setStateLocked(to State, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.lastErr = err

	if from == Authorized {
		s.cancelKeepAliveLocked()
		if s.confirmed || time.Since(s.authorizedAt) >= s.opts.RejectWindow {
			s.provenPIN = s.handshakePIN
		}
	}
	if to == Authorized {
		s.authorizedAt = time.Now()
		s.confirmed = false
		s.scheduleKeepAliveLocked()
	}

	close(s.changed)
	s.changed = make(chan struct{})

	attrs := []any{"from", from, "to", to, "device", s.id}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.Info("[SESSION] state", attrs...)

	if s.notify != nil {
		s.pending = append(s.pending, Transition{From: from, To: to, Err: err, SessionID: s.sessionID, At: time.Now()})
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// dispatch delivers transitions to the host in order, outside mu.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.flushTransitions()
		case <-s.done:
			s.flushTransitions()
			return
		}
	}
}

func (s *Session) flushTransitions() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, tr := range batch {
		s.notify(tr)
	}
}
