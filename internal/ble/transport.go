package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrDeviceNotFound  = errors.New("ble: device not found")
	ErrServiceNotFound = errors.New("ble: service or characteristic not found")
	ErrWriteRejected   = errors.New("ble: write rejected")
	ErrNotConnected    = errors.New("ble: not connected")
	ErrLinkLost        = errors.New("ble: link lost")
)

// Identity names the bed a transport talks to. Address is preferred; Name
// is matched against advertisements when no address is known.
type Identity struct {
	Address string
	Name    string
}

func (id Identity) String() string {
	if id.Address != "" {
		return id.Address
	}
	return "name:" + id.Name
}

// LinkEventType distinguishes link events.
type LinkEventType int

const (
	LinkConnected LinkEventType = iota
	LinkDisconnected
)

func (t LinkEventType) String() string {
	if t == LinkConnected {
		return "connected"
	}
	return "disconnected"
}

// LinkEvent reports a change of the physical link.
type LinkEvent struct {
	Type    LinkEventType
	Address string
	Reason  error // set for LinkDisconnected, wraps ErrLinkLost
}

// TransportOptions configures the transport.
type TransportOptions struct {
	ScanTimeout  time.Duration // name lookup when Identity has no address
	WriteTimeout time.Duration
	EventBuffer  int
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ScanTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		EventBuffer:  16,
	}
}

// Transport owns the single BLE link to one bed.
type Transport struct {
	adapter Adapter
	opts    TransportOptions

	mu       sync.Mutex
	enabled  bool
	conn     Connection
	char     Characteristic
	resolved string
	notify   func([]byte)

	events chan LinkEvent
}

// NewTransport creates a transport on the given adapter.
func NewTransport(adapter Adapter, opts TransportOptions) *Transport {
	def := DefaultTransportOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Transport{
		adapter: adapter,
		opts:    opts,
		events:  make(chan LinkEvent, opts.EventBuffer),
	}
}

// Events returns the link event stream.
func (t *Transport) Events() <-chan LinkEvent {
	return t.events
}

// OnNotify registers a callback for notification bytes from the bed.
func (t *Transport) OnNotify(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = fn
}

// Connected reports whether a link is up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Resolved returns the address of the last successful connection, which
// differs from the Identity when the device was found by name.
func (t *Transport) Resolved() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Connect establishes the link and discovers the write characteristic.
// ctx bounds the whole operation. Failures are reported, never retried.
func (t *Transport) Connect(ctx context.Context, id Identity) error {
	if t.Connected() {
		return nil
	}
	if err := t.enable(); err != nil {
		return err
	}

	addr, err := t.resolve(ctx, id)
	if err != nil {
		return err
	}

	conn, err := t.adapter.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w: %w", addr, ErrDeviceNotFound, err)
	}

	char, err := conn.DiscoverCharacteristic(ServiceUUID, CharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("%w: %w", ErrServiceNotFound, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.char = char
	t.resolved = addr
	t.mu.Unlock()

	conn.OnDisconnect(func() { t.handleDisconnect(conn) })

	if err := char.Subscribe(t.dispatchNotify); err != nil {
		slog.Debug("[BLE] notifications unavailable", "error", err)
	}

	slog.Info("[BLE] connected", "addr", addr)
	t.emit(LinkEvent{Type: LinkConnected, Address: addr})
	return nil
}

// Write sends one frame, bounded by the write timeout.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	char := t.char
	t.mu.Unlock()
	if char == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- char.Write(data)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteRejected, ctx.Err())
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWriteRejected, err)
		}
		return nil
	}
}

// Disconnect tears the link down. No LinkDisconnected event is emitted for
// a teardown the caller asked for.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.char = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (t *Transport) enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.enabled = true
	return nil
}

// resolve returns the address to connect to, scanning by name if needed.
func (t *Transport) resolve(ctx context.Context, id Identity) (string, error) {
	if addr := strings.TrimSpace(id.Address); addr != "" {
		return addr, nil
	}
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return "", fmt.Errorf("%w: no address or name configured", ErrDeviceNotFound)
	}

	scanCtx, cancel := context.WithTimeout(ctx, t.opts.ScanTimeout)
	defer cancel()

	devices, err := t.adapter.Scan(scanCtx, "")
	if err != nil {
		return "", fmt.Errorf("%w: scan: %w", ErrDeviceNotFound, err)
	}
	for _, d := range devices {
		if strings.EqualFold(strings.TrimSpace(d.Name), name) {
			slog.Info("[BLE] discovered bed", "name", d.Name, "addr", d.MAC, "rssi", d.RSSI)
			return d.MAC, nil
		}
	}
	return "", fmt.Errorf("%w: no device named %q", ErrDeviceNotFound, name)
}

func (t *Transport) handleDisconnect(conn Connection) {
	t.mu.Lock()
	if t.conn != conn {
		// stale connection or requested teardown
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.char = nil
	addr := t.resolved
	t.mu.Unlock()

	slog.Warn("[BLE] link lost", "addr", addr)
	t.emit(LinkEvent{Type: LinkDisconnected, Address: addr, Reason: ErrLinkLost})
}

func (t *Transport) dispatchNotify(data []byte) {
	t.mu.Lock()
	fn := t.notify
	t.mu.Unlock()
	if fn == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	fn(cp)
}

// emit delivers ev, dropping the oldest pending event when the buffer is full.
func (t *Transport) emit(ev LinkEvent) {
	for {
		select {
		case t.events <- ev:
			return
		default:
		}
		select {
		case old := <-t.events:
			slog.Warn("[BLE] event buffer full, dropping oldest", "type", old.Type)
		default:
		}
	}
}

// ScanForDevices lists nearby advertisers for the given duration.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
