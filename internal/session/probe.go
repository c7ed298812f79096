package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// ProbeResult is what one PIN attempt against a bed observed.
type ProbeResult struct {
	Connected       bool
	StayedConnected bool // the link survived the whole wait
	Reply           protocol.ReplyKind
}

// Accepted reports whether the PIN looks correct: an explicit acceptance,
// or no rejection and a link that stayed up.
func (r ProbeResult) Accepted() bool {
	switch r.Reply {
	case protocol.ReplyPINAccepted:
		return true
	case protocol.ReplyPINRejected:
		return false
	}
	return r.Connected && r.StayedConnected
}

// Probe connects, sends one authenticate frame with pin and watches the
// link for wait. It never retries and always disconnects before returning.
// Use it on a link no Session is driving.
func Probe(ctx context.Context, link Link, id ble.Identity, pin string, wait time.Duration) (ProbeResult, error) {
	var res ProbeResult

	replies := make(chan protocol.ReplyKind, 4)
	link.OnNotify(func(data []byte) {
		r, err := protocol.Decode(data)
		if err != nil || r.Kind == protocol.ReplyUnrecognized {
			return
		}
		select {
		case replies <- r.Kind:
		default:
		}
	})
	defer link.OnNotify(nil)

	if err := link.Connect(ctx, id); err != nil {
		return res, fmt.Errorf("session: probe connect: %w", err)
	}
	res.Connected = true
	defer func() { _ = link.Disconnect() }()

	if err := link.Write(ctx, protocol.Auth(pin)); err != nil {
		return res, fmt.Errorf("session: probe handshake: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	events := link.Events()
	for {
		select {
		case kind := <-replies:
			res.Reply = kind
			slog.Info("[SESSION] probe reply", "reply", kind)
			if kind == protocol.ReplyPINRejected {
				return res, nil
			}
		case ev := <-events:
			if ev.Type == ble.LinkDisconnected {
				slog.Info("[SESSION] probe link dropped", "pin_accepted", false)
				return res, nil
			}
		case <-timer.C:
			res.StayedConnected = true
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}
