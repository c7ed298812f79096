package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chaz8081/octobed/internal/ble"
)

// scheduleKeepAliveLocked arms the next keep-alive for the current
// Authorized period (caller must hold mu).
func (s *Session) scheduleKeepAliveLocked() {
	gen := s.kaGen
	s.keepAlive = time.AfterFunc(s.opts.KeepAliveInterval, func() { s.keepAliveTick(gen) })
}

// cancelKeepAliveLocked stops the timer and invalidates any tick already
// in flight (caller must hold mu).
func (s *Session) cancelKeepAliveLocked() {
	s.kaGen++
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
}

// keepAliveTick resends the authenticate frame with the current PIN.
func (s *Session) keepAliveTick(gen uint64) {
	s.mu.Lock()
	if gen != s.kaGen || s.state != Authorized || s.closed {
		s.mu.Unlock()
		return
	}
	frame := s.creds.authFrame()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CommandTimeout)
	err := s.submit(ctx, &request{frame: frame, auth: true, done: make(chan error, 1)})
	cancel()

	switch {
	case err == nil:
		slog.Debug("[SESSION] keep-alive sent")
	case errors.Is(err, errStale), errors.Is(err, ErrClosed):
		return
	case errors.Is(err, ble.ErrWriteRejected), errors.Is(err, ble.ErrNotConnected):
		s.linkFailed(err)
		return
	default:
		slog.Warn("[SESSION] keep-alive failed", "error", err)
	}

	s.mu.Lock()
	if gen == s.kaGen && s.state == Authorized && !s.closed {
		s.scheduleKeepAliveLocked()
	}
	s.mu.Unlock()
}
