package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// jitter spreads d by up to 20% either way.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}

// startReconnect launches the reconnect loop unless one is already running.
func (s *Session) startReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries establish with jittered exponential backoff until
// the session is Authorized again, fails, or is closed.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	var lastErr error
	for attempt := 0; attempt < s.opts.ReconnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := jitter(backoffDelay(attempt-1, s.opts.ReconnectBase, s.opts.ReconnectMax))
			slog.Info("[SESSION] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.done:
				s.reconnecting.Store(false)
				return
			}
		}

		if st := s.State(); st == Failed || st == Disconnected {
			s.reconnecting.Store(false)
			return
		}

		err := s.establish(s.ctx)
		if err == nil {
			slog.Info("[SESSION] reconnected", "device", s.id, "attempt", attempt+1)
			s.finishReconnect()
			return
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			s.reconnecting.Store(false)
			return
		}
		lastErr = err
		slog.Warn("[SESSION] reconnect failed", "error", err, "attempt", attempt+1)

		s.mu.Lock()
		if s.state == Failed || s.closed {
			s.mu.Unlock()
			s.reconnecting.Store(false)
			return
		}
		s.setStateLocked(Reconnecting, err)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.state == Reconnecting && !s.closed {
		s.setStateLocked(Failed, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, s.opts.ReconnectAttempts, lastErr))
	}
	s.mu.Unlock()
	s.reconnecting.Store(false)
}

// finishReconnect releases the loop guard, restarting the loop when the
// link dropped again before the guard was released.
func (s *Session) finishReconnect() {
	s.reconnecting.Store(false)
	if s.State() == Reconnecting {
		s.startReconnect()
	}
}
