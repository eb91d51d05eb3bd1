package p20hd

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

const (
	defaultReconnectInterval    = 5 * time.Second
	defaultMaxReconnectInterval = 2 * time.Minute
)

// connector is the part of the session the supervisor drives.
type connector interface {
	Connect(ctx context.Context) error
	Status() replay.Status
}

// supervisor owns the reconnect policy for one session.
//
// The first Connect happens immediately. After that a failed status kicks
// a reconnect after the current backoff, which doubles per attempt up to
// max and returns to initial once the session is ready. A watchdog at max
// covers failures whose status event was dropped. With retry off only the
// first Connect is made.
type supervisor struct {
	session   connector
	max       time.Duration
	retry     bool
	onAttempt func()
	logger    Logger
	backoff   *backoff.ExponentialBackOff

	kick  chan struct{}
	ready chan struct{}
}

func newSupervisor(session connector, initial, maxDelay time.Duration, retry bool, onAttempt func(), logger Logger) *supervisor {
	if initial <= 0 {
		initial = defaultReconnectInterval
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxReconnectInterval
	}
	maxDelay = max(maxDelay, initial)
	if onAttempt == nil {
		onAttempt = func() {}
	}
	return &supervisor{
		session:   session,
		max:       maxDelay,
		retry:     retry,
		onAttempt: onAttempt,
		logger:    orNop(logger),
		backoff:   newBackoff(initial, maxDelay),
		kick:      make(chan struct{}, 1),
		ready:     make(chan struct{}, 1),
	}
}

// newBackoff doubles from initial to maxDelay with no jitter and never
// gives up.
func newBackoff(initial, maxDelay time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// failed schedules a reconnect. Never blocks.
func (s *supervisor) failed() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// recovered resets the backoff. Never blocks.
func (s *supervisor) recovered() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *supervisor) run(ctx context.Context) {
	s.backoff.Reset()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.ready:
			s.backoff.Reset()

		case <-s.kick:
			if !s.retry {
				s.logger.Warn("device session failed, reconnection disabled")
				continue
			}
			delay := s.backoff.NextBackOff()
			s.logger.Info("device session failed, scheduling reconnect", "backoff", delay.String())
			timer.Reset(delay)

		case <-timer.C:
			if st := s.session.Status(); st == replay.StatusReady || st == replay.StatusConnecting {
				if s.retry {
					timer.Reset(s.max)
				}
				continue
			}

			s.onAttempt()
			err := s.session.Connect(ctx)
			switch {
			case errors.Is(err, replay.ErrSessionClosed):
				return
			case err != nil && !errors.Is(err, replay.ErrAlreadyConnected):
				s.logger.Warn("device connect failed", "error", err)
			}
			if s.retry {
				timer.Reset(s.max)
			}
		}
	}
}
