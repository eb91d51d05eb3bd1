package p20hd

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// scriptedConnector returns errs in order, then nil.
type scriptedConnector struct {
	mu     sync.Mutex
	status replay.Status
	errs   []error
	calls  []time.Time
}

func (c *scriptedConnector) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, time.Now())
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			c.status = replay.StatusFailed
		}
		return err
	}
	c.status = replay.StatusReady
	return nil
}

func (c *scriptedConnector) Status() replay.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *scriptedConnector) setStatus(s replay.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *scriptedConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestSupervisorConnectsImmediately(t *testing.T) {
	conn := &scriptedConnector{status: replay.StatusDisconnected}
	var attempts atomic.Int32
	s := newSupervisor(conn, time.Hour, time.Hour, true, func() { attempts.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	waitUntil(t, "first connect", func() bool { return conn.callCount() == 1 })
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestSupervisorBacksOffAfterFailures(t *testing.T) {
	errDial := errors.New("dial refused")
	conn := &scriptedConnector{
		status: replay.StatusDisconnected,
		errs:   []error{errDial, errDial, errDial},
	}
	s := newSupervisor(conn, 20*time.Millisecond, time.Second, true, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	for want := 1; want <= 4; want++ {
		waitUntil(t, "connect attempt", func() bool { return conn.callCount() >= want })
		if want < 4 {
			s.failed()
		}
	}

	conn.mu.Lock()
	calls := append([]time.Time(nil), conn.calls...)
	conn.mu.Unlock()

	// Delays were 20ms, 40ms, 80ms.
	gap1 := calls[2].Sub(calls[1])
	gap2 := calls[3].Sub(calls[2])
	if gap1 < 35*time.Millisecond || gap2 < 75*time.Millisecond {
		t.Errorf("gaps = %v, %v; want doubling from 20ms", gap1, gap2)
	}
}

func TestSupervisorResetsBackoffWhenReady(t *testing.T) {
	conn := &scriptedConnector{status: replay.StatusDisconnected}
	s := newSupervisor(conn, 10*time.Millisecond, time.Second, true, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)
	waitUntil(t, "first connect", func() bool { return conn.callCount() == 1 })

	for range 3 {
		conn.setStatus(replay.StatusFailed)
		n := conn.callCount()
		s.failed()
		waitUntil(t, "reconnect", func() bool { return conn.callCount() > n })
		s.recovered()
	}

	start := time.Now()
	conn.setStatus(replay.StatusFailed)
	s.failed()
	waitUntil(t, "reconnect after reset", func() bool { return conn.callCount() == 5 })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("reconnect took %v after reset, want near 10ms", elapsed)
	}
}

func TestSupervisorSkipsHealthySession(t *testing.T) {
	conn := &scriptedConnector{status: replay.StatusReady}
	s := newSupervisor(conn, 10*time.Millisecond, 10*time.Millisecond, true, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	time.Sleep(50 * time.Millisecond)
	if n := conn.callCount(); n != 0 {
		t.Errorf("Connect called %d times on a ready session", n)
	}
}

func TestSupervisorStopsWhenSessionClosed(t *testing.T) {
	conn := &scriptedConnector{
		status: replay.StatusDisconnected,
		errs:   []error{replay.ErrSessionClosed},
	}
	s := newSupervisor(conn, time.Millisecond, time.Millisecond, true, nil, nil)

	done := make(chan struct{})
	go func() {
		s.run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running after ErrSessionClosed")
	}
}

func TestSupervisorWithoutRetry(t *testing.T) {
	conn := &scriptedConnector{
		status: replay.StatusDisconnected,
		errs:   []error{errors.New("dial refused")},
	}
	s := newSupervisor(conn, time.Millisecond, time.Millisecond, false, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	waitUntil(t, "first connect", func() bool { return conn.callCount() == 1 })
	s.failed()
	time.Sleep(30 * time.Millisecond)
	if n := conn.callCount(); n != 1 {
		t.Errorf("Connect called %d times with retry off, want 1", n)
	}
}

func TestSupervisorBackoffSequence(t *testing.T) {
	tests := []struct {
		name    string
		initial time.Duration
		max     time.Duration
		want    []time.Duration
	}{
		{
			name:    "doubles to the cap",
			initial: 5 * time.Second,
			max:     30 * time.Second,
			want:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		{
			name:    "cap below initial",
			initial: time.Minute,
			max:     time.Second,
			want:    []time.Duration{time.Minute, time.Minute},
		},
		{
			name: "defaults",
			want: []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 2 * time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSupervisor(&scriptedConnector{}, tt.initial, tt.max, true, nil, nil)
			for round := range 2 {
				for i, want := range tt.want {
					if got := s.backoff.NextBackOff(); got != want {
						t.Fatalf("round %d delay %d = %v, want %v", round, i, got, want)
					}
				}
				s.backoff.Reset()
			}
		})
	}
}
