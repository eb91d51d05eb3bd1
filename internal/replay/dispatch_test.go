package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type dispatchFixture struct {
	tx      *recordingTx
	queue   *CommandQueue
	auth    *AuthHandshake
	cache   *StateCache
	d       *Dispatcher
	mu      sync.Mutex
	events  []Event
	readies int
}

func newDispatchFixture(t *testing.T, creds Credentials) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{tx: &recordingTx{}, cache: NewStateCache()}
	f.queue = NewCommandQueue(f.tx)
	f.queue.Open()
	f.auth = NewAuthHandshake(creds, nil)
	f.d = NewDispatcher(DispatcherOptions{
		Queue: f.queue,
		Auth:  f.auth,
		Cache: f.cache,
		Emit: func(e Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		},
		OnAuthenticated: func(context.Context) error {
			f.readies++
			return nil
		},
	})
	if _, err := f.auth.Begin(context.Background(), f.queue); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *dispatchFixture) dispatch(t *testing.T, recs ...Record) error {
	t.Helper()
	for _, rec := range recs {
		if err := f.d.Dispatch(context.Background(), rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *dispatchFixture) eventsOf(kind EventKind) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestDispatchLoginThroughVersionRecord(t *testing.T) {
	f := newDispatchFixture(t, Credentials{Enabled: true, UserID: "1", Password: "pw"})

	if err := f.dispatch(t, Ack()); err != nil {
		t.Fatal(err)
	}
	if f.auth.State() != AuthPasswordSent {
		t.Fatalf("state = %s after USR ack, want %s", f.auth.State(), AuthPasswordSent)
	}

	// Records other than VER before login leave the cache alone.
	if err := f.dispatch(t, Text("QSP", "50")); err != nil {
		t.Fatal(err)
	}
	if f.cache.Snapshot().PlaybackSpeed != 0 {
		t.Error("state updated before login completed")
	}
	_ = f.queue.Submit(CmdVersion)

	if err := f.dispatch(t, Text("VER", "P-20HD", "1.0")); err != nil {
		t.Fatal(err)
	}
	if !f.auth.Authenticated() {
		t.Fatalf("state = %s after VER, want authenticated", f.auth.State())
	}
	if f.readies != 1 {
		t.Errorf("OnAuthenticated ran %d times, want 1", f.readies)
	}
	if s := f.cache.Snapshot(); s.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", s.Version)
	}

	// A later VER does not re-run readiness.
	_ = f.dispatch(t, Text("VER", "P-20HD", "1.0"))
	if f.readies != 1 {
		t.Errorf("OnAuthenticated ran %d times, want 1", f.readies)
	}
}

func TestDispatchRejectionAfterPasswordStopsTraffic(t *testing.T) {
	f := newDispatchFixture(t, Credentials{Enabled: true, UserID: "1", Password: "wrong"})
	_ = f.dispatch(t, Ack())
	_ = f.queue.Submit("QPJ")
	sent := len(f.tx.commands())

	err := f.dispatch(t, Rejection())
	if !errors.Is(err, ErrCredentialsRejected) {
		t.Fatalf("Dispatch(NAK) error = %v, want ErrCredentialsRejected", err)
	}
	if f.queue.IsOpen() {
		t.Error("queue still open after rejection")
	}
	if got := len(f.tx.commands()); got != sent {
		t.Errorf("%d commands sent after rejection", got-sent)
	}
	if rej := f.eventsOf(EventRejected); len(rej) != 1 {
		t.Errorf("got %d rejection events, want 1", len(rej))
	}
}

func TestDispatchDeviceError(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	_ = f.queue.Submit("CLS:999")

	if err := f.dispatch(t, Text("ERR", "5")); err != nil {
		t.Fatalf("ERR escalated: %v", err)
	}

	errs := f.eventsOf(EventDeviceError)
	if len(errs) != 1 {
		t.Fatalf("got %d device error events, want 1", len(errs))
	}
	if errs[0].Code != ErrorOutOfRange || errs[0].Command != "CLS:999" {
		t.Errorf("event = %+v, want code 5 for CLS:999", errs[0])
	}
	if f.queue.Len() != 0 {
		t.Errorf("ERR did not advance the queue, Len() = %d", f.queue.Len())
	}
}

func TestDispatchStateAndUnknown(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	_ = f.queue.Submit("QPL")
	_ = f.queue.Submit("QZZ")
	_ = f.queue.Submit("QCX:1")

	if err := f.dispatch(t, Text("QPL", "1"), Text("QZZ", "1"), Text("QCX", "1", "2")); err != nil {
		t.Fatal(err)
	}

	if !f.cache.Snapshot().Playing {
		t.Error("Playing not set")
	}
	states := f.eventsOf(EventState)
	if len(states) != 1 || states[0].Category != "QPL" {
		t.Errorf("state events = %+v, want one for QPL", states)
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue Len() = %d, want 0: every record advances once", f.queue.Len())
	}
	want := []string{"QPL", "QZZ", "QCX:1"}
	if got := f.tx.commands(); !equalStrings(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}
}

func TestDispatchAckAfterLoginOnlyAdvances(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	_ = f.queue.Submit("PLY")
	_ = f.queue.Submit("QPL")

	if err := f.dispatch(t, Ack()); err != nil {
		t.Fatal(err)
	}
	if cmd, _ := f.queue.InFlight(); cmd != "QPL" {
		t.Errorf("InFlight() = %q, want QPL", cmd)
	}
	if len(f.events) != 0 {
		t.Errorf("ack emitted events: %+v", f.events)
	}
}

func TestDispatchTransmitFailureSurfaces(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	_ = f.queue.Submit("PLY")
	_ = f.queue.Submit("QPL")
	f.tx.err = errWriteFailed

	err := f.dispatch(t, Ack())
	if !errors.Is(err, ErrTransmitFailed) {
		t.Errorf("Dispatch error = %v, want ErrTransmitFailed", err)
	}
}

func TestDispatchDeviceErrorReleasesSlotCursor(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	p := NewPollScheduler(f.queue, f.cache)

	audioQueries := 0
	for tick := range 4 {
		f.tx.reset()
		if ran, err := p.Tick(); err != nil || !ran {
			t.Fatalf("tick %d: Tick() = %v, %v", tick, ran, err)
		}
		// The device refuses every audio slot query.
		for f.queue.Len() > 0 {
			cmd, _ := f.queue.InFlight()
			reply := Text("QPJ", "0")
			if strings.HasPrefix(cmd, "QAX") {
				audioQueries++
				reply = Text("ERR", "5")
			} else if category, _, _ := strings.Cut(cmd, FieldSeparator); IsStateCategory(category) {
				reply = Text(category, "0")
			}
			if err := f.dispatch(t, reply); err != nil {
				t.Fatalf("tick %d: %s: %v", tick, cmd, err)
			}
		}
	}

	if audioQueries != 4 {
		t.Errorf("sent %d audio slot queries over 4 ticks, want 4", audioQueries)
	}
	if cur := f.cache.AudioCursor(); !cur.Ready || cur.Index != 4 {
		t.Errorf("audio cursor = %+v, want index 4 ready", cur)
	}
	if got := len(f.eventsOf(EventDeviceError)); got != 4 {
		t.Errorf("got %d device error events, want 4", got)
	}
}

func TestDispatchManualSlotQueryKeepsPolledSlot(t *testing.T) {
	f := newDispatchFixture(t, Credentials{})
	slot, ok := f.cache.claimAudioSlot()
	if !ok || slot != 1 {
		t.Fatalf("claimAudioSlot() = %d, %v", slot, ok)
	}
	_ = f.queue.Submit("QAX:1")
	_ = f.queue.Submit("QAX:5")

	if err := f.dispatch(t, Text("QAX", "1"), Text("QAX", "0")); err != nil {
		t.Fatal(err)
	}

	s := f.cache.Snapshot()
	if !s.AudioClipAvailable(1) || s.AudioClipAvailable(5) {
		t.Errorf("AudioClips = %v, want slot 1 available and slot 5 empty", s.AudioClips)
	}
	if cur := f.cache.AudioCursor(); !cur.Ready || cur.Index != 1 {
		t.Errorf("audio cursor = %+v, want index 1 ready", cur)
	}
}
