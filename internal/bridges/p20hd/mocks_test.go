package p20hd

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-replay/internal/journal"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// MockMQTTClient records publications and routes simulated messages.
type MockMQTTClient struct {
	mu        sync.Mutex
	connected bool
	published []mockPublish
	handlers  map[string]mqtt.MessageHandler
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{topic, payload, qos, retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return handler(topic, payload)
}

// publishedOn returns messages published to topic, oldest first.
func (m *MockMQTTClient) publishedOn(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// MockSession is a scriptable replay session.
type MockSession struct {
	mu         sync.Mutex
	status     replay.Status
	submitted  []string
	submitErr  error
	connectErr error
	connects   int
	stats      replay.Stats

	cache  *replay.StateCache
	events chan replay.Event
}

func NewMockSession() *MockSession {
	return &MockSession{
		status: replay.StatusDisconnected,
		cache:  replay.NewStateCache(),
		events: make(chan replay.Event, 16),
	}
}

func (m *MockSession) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		m.status = replay.StatusFailed
		return m.connectErr
	}
	m.status = replay.StatusReady
	return nil
}

func (m *MockSession) Submit(_ context.Context, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, cmd)
	return nil
}

func (m *MockSession) State() *replay.StateCache    { return m.cache }
func (m *MockSession) Events() <-chan replay.Event { return m.events }

func (m *MockSession) Status() replay.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockSession) Stats() replay.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Status = m.status
	return st
}

func (m *MockSession) setStatus(s replay.Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *MockSession) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MockSession) submittedCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

// MockJournal keeps entries in memory.
type MockJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *MockJournal) Record(_ context.Context, e *journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MockJournal) List(context.Context, journal.Filter) (*journal.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &journal.ListResult{Entries: append([]journal.Entry(nil), m.entries...), Total: len(m.entries)}, nil
}

func (m *MockJournal) ofKind(kind journal.Kind) []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journal.Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// MockTelemetry counts writes.
type MockTelemetry struct {
	mu           sync.Mutex
	states       []replay.DeviceState
	sessionStats int
	deviceErrors []replay.ErrorCode
}

func (m *MockTelemetry) WriteState(_ string, s replay.DeviceState) {
	m.mu.Lock()
	m.states = append(m.states, s)
	m.mu.Unlock()
}

func (m *MockTelemetry) WriteSessionStats(string, replay.Stats) {
	m.mu.Lock()
	m.sessionStats++
	m.mu.Unlock()
}

func (m *MockTelemetry) WriteDeviceError(_ string, code replay.ErrorCode, _ string) {
	m.mu.Lock()
	m.deviceErrors = append(m.deviceErrors, code)
	m.mu.Unlock()
}

func (m *MockTelemetry) counts() (states, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states), len(m.deviceErrors)
}

// MockBroadcaster records broadcast channels.
type MockBroadcaster struct {
	mu       sync.Mutex
	channels []string
}

func (m *MockBroadcaster) Broadcast(channel string, _ any) {
	m.mu.Lock()
	m.channels = append(m.channels, channel)
	m.mu.Unlock()
}

func (m *MockBroadcaster) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.channels {
		if c == channel {
			n++
		}
	}
	return n
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return v
}
