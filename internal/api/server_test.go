package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-replay/internal/journal"
	"github.com/nerrad567/gray-logic-replay/internal/metrics"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// ─── Mocks ─────────────────────────────────────────────────────────

type mockSession struct {
	mu     sync.Mutex
	status replay.Status
	cache  *replay.StateCache
}

func (m *mockSession) Status() replay.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockSession) State() *replay.StateCache { return m.cache }

func (m *mockSession) Stats() replay.Stats {
	return replay.Stats{Status: m.Status(), QueueDepth: 2}
}

type mockCommander struct {
	mu   sync.Mutex
	err  error
	msgs []p20hd.CommandMessage
}

func (m *mockCommander) Execute(_ context.Context, msg p20hd.CommandMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.msgs = append(m.msgs, msg)
	if msg.Action != "" {
		return "PLY", nil
	}
	return replay.Redact(msg.Command), nil
}

type mockJournal struct {
	filter journal.Filter
	err    error
}

func (m *mockJournal) Record(context.Context, *journal.Entry) error { return nil }

func (m *mockJournal) List(_ context.Context, f journal.Filter) (*journal.ListResult, error) {
	m.filter = f
	if m.err != nil {
		return nil, m.err
	}
	code := 5
	return &journal.ListResult{
		Entries: []journal.Entry{{ID: "jrn-1", Kind: journal.KindDeviceError, Code: &code}},
		Total:   1,
		Limit:   journal.ClampFilter(f).Limit,
	}, nil
}

type mockMQTT struct{ connected bool }

func (m mockMQTT) IsConnected() bool { return m.connected }

// ─── Helpers ───────────────────────────────────────────────────────

type testDeps struct {
	session   *mockSession
	commander *mockCommander
	journal   *mockJournal
}

func testServer(t *testing.T, mutate func(*Deps)) (*Server, testDeps) {
	t.Helper()

	td := testDeps{
		session:   &mockSession{status: replay.StatusReady, cache: replay.NewStateCache()},
		commander: &mockCommander{},
		journal:   &mockJournal{},
	}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:    log,
		Session:   td.session,
		Commander: td.commander,
		Journal:   td.journal,
		MQTT:      mockMQTT{connected: true},
		Prom:      metrics.New(td.session),
		Version:   "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	return srv, td
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Construction ──────────────────────────────────────────────────

func TestNewRequiresDeps(t *testing.T) {
	log := logging.Default()
	if _, err := New(Deps{Session: &mockSession{}}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without session succeeded")
	}
}

// ─── Health ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		session replay.Status
		mqttUp  bool
		want    string
	}{
		{"ready", replay.StatusReady, true, "ok"},
		{"device failed", replay.StatusFailed, true, "degraded"},
		{"broker down", replay.StatusReady, false, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, td := testServer(t, func(d *Deps) { d.MQTT = mockMQTT{connected: tt.mqttUp} })
			td.session.status = tt.session

			w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := decodeBody[healthResponse](t, w)
			if body.Status != tt.want || body.Session != string(tt.session) || body.QueueDepth != 2 {
				t.Errorf("body = %+v, want status %s", body, tt.want)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID generated")
	}

	w = do(t, router, http.MethodGet, "/api/v1/health", "", map[string]string{"X-Request-ID": "abc"})
	if got := w.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})
	router := srv.buildRouter()

	w := do(t, router, http.MethodOptions, "/api/v1/commands", "", map[string]string{"Origin": "http://panel.local"})
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	w = do(t, router, http.MethodOptions, "/api/v1/commands", "", map[string]string{"Origin": "http://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for a foreign origin", got)
	}
}

// ─── State ─────────────────────────────────────────────────────────

func TestGetState(t *testing.T) {
	srv, td := testServer(t, nil)
	if _, err := td.session.cache.Apply(replay.Text("QSP", "75")); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/state", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[stateResponse](t, w)
	if body.State.PlaybackSpeed != 75 || body.Status != replay.StatusReady || len(body.Values) == 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestGetCategory(t *testing.T) {
	srv, td := testServer(t, nil)
	if _, err := td.session.cache.Apply(replay.Text("QSP", "75")); err != nil {
		t.Fatal(err)
	}
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/state/qsp", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	v := decodeBody[replay.CategoryValue](t, w)
	if v.Category != "QSP" || v.Value != float64(75) {
		t.Errorf("value = %+v, want QSP 75", v)
	}

	w = do(t, router, http.MethodGet, "/api/v1/state/QZZ", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown category status = %d, want 404", w.Code)
	}
}

func TestListActions(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/actions", "", nil)
	body := decodeBody[map[string][]string](t, w)
	if len(body["actions"]) != len(replay.ActionNames()) {
		t.Errorf("listed %d actions, want %d", len(body["actions"]), len(replay.ActionNames()))
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestSubmitCommand(t *testing.T) {
	srv, td := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/commands", `{"command":"PLY"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	body := decodeBody[commandResponse](t, w)
	if body.ID == "" || body.Status != "accepted" || body.Command != "PLY" {
		t.Errorf("body = %+v", body)
	}
	if len(td.commander.msgs) != 1 || td.commander.msgs[0].Source != p20hd.SourceAPI {
		t.Errorf("commander got %+v, want one api command", td.commander.msgs)
	}
}

func TestSubmitCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"malformed body", `{"command":`, nil, http.StatusBadRequest},
		{"empty message", `{}`, p20hd.ErrInvalidMessage, http.StatusBadRequest},
		{"unknown action", `{"action":"teleport"}`, replay.ErrUnknownAction, http.StatusBadRequest},
		{"invalid command", `{"command":"P;Y"}`, replay.ErrInvalidCommand, http.StatusBadRequest},
		{"not ready", `{"command":"PLY"}`, replay.ErrNotReady, http.StatusServiceUnavailable},
		{"closed", `{"command":"PLY"}`, replay.ErrSessionClosed, http.StatusServiceUnavailable},
		{"unexpected", `{"command":"PLY"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, td := testServer(t, nil)
			td.commander.err = tt.err

			w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/commands", tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body)
			}
		})
	}
}

func TestSubmitCommandWithoutCommander(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Commander = nil })

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/commands", `{"command":"PLY"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestCommandRateLimit(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})
	router := srv.buildRouter()

	if w := do(t, router, http.MethodPost, "/api/v1/commands", `{"command":"PLY"}`, nil); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", w.Code)
	}
	w := do(t, router, http.MethodPost, "/api/v1/commands", `{"command":"PLY"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}

	// Reads are not limited.
	if w := do(t, router, http.MethodGet, "/api/v1/state", "", nil); w.Code != http.StatusOK {
		t.Errorf("state status = %d under command limit", w.Code)
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestCommandAuth(t *testing.T) {
	jwtCfg := config.JWTConfig{Secret: testSecret, Issuer: "graylogic"}
	valid, err := IssueToken(jwtCfg, "operator", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := IssueToken(jwtCfg, "operator", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherIssuer, err := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "someone-else"}, "operator", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, err := IssueToken(config.JWTConfig{Secret: strings.Repeat("x", 40), Issuer: "graylogic"}, "operator", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + otherIssuer, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusAccepted},
	}

	srv, _ := testServer(t, func(d *Deps) { d.Security.JWT = jwtCfg })
	router := srv.buildRouter()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.header != "" {
				header["Authorization"] = tt.header
			}
			w := do(t, router, http.MethodPost, "/api/v1/commands", `{"command":"PLY"}`, header)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// State stays public.
	if w := do(t, router, http.MethodGet, "/api/v1/state", "", nil); w.Code != http.StatusOK {
		t.Errorf("state status = %d with auth on, want 200", w.Code)
	}
}

func TestIssueTokenWithoutSecret(t *testing.T) {
	if _, err := IssueToken(config.JWTConfig{}, "x", time.Minute); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("IssueToken() error = %v, want ErrTokenInvalid", err)
	}
}

// ─── Journal ───────────────────────────────────────────────────────

func TestListJournal(t *testing.T) {
	srv, td := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet,
		"/api/v1/journal?kind=device_error&limit=10&offset=5&since=2026-10-17T09:00:00Z", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if f := td.journal.filter; f.Kind != journal.KindDeviceError || f.Limit != 10 || f.Offset != 5 || f.Since.IsZero() {
		t.Errorf("filter = %+v", f)
	}
	body := decodeBody[journal.ListResult](t, w)
	if body.Total != 1 || body.Entries[0].Code == nil || *body.Entries[0].Code != 5 {
		t.Errorf("body = %+v", body)
	}
}

func TestListJournalErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		err   error
		want  int
	}{
		{"unknown kind", "?kind=bogus", nil, http.StatusBadRequest},
		{"bad limit", "?limit=ten", nil, http.StatusBadRequest},
		{"negative offset", "?offset=-1", nil, http.StatusBadRequest},
		{"bad since", "?since=yesterday", nil, http.StatusBadRequest},
		{"query failure", "", errors.New("disk gone"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, td := testServer(t, nil)
			td.journal.err = tt.err

			w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/journal"+tt.query, "", nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestListJournalWithoutRepository(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Journal = nil })

	if w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/journal", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "graylogic_replay_session_up 1") {
		t.Error("session_up gauge missing from exposition")
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Metrics.Enabled = false })

	if w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketSubscribeAndBroadcast(t *testing.T) {
	srv, _ := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialWS(t, ts, "")
	if err := ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{p20hd.ChannelStatus}}}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	// The current status arrives before any change.
	initial := readWS(t, ws)
	if initial.Type != WSTypeEvent || initial.EventType != p20hd.ChannelStatus {
		t.Fatalf("initial event = %+v, want %s", initial, p20hd.ChannelStatus)
	}
	if body, _ := initial.Payload.(map[string]any); body["status"] != string(replay.StatusReady) {
		t.Errorf("initial payload = %v, want status ready", initial.Payload)
	}

	srv.Hub().Broadcast(p20hd.ChannelState, map[string]string{"ignored": "yes"})
	srv.Hub().Broadcast(p20hd.ChannelStatus, map[string]string{"status": "failed"})

	ev := readWS(t, ws)
	if ev.Type != WSTypeEvent || ev.EventType != p20hd.ChannelStatus {
		t.Errorf("event = %+v, want %s", ev, p20hd.ChannelStatus)
	}
	if body, _ := ev.Payload.(map[string]any); body["status"] != "failed" {
		t.Errorf("event payload = %v, want status failed", ev.Payload)
	}
	if srv.Hub().ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", srv.Hub().ClientCount())
	}
}

func TestWebSocketRejectsUnknownChannel(t *testing.T) {
	srv, _ := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialWS(t, ts, "")
	msg := WSMessage{Type: WSTypeSubscribe, ID: "2", Payload: WSSubscribePayload{Channels: []string{p20hd.ChannelRejected, "device.state_changed"}}}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError || resp.ID != "2" {
		t.Fatalf("reply = %+v, want error for id 2", resp)
	}

	// Nothing was subscribed, so a rejection event is not delivered.
	srv.Hub().Broadcast(p20hd.ChannelRejected, map[string]string{"command": "PLY"})
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "3"}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypePong {
		t.Errorf("next frame = %+v, want pong", resp)
	}
}

func TestWebSocketPingAndBadMessage(t *testing.T) {
	srv, _ := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialWS(t, ts, "")
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypePong || msg.ID != "p" {
		t.Errorf("ping reply = %+v", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypeError {
		t.Errorf("bad message reply = %+v, want error", msg)
	}
}

func TestWebSocketRequiresTokenWhenAuthOn(t *testing.T) {
	jwtCfg := config.JWTConfig{Secret: testSecret, Issuer: "graylogic"}
	srv, _ := testServer(t, func(d *Deps) { d.Security.JWT = jwtCfg })
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}

	token, err := IssueToken(jwtCfg, "panel", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	dialWS(t, ts, "?token="+token)
}
