package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"softphone-console/internal/calls"
	"softphone-console/internal/eventlog"
	"softphone-console/internal/reporting"
	"softphone-console/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu       sync.Mutex
	snap     session.Snapshot
	startErr error
	dialed   []string
	watchers []func(session.Snapshot)
}

func (f *fakeController) StartUserAgent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.HasAgent = true
	f.snap.State = session.StateAgentReady
	return nil
}

func (f *fakeController) StartSession(_ context.Context, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.dialed = append(f.dialed, destination)
	f.snap.State = session.StateCallActive
	return nil
}

func (f *fakeController) StopSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = session.StateAgentReady
	return nil
}

func (f *fakeController) SetHideConfigCard(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Flags.HideConfigCard = v
}

func (f *fakeController) SetHideLogCard(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Flags.HideLogCard = v
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Watch(fn func(session.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
	return func() {}
}

func (f *fakeController) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *fakeController) notify() {
	f.mu.Lock()
	snap := f.snap
	fns := append([]func(session.Snapshot){}, f.watchers...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func newRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.GET("/v1/state", h.State)
	r.GET("/v1/log", h.Log)
	r.GET("/v1/calls", h.Calls)
	r.GET("/v1/calls/summary", h.CallsSummary)
	r.GET("/v1/stream", h.Stream)
	r.POST("/v1/agent/start", h.StartAgent)
	r.POST("/v1/session/start", h.StartSession)
	r.POST("/v1/session/stop", h.StopSession)
	r.PUT("/v1/ui/config-card", h.SetConfigCard)
	r.PUT("/v1/ui/log-card", h.SetLogCard)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var s session.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, w.Body.String())
	}
	return s
}

func TestStartSession_DefaultAndExplicitDestination(t *testing.T) {
	ctl := &fakeController{}
	r := newRouter(Handlers{Session: ctl})

	if w := do(t, r, http.MethodPost, "/v1/session/start", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w := do(t, r, http.MethodPost, "/v1/session/start", `{"destination":"sip:bob@example.org"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeSnapshot(t, w); got.State != session.StateCallActive {
		t.Fatalf("expected call_active, got %s", got.State)
	}
	if len(ctl.dialed) != 2 || ctl.dialed[0] != "" || ctl.dialed[1] != "sip:bob@example.org" {
		t.Fatalf("unexpected destinations: %v", ctl.dialed)
	}
}

func TestStartSession_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrAgentNotInitialized, http.StatusConflict},
		{session.ErrSessionActive, http.StatusConflict},
		{session.ErrLineBusy, http.StatusConflict},
		{fmt.Errorf("%w: %w", session.ErrCallFailed, fmt.Errorf("dial refused")), http.StatusBadGateway},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newRouter(Handlers{Session: &fakeController{startErr: tc.err}})
		w := do(t, r, http.MethodPost, "/v1/session/start", "")
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestStartSession_RejectsBadJSON(t *testing.T) {
	r := newRouter(Handlers{Session: &fakeController{}})
	if w := do(t, r, http.MethodPost, "/v1/session/start", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAgentStartAndStop(t *testing.T) {
	r := newRouter(Handlers{Session: &fakeController{}})
	w := do(t, r, http.MethodPost, "/v1/agent/start", "")
	if got := decodeSnapshot(t, w); !got.HasAgent || got.State != session.StateAgentReady {
		t.Fatalf("unexpected snapshot after start: %+v", got)
	}
	w = do(t, r, http.MethodPost, "/v1/session/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCardToggles(t *testing.T) {
	ctl := &fakeController{}
	r := newRouter(Handlers{Session: ctl})

	w := do(t, r, http.MethodPut, "/v1/ui/config-card", `{"hidden":true}`)
	if got := decodeSnapshot(t, w); !got.Flags.HideConfigCard || got.Flags.HideLogCard {
		t.Fatalf("unexpected flags: %+v", got.Flags)
	}
	w = do(t, r, http.MethodPut, "/v1/ui/log-card", `{"hidden":true}`)
	if got := decodeSnapshot(t, w); !got.Flags.HideLogCard {
		t.Fatalf("unexpected flags: %+v", got.Flags)
	}
	w = do(t, r, http.MethodPut, "/v1/ui/config-card", `{"hidden":false}`)
	if got := decodeSnapshot(t, w); got.Flags.HideConfigCard {
		t.Fatalf("expected config card shown: %+v", got.Flags)
	}
	if w := do(t, r, http.MethodPut, "/v1/ui/log-card", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without hidden, got %d", w.Code)
	}
}

func TestLog_ReturnsEntriesInOrder(t *testing.T) {
	events := eventlog.NewService(eventlog.NewMemoryRepo(), nil)
	events.Record("log", "sip.transport", "", "connecting")
	events.Record("warn", "sip.transport", "", "retry")

	r := newRouter(Handlers{Session: &fakeController{}, Events: events})
	w := do(t, r, http.MethodGet, "/v1/log", "")
	var body struct {
		Entries []eventlog.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Content != "connecting" || body.Entries[1].Level != eventlog.LevelWarn {
		t.Fatalf("unexpected entries: %+v", body.Entries)
	}
}

func TestCalls_HistoryAndSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := calls.NewMemoryRepo()
	answered := now.Add(-50 * time.Minute)
	_ = repo.Create(context.Background(), calls.Call{CallID: "c1", Destination: "sip:a@x", Status: calls.CallStatusCompleted, StartedAt: now.Add(-time.Hour), AnsweredAt: &answered, DurationSeconds: 60})
	_ = repo.Create(context.Background(), calls.Call{CallID: "c2", Destination: "sip:a@x", Status: calls.CallStatusNoAnswer, StartedAt: now.Add(-30 * time.Minute)})
	_ = repo.Create(context.Background(), calls.Call{CallID: "old", Destination: "sip:a@x", Status: calls.CallStatusCompleted, StartedAt: now.Add(-72 * time.Hour)})

	h := Handlers{Session: &fakeController{}, History: repo, Reports: reporting.NewService(repo), Now: func() time.Time { return now }}
	r := newRouter(h)

	w := do(t, r, http.MethodGet, "/v1/calls", "")
	var list struct {
		Calls []calls.Call `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Calls) != 2 || list.Calls[0].CallID != "c2" {
		t.Fatalf("expected last day newest first, got %+v", list.Calls)
	}

	w = do(t, r, http.MethodGet, "/v1/calls/summary?from=2026-02-01T00:00:00Z&to=2026-03-02T00:00:00Z", "")
	var sum reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalCalls != 3 || sum.NoAnswerCalls != 1 || sum.CompletedCalls != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	if w := do(t, r, http.MethodGet, "/v1/calls?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/v1/calls?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}
}

func TestCalls_NotConfigured(t *testing.T) {
	r := newRouter(Handlers{Session: &fakeController{}})
	if w := do(t, r, http.MethodGet, "/v1/calls", ""); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/v1/calls/summary", ""); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestStream_SnapshotThenUpdates(t *testing.T) {
	ctl := &fakeController{}
	events := eventlog.NewService(eventlog.NewMemoryRepo(), nil)
	srv := httptest.NewServer(newRouter(Handlers{Session: ctl, Events: events}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() StreamMessage {
		t.Helper()
		var m StreamMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}

	if m := read(); m.Type != MessageState {
		t.Fatalf("expected initial state, got %s", m.Type)
	}

	// The log watcher registers before the state watcher; wait for the latter.
	deadline := time.Now().Add(5 * time.Second)
	for ctl.watcherCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = ctl.StartUserAgent(context.Background())
	ctl.notify()
	if m := read(); m.Type != MessageState {
		t.Fatalf("expected state update, got %s", m.Type)
	}

	events.Record("log", "sip.ua", "", "agent created")
	m := read()
	if m.Type != MessageLog {
		t.Fatalf("expected log message, got %s", m.Type)
	}
	entry, ok := m.Data.(map[string]any)
	if !ok || entry["content"] != "agent created" {
		t.Fatalf("unexpected log payload: %#v", m.Data)
	}
}
