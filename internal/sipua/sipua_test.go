package sipua

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"softphone-console/internal/agent"
	"softphone-console/internal/config"
	"softphone-console/internal/eventlog"

	"github.com/pion/webrtc/v4"
)

type traceLine struct {
	level, category, label, content string
}

func capture(level int) (*tracer, *[]traceLine) {
	var lines []traceLine
	t := newTracer(func(l, c, lb, ct string) {
		lines = append(lines, traceLine{l, c, lb, ct})
	}, level)
	return t, &lines
}

func TestTracer_FiltersAboveLevel(t *testing.T) {
	tr, lines := capture(1)
	tr.emit(eventlog.LevelError, "sip", "", "e")
	tr.emit(eventlog.LevelWarn, "sip", "", "w")
	tr.emit(eventlog.LevelLog, "sip", "", "l")
	tr.emit(eventlog.LevelDebug, "sip", "", "d")

	if len(*lines) != 2 {
		t.Fatalf("expected error and warn only, got %+v", *lines)
	}
	if (*lines)[0].level != "error" || (*lines)[1].level != "warn" {
		t.Fatalf("unexpected levels: %+v", *lines)
	}
}

func TestTracer_NilCallbackIsSafe(t *testing.T) {
	tr := newTracer(nil, 3)
	tr.logf(eventlog.LevelLog, "sip", "hello %d", 1)
}

func TestSlogger_FormatsAttrsAndMapsLevels(t *testing.T) {
	tr, lines := capture(3)
	log := tr.slogger("sip.client").With("call_id", "abc")
	log.Info("request sent", "method", "INVITE")
	log.Debug("raw", "len", 12)

	if len(*lines) != 2 {
		t.Fatalf("expected 2 lines, got %+v", *lines)
	}
	first := (*lines)[0]
	if first.level != "log" || first.category != "sip.client" {
		t.Fatalf("unexpected line: %+v", first)
	}
	if !strings.Contains(first.content, "call_id=abc") || !strings.Contains(first.content, "method=INVITE") {
		t.Fatalf("attrs missing: %q", first.content)
	}
	if (*lines)[1].level != "debug" {
		t.Fatalf("expected debug, got %+v", (*lines)[1])
	}
}

func TestSlogger_DisabledBelowLevel(t *testing.T) {
	tr, lines := capture(0)
	log := tr.slogger("sip")
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at level 0")
	}
	log.Warn("w")
	log.Error("e")
	if len(*lines) != 1 || (*lines)[0].content != "e" {
		t.Fatalf("expected only error, got %+v", *lines)
	}
}

func TestPionLogger_ScopesCategory(t *testing.T) {
	tr, lines := capture(3)
	l := pionFactory{t: tr}.NewLogger("ice")
	l.Warnf("candidate %s failed", "host")
	l.Trace("tick")

	if len(*lines) != 2 {
		t.Fatalf("expected 2 lines, got %+v", *lines)
	}
	if (*lines)[0].category != "webrtc.ice" || (*lines)[0].level != "warn" || (*lines)[0].content != "candidate host failed" {
		t.Fatalf("unexpected warn line: %+v", (*lines)[0])
	}
	if (*lines)[1].label != "trace" || (*lines)[1].level != "debug" {
		t.Fatalf("unexpected trace line: %+v", (*lines)[1])
	}
}

func TestParseWSServer(t *testing.T) {
	cases := []struct {
		in        string
		transport string
		addr      string
	}{
		{"wss://example.com", "WSS", "example.com:443"},
		{"ws://example.com", "WS", "example.com:80"},
		{"wss://sip.example.com:7443/ws", "WSS", "sip.example.com:7443"},
		{"WS://10.0.0.1:5066", "WS", "10.0.0.1:5066"},
	}
	for _, c := range cases {
		tr, addr, err := parseWSServer(c.in)
		if err != nil {
			t.Fatalf("parseWSServer(%q): %v", c.in, err)
		}
		if tr != c.transport || addr != c.addr {
			t.Fatalf("parseWSServer(%q) = %s %s, want %s %s", c.in, tr, addr, c.transport, c.addr)
		}
	}

	for _, bad := range []string{"https://example.com", "example.com", "wss://", "udp://x:5060"} {
		if _, _, err := parseWSServer(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

// unreachableConfig points the agent at a port nothing listens on.
func unreachableConfig(attempts int, backoff time.Duration) config.AgentConfig {
	return config.AgentConfig{
		LogLevel: 3,
		Realm:    "abcdefgh",
		User:     "ijklmnop",
		WSServer: "ws://127.0.0.1:1",
		Retry:    config.RetryPolicy{MaxAttempts: attempts, Backoff: backoff},
	}
}

type traceSink struct {
	mu    sync.Mutex
	lines []traceLine
}

func (s *traceSink) record(level, category, label, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, traceLine{level, category, label, content})
}

func (s *traceSink) count(category, substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if l.category == category && strings.Contains(l.content, substr) {
			n++
		}
	}
	return n
}

type eventRecorder struct {
	ch chan agent.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan agent.Event, 64)}
}

func (r *eventRecorder) handle(_ agent.Session, ev agent.Event) { r.ch <- ev }

// until collects events up to and including the first named one.
func (r *eventRecorder) until(t *testing.T, name string, wait time.Duration) []agent.Event {
	t.Helper()
	var got []agent.Event
	timeout := time.After(wait)
	for {
		select {
		case ev := <-r.ch:
			got = append(got, ev)
			if ev.Name() == name {
				return got
			}
		case <-timeout:
			t.Fatalf("no %s event within %s, got %v", name, wait, got)
		}
	}
}

func newTestAgent(t *testing.T, cfg config.AgentConfig, trace agent.TraceFunc) *Agent {
	t.Helper()
	a, err := New(cfg, trace)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a.(*Agent)
}

func TestAgent_CallRejectsInvalidDestination(t *testing.T) {
	a := newTestAgent(t, unreachableConfig(1, time.Millisecond), nil)
	if _, err := a.Call(context.Background(), "", agent.AudioOnly, nil); err == nil {
		t.Fatalf("expected error for empty destination")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) != 0 {
		t.Fatalf("expected no session tracked, got %d", len(a.sessions))
	}
}

func TestAgent_CallAfterClose(t *testing.T) {
	a := newTestAgent(t, unreachableConfig(1, time.Millisecond), nil)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err := a.Call(context.Background(), "sip:hello@example.com", agent.AudioOnly, nil)
	if !errors.Is(err, agent.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAgent_CallWithCanceledContext(t *testing.T) {
	a := newTestAgent(t, unreachableConfig(1, time.Millisecond), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Call(ctx, "sip:hello@example.com", agent.AudioOnly, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSession_UnreachableServerFailsAfterRetries(t *testing.T) {
	sink := &traceSink{}
	a := newTestAgent(t, unreachableConfig(3, 5*time.Millisecond), sink.record)
	rec := newEventRecorder()

	sess, err := a.Call(context.Background(), "sip:hello@example.com", agent.AudioOnly, rec.handle)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	defer sess.Terminate(context.Background())

	got := rec.until(t, "failed", 10*time.Second)
	if _, ok := got[0].(agent.NegotiationStarted); !ok {
		t.Fatalf("expected negotiation_started first, got %v", got)
	}
	for _, ev := range got {
		if _, ok := ev.(agent.InviteSent); ok {
			t.Fatalf("invite reported sent to an unreachable server")
		}
	}
	failed := got[len(got)-1].(agent.Failed)
	if failed.Err == nil || failed.Code != 0 {
		t.Fatalf("unexpected failure %+v", failed)
	}
	if n := sink.count("sip.transport", "invite attempt"); n != 3 {
		t.Fatalf("expected 3 invite attempts, got %d", n)
	}
}

func TestSession_TerminateIsIdempotentAndSilencesEvents(t *testing.T) {
	a := newTestAgent(t, unreachableConfig(100, 50*time.Millisecond), nil)
	rec := newEventRecorder()

	sess, err := a.Call(context.Background(), "sip:hello@example.com", agent.AudioOnly, rec.handle)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	rec.until(t, "negotiation_started", 5*time.Second)

	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("second terminate: %v", err)
	}

	// Emitting after termination neither blocks nor reaches the handler.
	s := sess.(*Session)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*eventBuffer; i++ {
			s.emit(agent.Failed{Err: errors.New("late")})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("emit blocked after terminate")
	}

	select {
	case ev := <-rec.ch:
		t.Fatalf("unexpected event after terminate: %s", ev.Name())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAgent_CloseTerminatesOpenSessions(t *testing.T) {
	a := newTestAgent(t, unreachableConfig(100, 50*time.Millisecond), nil)

	var open []*Session
	for i := 0; i < 2; i++ {
		sess, err := a.Call(context.Background(), "sip:hello@example.com", agent.AudioOnly, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		open = append(open, sess.(*Session))
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, s := range open {
		s.mu.Lock()
		terminated := s.terminated
		s.mu.Unlock()
		if !terminated {
			t.Fatalf("session %d left open after close", i)
		}
		select {
		case <-s.done:
		default:
			t.Fatalf("session %d dispatcher still running", i)
		}
	}
}

type fakeDialog struct {
	mu     sync.Mutex
	ackErr error
	acks   int
	byes   int
	closes int
}

func (d *fakeDialog) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return d.ackErr
}

func (d *fakeDialog) Bye(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byes++
	return nil
}

func (d *fakeDialog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDialog) counts() (acks, byes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.byes
}

// answeredSession builds a session whose INVITE got a 2xx on d, without a
// dispatcher or a dialing goroutine.
func answeredSession(t *testing.T, d *fakeDialog) *Session {
	t.Helper()
	a := newTestAgent(t, unreachableConfig(1, time.Millisecond), nil)
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	s := &Session{
		id:     "test",
		a:      a,
		pc:     pc,
		events: make(chan agent.Event, eventBuffer),
		done:   make(chan struct{}),
		dialog: d,
	}
	s.dial, s.cancel = context.WithCancel(context.Background())
	return s
}

func queued(s *Session) []agent.Event {
	var out []agent.Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSession_TerminateBeforeAckStillHangsUp(t *testing.T) {
	d := &fakeDialog{}
	s := answeredSession(t, d)

	// Terminate lands between the 2xx and the ACK.
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, byes := d.counts(); byes != 0 {
		t.Fatalf("bye sent on an unacknowledged dialog")
	}
	if up := s.confirm(d, nil); up {
		t.Fatalf("terminated session reported up")
	}
	if acks, byes := d.counts(); acks != 1 || byes != 1 {
		t.Fatalf("expected ack and bye, got %d/%d", acks, byes)
	}
}

func TestSession_TerminateAfterAckSendsSingleBye(t *testing.T) {
	d := &fakeDialog{}
	s := answeredSession(t, d)

	if up := s.confirm(d, nil); !up {
		t.Fatalf("expected call up")
	}
	for i := 0; i < 2; i++ {
		if err := s.Terminate(context.Background()); err != nil {
			t.Fatalf("terminate %d: %v", i, err)
		}
	}
	if acks, byes := d.counts(); acks != 1 || byes != 1 {
		t.Fatalf("expected one ack and one bye, got %d/%d", acks, byes)
	}
}

func TestSession_UnusableAnswerIsHungUpOnce(t *testing.T) {
	d := &fakeDialog{}
	s := answeredSession(t, d)

	if up := s.confirm(d, errors.New("bad sdp")); up {
		t.Fatalf("expected call down")
	}
	evs := queued(s)
	if len(evs) != 1 {
		t.Fatalf("expected one failure event, got %v", evs)
	}
	if f, ok := evs[0].(agent.Failed); !ok || !strings.Contains(f.Err.Error(), "apply answer") {
		t.Fatalf("unexpected event %+v", evs[0])
	}

	// The controller reacts to Failed by terminating.
	_ = s.Terminate(context.Background())
	if _, byes := d.counts(); byes != 1 {
		t.Fatalf("expected a single bye, got %d", byes)
	}
}

func TestSession_AckFailureReportsWithoutBye(t *testing.T) {
	d := &fakeDialog{ackErr: errors.New("transport closed")}
	s := answeredSession(t, d)

	if up := s.confirm(d, nil); up {
		t.Fatalf("expected call down")
	}
	if evs := queued(s); len(evs) != 1 {
		t.Fatalf("expected one failure event, got %v", evs)
	}
	_ = s.Terminate(context.Background())
	if _, byes := d.counts(); byes != 0 {
		t.Fatalf("bye sent without ack, got %d", byes)
	}
}
