package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"softphone-console/internal/agent"
	"softphone-console/internal/calls"
	"softphone-console/internal/config"
	"softphone-console/internal/media"

	"github.com/google/uuid"
)

// AudioSink is the single output the remote stream is played into.
type AudioSink interface {
	Bind(s agent.Stream)
	Play(ctx context.Context) error
}

// LineGuard serializes calls on one line across processes.
type LineGuard interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Options struct {
	Session config.SessionConfig
	Agent   config.AgentConfig

	Factory agent.Factory
	// Trace receives the agent's protocol trace lines.
	Trace agent.TraceFunc

	// Audio may be nil; remote media is then dropped with a warning.
	Audio AudioSink
	// Calls may be nil; no history is kept then.
	Calls calls.Repository
	// Guard may be nil.
	Guard LineGuard

	// SetupTimeout bounds the wait for remote media. Zero disables it.
	SetupTimeout time.Duration
	// HistoryTimeout bounds each history write. Zero means terminateTimeout.
	HistoryTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

const terminateTimeout = 5 * time.Second

// Controller owns the agent and the single active session.
//
// Every transition runs under mu, so library callbacks arriving on other
// goroutines observe the same sequential order a single event loop would.
// Agents must deliver events off the goroutine that called Call/Terminate.
type Controller struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	agent   agent.Agent
	active  *activeCall
	flags   Flags
	lastErr string
	closed  bool

	watchMu  sync.Mutex
	nextID   int
	watchers map[int]func(Snapshot)
}

type activeCall struct {
	sess        agent.Session
	record      calls.Call
	negotiating bool
	delivered   bool
	answered    bool
	iceClosed   bool
	timer       *time.Timer
}

func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = terminateTimeout
	}
	if opts.Trace == nil {
		opts.Trace = func(string, string, string, string) {}
	}
	return &Controller{
		opts:     opts,
		log:      log.With("subsystem", "session"),
		now:      now,
		watchers: map[int]func(Snapshot){},
	}
}

// StartUserAgent creates the agent. A second call keeps the existing one.
func (c *Controller) StartUserAgent(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.closed {
		return ErrClosed
	}
	if c.agent != nil {
		c.log.Debug("agent already started", "uri", c.opts.Agent.URI())
		return nil
	}
	if c.opts.Factory == nil {
		return fmt.Errorf("session: start agent: no agent factory configured")
	}
	a, err := c.opts.Factory(c.opts.Agent, c.opts.Trace)
	if err != nil {
		return fmt.Errorf("session: start agent: %w", err)
	}
	c.agent = a
	c.log.Info("agent started", "uri", c.opts.Agent.URI(), "ws_server", c.opts.Agent.WSServer)
	return nil
}

// StartSession dials destination, or the configured destination when empty.
// The session is stored as soon as the agent returns it, before any answer.
func (c *Controller) StartSession(ctx context.Context, destination string) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.closed {
		return ErrClosed
	}
	if c.agent == nil {
		return ErrAgentNotInitialized
	}
	if c.active != nil {
		return ErrSessionActive
	}
	if destination == "" {
		destination = c.opts.Session.Destination()
	}

	if c.opts.Guard != nil {
		ok, err := c.opts.Guard.Acquire(ctx)
		if err != nil {
			c.lastErr = fmt.Sprintf("line guard: %v", err)
			return fmt.Errorf("session: acquire line: %w", err)
		}
		if !ok {
			c.lastErr = ErrLineBusy.Error()
			return ErrLineBusy
		}
	}

	ac := &activeCall{
		record: calls.Call{
			CallID:      uuid.NewString(),
			Destination: destination,
			Status:      calls.CallStatusDialing,
			StartedAt:   c.now().UTC(),
		},
	}
	handler := func(_ agent.Session, ev agent.Event) { c.handle(ac, ev) }

	sess, err := c.agent.Call(ctx, destination, agent.AudioOnly, handler)
	if err != nil {
		c.releaseLine()
		ac.record.Finish(calls.CallStatusFailed, err.Error(), c.now().UTC())
		c.saveCall(ctx, ac.record, true)
		c.lastErr = fmt.Sprintf("%v: %v", ErrCallFailed, err)
		c.log.Warn("call origination failed", "destination", destination, "err", err)
		return fmt.Errorf("%w: %w", ErrCallFailed, err)
	}

	ac.sess = sess
	ac.record.SessionID = sess.ID()
	c.active = ac
	c.lastErr = ""
	c.saveCall(ctx, ac.record, true)

	if c.opts.SetupTimeout > 0 {
		ac.timer = time.AfterFunc(c.opts.SetupTimeout, func() { c.setupExpired(ac) })
	}
	c.log.Info("call started", "destination", destination, "session_id", sess.ID(), "call_id", ac.record.CallID)
	return nil
}

// StopSession terminates the active session. Without one it does nothing.
func (c *Controller) StopSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	ac := c.active
	if ac == nil {
		return nil
	}
	status := calls.CallStatusCanceled
	if ac.answered {
		status = calls.CallStatusCompleted
	}
	c.stopLocked(ctx, status, "")
	return nil
}

func (c *Controller) SetHideConfigCard(v bool) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	c.flags.HideConfigCard = v
}

func (c *Controller) SetHideLogCard(v bool) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	c.flags.HideLogCard = v
}

// Close ends any session and releases the agent. The controller is unusable afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.active != nil {
		status := calls.CallStatusCanceled
		if c.active.answered {
			status = calls.CallStatusCompleted
		}
		c.stopLocked(ctx, status, "shutdown")
	}
	if c.agent == nil {
		return nil
	}
	err := c.agent.Close()
	c.agent = nil
	if err != nil {
		return fmt.Errorf("session: close agent: %w", err)
	}
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch registers fn to receive a snapshot after every transition.
// fn runs on the goroutine that caused the transition and must not block.
func (c *Controller) Watch(fn func(Snapshot)) (cancel func()) {
	c.watchMu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
		})
	}
}

func (c *Controller) handle(ac *activeCall, ev agent.Event) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.active != ac {
		c.log.Debug("event for stale session ignored", "event", ev.Name())
		return
	}

	switch e := ev.(type) {
	case agent.NegotiationStarted:
		if ac.negotiating {
			return
		}
		ac.negotiating = true
		c.log.Debug("negotiation started", "session_id", ac.sess.ID())

	case agent.InviteSent:
		ac.delivered = true
		c.log.Debug("invite delivered", "session_id", ac.sess.ID())

	case agent.MediaReady:
		if ac.answered {
			return
		}
		ac.answered = true
		if ac.timer != nil {
			ac.timer.Stop()
		}
		answeredAt := c.now().UTC()
		ac.record.AnsweredAt = &answeredAt
		ac.record.Status = calls.CallStatusInProgress
		c.saveCall(context.Background(), ac.record, false)
		c.flags.ICEUp = true
		c.playLocked(e.Stream)

	case agent.ICEClosed:
		if ac.iceClosed {
			return
		}
		ac.iceClosed = true
		if ac.answered {
			c.stopLocked(context.Background(), calls.CallStatusCompleted, "")
			return
		}
		c.stopLocked(context.Background(), calls.CallStatusFailed, "connectivity closed before media")

	case agent.Failed:
		reason := "call failed"
		if e.Err != nil {
			reason = e.Err.Error()
		}
		c.lastErr = fmt.Sprintf("%v: %s", ErrCallFailed, reason)
		c.log.Warn("call failed", "session_id", ac.sess.ID(), "code", e.Code, "err", e.Err)
		c.stopLocked(context.Background(), calls.CallStatusFailed, reason)

	default:
		c.log.Warn("unhandled session event", "event", ev.Name())
	}
}

func (c *Controller) playLocked(s agent.Stream) {
	if c.opts.Audio == nil {
		c.log.Warn("no audio output bound; remote media dropped", "session_id", c.active.sess.ID())
		return
	}
	if s == nil {
		c.log.Warn("media ready without a stream", "session_id", c.active.sess.ID())
		return
	}
	c.opts.Audio.Bind(s)
	if err := c.opts.Audio.Play(context.Background()); err != nil {
		c.log.Warn("audio playback failed", "session_id", c.active.sess.ID(), "err", err)
	}
}

func (c *Controller) setupExpired(ac *activeCall) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.active != ac || ac.answered {
		return
	}
	// No INVITE reached the transport, so nothing was left unanswered.
	if !ac.delivered {
		reason := fmt.Sprintf("invite not delivered within %s", c.opts.SetupTimeout)
		c.lastErr = fmt.Sprintf("%v: %s", ErrCallFailed, reason)
		c.log.Warn("call origination timed out", "session_id", ac.sess.ID(), "timeout", c.opts.SetupTimeout)
		c.stopLocked(context.Background(), calls.CallStatusFailed, reason)
		return
	}
	c.lastErr = fmt.Sprintf("call setup timed out after %s", c.opts.SetupTimeout)
	c.log.Warn("call setup timed out", "session_id", ac.sess.ID(), "timeout", c.opts.SetupTimeout)
	c.stopLocked(context.Background(), calls.CallStatusNoAnswer, "setup timeout")
}

// stopLocked terminates and clears the active session. Terminate errors are
// logged; the session reference is cleared regardless.
func (c *Controller) stopLocked(ctx context.Context, status calls.CallStatus, reason string) {
	ac := c.active
	c.active = nil
	c.flags.ICEUp = false
	if ac.timer != nil {
		ac.timer.Stop()
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if err := ac.sess.Terminate(tctx); err != nil {
		c.log.Warn("session terminate failed", "session_id", ac.sess.ID(), "err", err)
	}
	c.releaseLine()

	ac.record.Finish(status, reason, c.now().UTC())
	c.saveCall(tctx, ac.record, false)
	c.log.Info("call ended", "session_id", ac.sess.ID(), "status", status, "reason", reason)
}

func (c *Controller) releaseLine() {
	if c.opts.Guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := c.opts.Guard.Release(ctx); err != nil {
		c.log.Warn("line release failed", "err", err)
	}
}

// saveCall is best-effort: history must never block call control.
// Each write is bounded by HistoryTimeout whatever ctx carries.
func (c *Controller) saveCall(ctx context.Context, rec calls.Call, create bool) {
	if c.opts.Calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HistoryTimeout)
	defer cancel()
	var err error
	if create {
		err = c.opts.Calls.Create(ctx, rec)
	} else {
		err = c.opts.Calls.Update(ctx, rec)
	}
	if err != nil {
		c.log.Warn("call history write failed", "call_id", rec.CallID, "err", err)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:         StateIdle,
		HasAgent:      c.agent != nil,
		SessionConfig: c.opts.Session,
		AgentConfig:   c.opts.Agent,
		Destination:   c.opts.Session.Destination(),
		Flags:         c.flags,
		LastError:     c.lastErr,
	}
	if c.agent != nil {
		s.State = StateAgentReady
	}
	if ac := c.active; ac != nil {
		s.State = StateCallActive
		s.Session = &CallInfo{
			SessionID:   ac.sess.ID(),
			CallID:      ac.record.CallID,
			Destination: ac.record.Destination,
			StartedAt:   ac.record.StartedAt,
			Negotiating: ac.negotiating,
			Answered:    ac.answered,
		}
	}
	if st, ok := c.opts.Audio.(interface{ Stats() media.Stats }); ok {
		stats := st.Stats()
		s.Audio = &stats
	}
	return s
}

func (c *Controller) unlockAndNotify() {
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.watchMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
