// Package sipua is the signaling agent: SIP over websocket through sipgo,
// media negotiation and ICE through pion/webrtc.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"softphone-console/internal/agent"
	"softphone-console/internal/config"
	"softphone-console/internal/eventlog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Agent is an unregistered SIP endpoint. The websocket transport is dialed
// lazily by sipgo on the first request.
type Agent struct {
	cfg   config.AgentConfig
	trace *tracer

	transport string // WS or WSS
	addr      string // host:port of the websocket server

	ua      *sipgo.UserAgent
	client  *sipgo.Client
	server  *sipgo.Server
	dialogs *sipgo.DialogClientCache
	api     *webrtc.API

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

var _ agent.Factory = New

// New builds the agent. Registration is never attempted.
func New(cfg config.AgentConfig, trace agent.TraceFunc) (agent.Agent, error) {
	t := newTracer(trace, cfg.LogLevel)

	transport, addr, err := parseWSServer(cfg.WSServer)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.User),
		sipgo.WithUserAgentHostname(cfg.Realm),
	)
	if err != nil {
		return nil, fmt.Errorf("sipua: user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(t.slogger("sip.client")))
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipua: client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipua: server: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: cfg.User, Host: cfg.Realm + ".invalid"},
	}
	dialogs := sipgo.NewDialogClientCache(client, contact)

	api, err := newMediaAPI(t)
	if err != nil {
		_ = ua.Close()
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		trace:     t,
		transport: transport,
		addr:      addr,
		ua:        ua,
		client:    client,
		server:    server,
		dialogs:   dialogs,
		api:       api,
		sessions:  map[string]*Session{},
	}

	// In-dialog BYE from the far end arrives on the same websocket.
	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := a.dialogs.ReadBye(req, tx); err != nil {
			t.logf(eventlog.LevelWarn, "sip.dialog", "bye not matched: %v", err)
		}
	})

	t.logf(eventlog.LevelLog, "sip.ua", "agent %s created, transport %s via %s, registration disabled, retry ceiling %d",
		cfg.URI(), transport, addr, cfg.Retry.MaxAttempts)
	return a, nil
}

func newMediaAPI(t *tracer) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("sipua: register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("sipua: register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: pionFactory{t: t}}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// Call creates the peer connection and dials in the background.
// ctx only bounds setup done before returning; the call outlives it.
func (a *Agent) Call(ctx context.Context, destination string, opts agent.MediaOptions, h agent.EventHandler) (agent.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, agent.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recipient sip.Uri
	if err := sip.ParseUri(destination, &recipient); err != nil {
		return nil, fmt.Errorf("sipua: invalid destination %q: %w", destination, err)
	}

	s, err := newSession(a, recipient, opts, h)
	if err != nil {
		return nil, err
	}
	a.sessions[s.id] = s
	go s.run()
	return s, nil
}

func (a *Agent) forget(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Close terminates open sessions and the transport.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	open := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		open = append(open, s)
	}
	a.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Terminate(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.ua.Close(); err != nil {
		errs = append(errs, err)
	}
	a.trace.logf(eventlog.LevelLog, "sip.ua", "agent %s closed", a.cfg.URI())
	return errors.Join(errs...)
}

func (a *Agent) iceServers() []webrtc.ICEServer {
	if len(a.cfg.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: a.cfg.STUNURLs}}
}

// parseWSServer maps ws(s)://host[:port] to a sipgo transport and address.
func parseWSServer(raw string) (transport, addr string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("sipua: invalid ws server %q: %w", raw, err)
	}
	port := u.Port()
	switch strings.ToLower(u.Scheme) {
	case "ws":
		transport = "WS"
		if port == "" {
			port = "80"
		}
	case "wss":
		transport = "WSS"
		if port == "" {
			port = "443"
		}
	default:
		return "", "", fmt.Errorf("sipua: ws server %q must use ws or wss", raw)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("sipua: ws server %q has no host", raw)
	}
	return transport, net.JoinHostPort(u.Hostname(), port), nil
}
