package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"softphone-console/internal/agent"
	"softphone-console/internal/eventlog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	eventBuffer   = 16
	hangupTimeout = 5 * time.Second
)

// clientDialog is the part of an INVITE dialog used once a final answer is in.
type clientDialog interface {
	Ack(ctx context.Context) error
	Bye(ctx context.Context) error
	Close() error
}

// Session is one outbound call: a peer connection plus its INVITE dialog.
type Session struct {
	id        string
	a         *Agent
	recipient sip.Uri
	opts      agent.MediaOptions
	handler   agent.EventHandler

	pc    *webrtc.PeerConnection
	audio *webrtc.TrackLocalStaticRTP

	// dial bounds the INVITE transaction; canceling it aborts an unanswered call.
	dial   context.Context
	cancel context.CancelFunc

	events chan agent.Event
	done   chan struct{}

	mu     sync.Mutex
	dialog clientDialog
	// acked is set once the 2xx has been acknowledged. From then on the far
	// end holds a confirmed dialog that only a BYE ends.
	acked      bool
	terminated bool

	mediaOnce sync.Once
	iceOnce   sync.Once
	byeOnce   sync.Once
	byeErr    error
}

func newSession(a *Agent, recipient sip.Uri, opts agent.MediaOptions, h agent.EventHandler) (*Session, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("sipua: peer connection: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		a:         a,
		recipient: recipient,
		opts:      opts,
		handler:   h,
		pc:        pc,
		events:    make(chan agent.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	s.dial, s.cancel = context.WithCancel(context.Background())

	if err := s.addTransceivers(); err != nil {
		s.cancel()
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.trace.logf(eventlog.LevelDebug, "webrtc.track", "remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.mediaOnce.Do(func() {
			s.emit(agent.MediaReady{Stream: remoteStream{track: track}})
		})
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		a.trace.logf(eventlog.LevelLog, "webrtc.ice", "ice connection state %s", st)
		if st == webrtc.ICEConnectionStateClosed || st == webrtc.ICEConnectionStateFailed {
			s.iceOnce.Do(func() { s.emit(agent.ICEClosed{}) })
		}
	})

	go s.dispatch()
	s.emit(agent.NegotiationStarted{})
	return s, nil
}

func (s *Session) addTransceivers() error {
	if s.opts.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "softphone-"+s.id,
		)
		if err != nil {
			return fmt.Errorf("sipua: local audio track: %w", err)
		}
		if _, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("sipua: audio transceiver: %w", err)
		}
		s.audio = track
	}
	if s.opts.Video {
		if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("sipua: video transceiver: %w", err)
		}
	}
	return nil
}

func (s *Session) ID() string { return s.id }

// emit queues ev for the dispatcher. Events after termination are dropped.
func (s *Session) emit(ev agent.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// dispatch delivers events in order on its own goroutine.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			// Queued before Terminate but not yet delivered.
			select {
			case <-s.done:
				return
			default:
			}
			if s.handler != nil {
				s.handler(s, ev)
			}
		}
	}
}

// run offers, dials and holds the dialog until it ends.
func (s *Session) run() {
	t := s.a.trace
	defer s.a.forget(s.id)

	offer, err := s.offer()
	if err != nil {
		s.fail(err, 0)
		return
	}

	dialog, err := s.invite(offer)
	if err != nil {
		s.fail(err, 0)
		return
	}
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		_ = dialog.Close()
		return
	}
	s.dialog = dialog
	s.mu.Unlock()
	s.emit(agent.InviteSent{})

	if err := dialog.WaitAnswer(s.dial, sipgo.AnswerOptions{}); err != nil {
		if s.dial.Err() != nil {
			t.logf(eventlog.LevelLog, "sip.dialog", "invite to %s canceled", s.recipient.String())
			// A 2xx that crossed the CANCEL still needs ACK and BYE.
			if r := dialog.InviteResponse; r != nil && r.IsSuccess() {
				s.confirm(dialog, nil)
			}
			return
		}
		code := 0
		var rerr *sipgo.ErrDialogResponse
		if errors.As(err, &rerr) && rerr.Res != nil {
			code = int(rerr.Res.StatusCode)
		}
		s.fail(fmt.Errorf("invite rejected: %w", err), code)
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(dialog.InviteResponse.Body())}
	if !s.confirm(dialog, s.pc.SetRemoteDescription(answer)) {
		return
	}
	t.logf(eventlog.LevelLog, "sip.dialog", "call to %s answered", s.recipient.String())

	select {
	case <-dialog.Context().Done():
		t.logf(eventlog.LevelLog, "sip.dialog", "dialog with %s ended", s.recipient.String())
		_ = s.pc.Close()
	case <-s.done:
	}
}

// offer builds the local description with all candidates gathered, since
// SIP carries no trickle ICE.
func (s *Session) offer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-s.dial.Done():
		return "", s.dial.Err()
	}
	return s.pc.LocalDescription().SDP, nil
}

// invite sends the INVITE, retrying transport failures with the configured backoff.
func (s *Session) invite(sdp string) (*sipgo.DialogClientSession, error) {
	policy := s.a.cfg.Retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		req := sip.NewRequest(sip.INVITE, *s.recipient.Clone())
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody([]byte(sdp))
		req.SetTransport(s.a.transport)
		req.SetDestination(s.a.addr)

		dialog, err := s.a.dialogs.WriteInvite(s.dial, req)
		if err == nil {
			s.a.trace.logf(eventlog.LevelLog, "sip.dialog", "invite sent to %s (attempt %d)", s.recipient.String(), i)
			return dialog, nil
		}
		lastErr = err
		s.a.trace.logf(eventlog.LevelWarn, "sip.transport", "invite attempt %d/%d failed: %v", i, attempts, err)
		if i == attempts {
			break
		}
		select {
		case <-time.After(policy.Backoff):
		case <-s.dial.Done():
			return nil, s.dial.Err()
		}
	}
	return nil, fmt.Errorf("invite to %s: %w", s.recipient.String(), lastErr)
}

// confirm acknowledges a 2xx, then hangs up if the session was terminated
// meanwhile or the answer could not be applied. It reports whether the call is up.
func (s *Session) confirm(d clientDialog, applyErr error) bool {
	actx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	ackErr := d.Ack(actx)
	cancel()

	s.mu.Lock()
	s.acked = ackErr == nil
	terminated := s.terminated
	s.mu.Unlock()

	switch {
	case ackErr != nil:
		if !terminated {
			s.fail(fmt.Errorf("ack: %w", ackErr), 0)
		}
		return false
	case terminated:
		// Terminate saw no ACK and left the BYE to us.
		s.hangup(d)
		return false
	case applyErr != nil:
		s.hangup(d)
		s.fail(fmt.Errorf("apply answer: %w", applyErr), 0)
		return false
	}
	return true
}

func (s *Session) hangup(d clientDialog) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := s.bye(ctx, d); err != nil {
		s.a.trace.logf(eventlog.LevelWarn, "sip.dialog", "bye to %s failed: %v", s.recipient.String(), err)
	}
}

// bye ends a confirmed dialog at most once, whichever of run and Terminate gets there.
func (s *Session) bye(ctx context.Context, d clientDialog) error {
	s.byeOnce.Do(func() {
		s.byeErr = d.Bye(ctx)
	})
	return s.byeErr
}

func (s *Session) fail(err error, code int) {
	if s.dial.Err() != nil {
		return
	}
	s.a.trace.logf(eventlog.LevelError, "sip.dialog", "call to %s failed: %v", s.recipient.String(), err)
	s.emit(agent.Failed{Err: err, Code: code})
}

// Terminate hangs up an answered call or cancels a pending one. It does not
// wait for event delivery to drain.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	dialog, acked := s.dialog, s.acked
	s.mu.Unlock()

	close(s.done)

	var errs []error
	if dialog != nil && acked {
		if err := s.bye(ctx, dialog); err != nil {
			errs = append(errs, fmt.Errorf("bye: %w", err))
		}
	}
	s.cancel()
	if dialog != nil {
		if err := dialog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	s.a.trace.logf(eventlog.LevelLog, "sip.dialog", "session %s terminated", s.id)
	if len(errs) > 0 {
		return fmt.Errorf("sipua: terminate: %w", errors.Join(errs...))
	}
	return nil
}

// remoteStream exposes the remote audio track as an agent.Stream.
type remoteStream struct {
	track *webrtc.TrackRemote
}

func (r remoteStream) ID() string { return r.track.StreamID() }

func (r remoteStream) ReadRTP() (*rtp.Packet, error) {
	p, _, err := r.track.ReadRTP()
	return p, err
}
