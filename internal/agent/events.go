package agent

// Event is the closed set of session notifications. Only this package
// can add variants; consumers switch over the concrete types.
type Event interface {
	isEvent()
	Name() string
}

// EventHandler receives events for one session.
type EventHandler func(s Session, ev Event)

// NegotiationStarted fires once the session-description handler exists.
type NegotiationStarted struct{}

// InviteSent fires once the INVITE has been handed to the transport.
type InviteSent struct{}

// MediaReady carries the first remote media stream.
type MediaReady struct {
	Stream Stream
}

// ICEClosed reports that peer connectivity is gone.
type ICEClosed struct{}

// Failed reports that origination was rejected after Call returned.
type Failed struct {
	Err error
	// Code is the final SIP status when one was received, else 0.
	Code int
}

func (NegotiationStarted) isEvent() {}
func (InviteSent) isEvent()         {}
func (MediaReady) isEvent()         {}
func (ICEClosed) isEvent()          {}
func (Failed) isEvent()             {}

func (NegotiationStarted) Name() string { return "negotiation_started" }
func (InviteSent) Name() string         { return "invite_sent" }
func (MediaReady) Name() string         { return "media_ready" }
func (ICEClosed) Name() string          { return "ice_closed" }
func (Failed) Name() string             { return "failed" }
