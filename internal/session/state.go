package session

import (
	"errors"
	"time"

	"softphone-console/internal/config"
	"softphone-console/internal/media"
)

var (
	ErrAgentNotInitialized = errors.New("session: agent not initialized")
	ErrSessionActive       = errors.New("session: call already active")
	ErrCallFailed          = errors.New("session: call failed")
	ErrLineBusy            = errors.New("session: line busy")
	ErrClosed              = errors.New("session: controller closed")
)

// State is derived, never stored: a live session means CallActive,
// otherwise a live agent means AgentReady.
type State string

const (
	StateIdle       State = "idle"
	StateAgentReady State = "agent_ready"
	StateCallActive State = "call_active"
)

// Flags are UI booleans. ICEUp follows the session lifecycle; the card
// toggles are plain view preferences.
type Flags struct {
	ICEUp          bool `json:"ice_up"`
	HideConfigCard bool `json:"hide_config_card"`
	HideLogCard    bool `json:"hide_log_card"`
}

// CallInfo describes the active session.
type CallInfo struct {
	SessionID   string    `json:"session_id"`
	CallID      string    `json:"call_id"`
	Destination string    `json:"destination"`
	StartedAt   time.Time `json:"started_at"`
	Negotiating bool      `json:"negotiating"`
	Answered    bool      `json:"answered"`
}

// Snapshot is the read model handed to the view.
type Snapshot struct {
	State    State     `json:"state"`
	HasAgent bool      `json:"has_agent"`
	Session  *CallInfo `json:"session"`

	SessionConfig config.SessionConfig `json:"session_config"`
	AgentConfig   config.AgentConfig   `json:"agent_config"`
	Destination   string               `json:"destination"`

	Flags     Flags        `json:"flags"`
	LastError string       `json:"last_error,omitempty"`
	Audio     *media.Stats `json:"audio,omitempty"`
}
