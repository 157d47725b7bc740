// Package agent defines the capability surface the session controller
// needs from a signaling library. Registration, transport reconnection and
// session-description exchange all live behind it.
package agent

import (
	"context"
	"errors"

	"softphone-console/internal/config"

	"github.com/pion/rtp"
)

var ErrClosed = errors.New("agent: closed")

// TraceFunc receives every trace line the agent emits.
type TraceFunc func(level, category, label, content string)

// Factory builds an agent. Implementations must not block on the network:
// the transport connects in the background.
type Factory func(cfg config.AgentConfig, trace TraceFunc) (Agent, error)

// Agent is a signaling endpoint able to originate calls.
type Agent interface {
	// Call starts dialing and returns as soon as the session exists.
	// Progress is reported through h, from any goroutine.
	Call(ctx context.Context, destination string, opts MediaOptions, h EventHandler) (Session, error)
	Close() error
}

// Session is one call attempt.
type Session interface {
	ID() string
	// Terminate ends the call whatever its progress (cancel, bye or local close).
	Terminate(ctx context.Context) error
}

// MediaOptions are the constraints handed to the media layer.
type MediaOptions struct {
	Audio bool
	Video bool
}

// AudioOnly is what the softphone always asks for.
var AudioOnly = MediaOptions{Audio: true, Video: false}

// Stream is remote media delivered on MediaReady.
type Stream interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
}
