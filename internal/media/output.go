// Package media holds the single audio output the remote stream is played into.
package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"softphone-console/internal/agent"
)

var ErrNoSource = errors.New("media: no stream bound")

// Stats is a running count of what playback consumed.
type Stats struct {
	StreamID string `json:"stream_id,omitempty"`
	Playing  bool   `json:"playing"`
	Packets  int64  `json:"packets"`
	Bytes    int64  `json:"bytes"`
}

// Output drains a bound stream into w. Binding a new stream replaces the old
// one and stops its playback; only one session is ever active.
type Output struct {
	w   io.Writer
	log *slog.Logger

	mu      sync.Mutex
	source  agent.Stream
	gen     uint64
	cancel  context.CancelFunc
	playing bool
	packets int64
	bytes   int64
}

// NewOutput writes payloads to w; a nil w discards them.
func NewOutput(w io.Writer, log *slog.Logger) *Output {
	if w == nil {
		w = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Output{w: w, log: log.With("subsystem", "media")}
}

// Bind sets the source, stopping playback of any previous one.
func (o *Output) Bind(s agent.Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	o.source = s
	o.packets, o.bytes = 0, 0
}

// Play starts draining the bound source in the background.
// Calling it while already playing is a no-op.
func (o *Output) Play(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.source == nil {
		return ErrNoSource
	}
	if o.playing {
		return nil
	}
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.gen++
	o.cancel = cancel
	o.playing = true
	go o.drain(pctx, o.gen, o.source)
	return nil
}

// Source returns the currently bound stream, or nil.
func (o *Output) Source() agent.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

func (o *Output) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{Playing: o.playing, Packets: o.packets, Bytes: o.bytes}
	if o.source != nil {
		st.StreamID = o.source.ID()
	}
	return st
}

// Close stops playback and drops the source.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	o.source = nil
	return nil
}

// stopLocked cancels the running drain without waiting for it: a blocked
// ReadRTP only returns once the remote track goes away.
func (o *Output) stopLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	o.playing = false
}

func (o *Output) drain(ctx context.Context, gen uint64, s agent.Stream) {
	defer func() {
		o.mu.Lock()
		if o.gen == gen {
			o.playing = false
		}
		o.mu.Unlock()
	}()

	for ctx.Err() == nil {
		pkt, err := s.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.log.Debug("remote stream ended", "stream_id", s.ID(), "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := o.w.Write(pkt.Payload); err != nil {
			o.log.Warn("audio write failed", "stream_id", s.ID(), "err", err)
			return
		}
		o.mu.Lock()
		if o.gen == gen {
			o.packets++
			o.bytes += int64(len(pkt.Payload))
		}
		o.mu.Unlock()
	}
}
