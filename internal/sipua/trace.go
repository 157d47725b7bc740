package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"softphone-console/internal/agent"
	"softphone-console/internal/eventlog"

	"github.com/pion/logging"
)

// tracer forwards library logging into the agent trace callback,
// dropping lines above the configured level (0 error .. 3 debug).
type tracer struct {
	fn    agent.TraceFunc
	level int
}

func newTracer(fn agent.TraceFunc, level int) *tracer {
	if fn == nil {
		fn = func(string, string, string, string) {}
	}
	return &tracer{fn: fn, level: level}
}

func (t *tracer) emit(level eventlog.Level, category, label, content string) {
	if level.Rank() > t.level {
		return
	}
	t.fn(string(level), category, label, content)
}

func (t *tracer) logf(level eventlog.Level, category, format string, args ...any) {
	t.emit(level, category, "", fmt.Sprintf(format, args...))
}

// slogHandler adapts the tracer for libraries that log through slog.
type slogHandler struct {
	t        *tracer
	category string
	attrs    []slog.Attr
}

func (t *tracer) slogger(category string) *slog.Logger {
	return slog.New(&slogHandler{t: t, category: category})
}

func (h *slogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return slogLevel(l).Rank() <= h.t.level
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	h.t.emit(slogLevel(r.Level), h.category, "", b.String())
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	out := *h
	out.category = h.category + "." + name
	return &out
}

func slogLevel(l slog.Level) eventlog.Level {
	switch {
	case l >= slog.LevelError:
		return eventlog.LevelError
	case l >= slog.LevelWarn:
		return eventlog.LevelWarn
	case l >= slog.LevelInfo:
		return eventlog.LevelLog
	default:
		return eventlog.LevelDebug
	}
}

// pionFactory adapts the tracer to pion's logging.LoggerFactory.
type pionFactory struct{ t *tracer }

func (f pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{t: f.t, category: "webrtc." + scope}
}

type pionLogger struct {
	t        *tracer
	category string
}

func (l pionLogger) Trace(msg string) { l.t.emit(eventlog.LevelDebug, l.category, "trace", msg) }
func (l pionLogger) Tracef(format string, args ...any) {
	l.t.emit(eventlog.LevelDebug, l.category, "trace", fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.t.emit(eventlog.LevelDebug, l.category, "", msg) }
func (l pionLogger) Debugf(format string, args ...any) {
	l.t.logf(eventlog.LevelDebug, l.category, format, args...)
}
func (l pionLogger) Info(msg string) { l.t.emit(eventlog.LevelLog, l.category, "", msg) }
func (l pionLogger) Infof(format string, args ...any) {
	l.t.logf(eventlog.LevelLog, l.category, format, args...)
}
func (l pionLogger) Warn(msg string) { l.t.emit(eventlog.LevelWarn, l.category, "", msg) }
func (l pionLogger) Warnf(format string, args ...any) {
	l.t.logf(eventlog.LevelWarn, l.category, format, args...)
}
func (l pionLogger) Error(msg string) { l.t.emit(eventlog.LevelError, l.category, "", msg) }
func (l pionLogger) Errorf(format string, args ...any) {
	l.t.logf(eventlog.LevelError, l.category, format, args...)
}
