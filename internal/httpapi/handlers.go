package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"softphone-console/internal/calls"
	"softphone-console/internal/eventlog"
	"softphone-console/internal/reporting"
	"softphone-console/internal/session"
	"softphone-console/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Controller is the part of session.Controller the view drives.
type Controller interface {
	StartUserAgent(ctx context.Context) error
	StartSession(ctx context.Context, destination string) error
	StopSession(ctx context.Context) error
	SetHideConfigCard(v bool)
	SetHideLogCard(v bool)
	Snapshot() session.Snapshot
	Watch(fn func(session.Snapshot)) (cancel func())
}

// EventLog is the read side of the trace log.
type EventLog interface {
	Entries(ctx context.Context) ([]eventlog.Entry, error)
	Watch(fn func(eventlog.Entry)) (cancel func())
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call the controller, return JSON.
type Handlers struct {
	Session Controller
	Events  EventLog
	// History and Reports are nil when no history is kept.
	History calls.Repository
	Reports *reporting.Service

	Now func() time.Time
}

// defaultWindow is the history range served when the query names none.
const defaultWindow = 24 * time.Hour

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

func (h Handlers) Log(c *gin.Context) {
	entries, err := h.Events.Entries(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("event log read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) StartAgent(c *gin.Context) {
	if err := h.Session.StartUserAgent(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

type startSessionRequest struct {
	Destination string `json:"destination"`
}

// StartSession dials the body's destination, or the configured one when absent.
func (h Handlers) StartSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if err := h.Session.StartSession(c.Request.Context(), req.Destination); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

func (h Handlers) StopSession(c *gin.Context) {
	if err := h.Session.StopSession(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

type toggleRequest struct {
	Hidden *bool `json:"hidden"`
}

func (h Handlers) SetConfigCard(c *gin.Context) { h.toggle(c, h.Session.SetHideConfigCard) }

func (h Handlers) SetLogCard(c *gin.Context) { h.toggle(c, h.Session.SetHideLogCard) }

func (h Handlers) toggle(c *gin.Context, set func(bool)) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Hidden == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "hidden (bool) required"})
		return
	}
	set(*req.Hidden)
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

// Calls lists history in [from, to), newest first.
func (h Handlers) Calls(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "call history not configured"})
		return
	}
	rng, ok := h.parseRange(c)
	if !ok {
		return
	}
	rows, err := h.History.List(c.Request.Context(), rng.From, rng.To)
	if err != nil {
		logger.FromGin(c).Error("call history read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": rng, "calls": rows})
}

func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "call history not configured"})
		return
	}
	rng, ok := h.parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:       rng,
		Destination: c.Query("destination"),
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("call summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call summary unavailable"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseRange reads RFC 3339 from/to query values, defaulting to the last day.
func (h Handlers) parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	to := h.now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		to = t
	}
	from := to.Add(-defaultWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		from = t
	}
	if !to.After(from) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

// writeError maps controller errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAgentNotInitialized),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrLineBusy):
		status = http.StatusConflict
	case errors.Is(err, session.ErrCallFailed):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Warn("session command failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
