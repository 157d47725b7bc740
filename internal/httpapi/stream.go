package httpapi

import (
	"net/http"
	"time"

	"softphone-console/internal/eventlog"
	"softphone-console/internal/session"
	"softphone-console/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

const (
	MessageState = "state"
	MessageLog   = "log"
)

// StreamMessage is one frame pushed to the view.
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The view is served from its own origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream upgrades to a websocket, sends the current snapshot, then pushes every
// state transition and log entry. A slow reader loses messages rather than
// stalling the controller.
func (h Handlers) Stream(c *gin.Context) {
	log := logger.FromGin(c)
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan StreamMessage, streamBuffer)
	send := func(m StreamMessage) {
		select {
		case out <- m:
		default:
			log.Warn("stream buffer full, message dropped", "type", m.Type)
		}
	}

	send(StreamMessage{Type: MessageState, Data: h.Session.Snapshot()})
	if h.Events != nil {
		cancelLog := h.Events.Watch(func(e eventlog.Entry) {
			send(StreamMessage{Type: MessageLog, Data: e})
		})
		defer cancelLog()
	}
	cancelState := h.Session.Watch(func(s session.Snapshot) {
		send(StreamMessage{Type: MessageState, Data: s})
	})
	defer cancelState()

	// Drain incoming frames so close and pong are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	log.Debug("stream connected")
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-gone:
			log.Debug("stream disconnected")
			return
		case m := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				log.Debug("stream write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
