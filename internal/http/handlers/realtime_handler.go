// README: Realtime handlers: SSE stream and WebSocket sink over the hub.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"propmove/internal/http/middleware"
	"propmove/internal/modules/realtime"
	"propmove/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Client frames are only read to notice disconnects.
	maxMessageSize = 512
)

type RealtimeHub interface {
	Subscribe(userID types.ID, role types.Role, sink realtime.Sink) *realtime.Subscription
	Unsubscribe(sub *realtime.Subscription)
	SendToUser(userID types.ID, event string, data any)
	BroadcastToRole(role types.Role, event string, data any)
	Health() realtime.Health
}

type RealtimeHandler struct {
	hub       RealtimeHub
	keepAlive time.Duration
	buffer    int
	upgrader  websocket.Upgrader
	log       logrus.FieldLogger
}

func NewRealtimeHandler(hub RealtimeHub, keepAlive time.Duration, buffer int, log logrus.FieldLogger) *RealtimeHandler {
	if keepAlive <= 0 {
		keepAlive = 20 * time.Second
	}
	return &RealtimeHandler{
		hub:       hub,
		keepAlive: keepAlive,
		buffer:    buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the gateway in front of this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("module", "realtime_http"),
	}
}

func pingPayload(now time.Time) string {
	return fmt.Sprintf(`{"ts":%d}`, now.Unix())
}

// Stream serves server-sent events until the client goes away.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	caller := middleware.Caller(c)
	sink := realtime.NewChanSink(h.buffer)
	sub := h.hub.Subscribe(caller.ID, caller.Role, sink)
	defer h.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sink.Events():
			c.SSEvent(e.Name, string(e.Data))
		case now := <-ticker.C:
			c.SSEvent(realtime.EventPing, pingPayload(now))
		}
		c.Writer.Flush()
	}
}

// WebSocket serves the same events as Stream over a WebSocket connection.
func (h *RealtimeHandler) WebSocket(c *gin.Context) {
	caller := middleware.Caller(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	sink := realtime.NewChanSink(h.buffer)
	sub := h.hub.Subscribe(caller.ID, caller.Role, sink)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sink)
}

func (h *RealtimeHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket closed")
			}
			return
		}
	}
}

func (h *RealtimeHandler) writePump(ctx context.Context, conn *websocket.Conn, sink *realtime.ChanSink) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case e := <-sink.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
