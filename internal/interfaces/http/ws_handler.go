package http

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/goroutine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents connect from arbitrary origins
	},
}

// handleWebsocket runs a full duplex agent session. With ?endpoint=uid
// the session binds to a known endpoint immediately and starts the
// delivery consumers; without it the session is driven entirely by the
// protocol messages the agent sends.
func (r *Router) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	session := r.deps.Service.NewSession(&wsTransport{conn: conn}, c.Query("group_id"))
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		session.Close(context.Background())
		_ = conn.Close()
	}()

	if uid := c.Query("endpoint"); uid != "" {
		if err := session.Bind(ctx, uid); err != nil {
			r.log.Infow("websocket bind rejected", "endpoint", uid, "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown endpoint"),
				time.Now().Add(wsWriteWait))
			return
		}
	}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	goroutine.SafeGo(r.log, "ws-keepalive", func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		if err := session.HandleInbound(ctx, payload); err != nil {
			if apperrors.IsAppError(err) || apperrors.IsTransportUnreachable(err) {
				r.log.Infow("inbound message rejected", "error", err)
				continue
			}
			r.log.Warnw("inbound message failed", "error", err)
		}
	}
}

// handleEventsWebsocket streams raw frames of one fanout topic, used by
// operators to observe traffic.
func (r *Router) handleEventsWebsocket(c *gin.Context) {
	topic := c.Query("stream")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream query parameter is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := r.deps.Pool.Fanout(r.deps.Pool.TopicAddress(topic))
	if err := channel.Subscribe(ctx); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream unavailable"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer channel.Unsubscribe()

	// Drain client frames so closes and pongs are processed.
	goroutine.SafeGo(r.log, "events-ws-reader", func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		body, err := channel.Read(ctx, 0)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

// handlePolling delivers endpoint messages as server-sent events for
// clients that cannot hold a websocket.
func (r *Router) handlePolling(c *gin.Context) {
	uid := c.Query("endpoint")
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint query parameter is required"})
		return
	}

	transport := newSSETransport()
	session := r.deps.Service.NewSession(transport, c.Query("group_id"))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		transport.close()
		session.Close(context.Background())
	}()

	if err := session.Bind(ctx, uid); err != nil {
		r.respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case frame := <-transport.events:
			c.SSEvent("message", base64.StdEncoding.EncodeToString(frame))
			c.Writer.Flush()
		case <-keepalive.C:
			c.SSEvent("keepalive", time.Now().Unix())
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
