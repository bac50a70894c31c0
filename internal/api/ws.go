package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mboflow/internal/hub"
	"mboflow/internal/metrics"
	"mboflow/logger"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsLagNotice mirrors the SSE lag comment for WebSocket clients.
type wsLagNotice struct {
	Lagged uint64 `json:"lagged"`
}

// handleStreamWS serves the same event stream as the SSE endpoint over a
// WebSocket connection. Events and lag notices arrive as JSON text messages;
// end of feed closes the connection with a normal close frame.
func (s *Server) handleStreamWS(c *gin.Context) {
	sub, err := s.hub.Subscribe()
	if err != nil {
		abortError(c, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	log := s.log.WithFields(logger.Fields{"subscriber": sub.ID(), "remote": c.ClientIP()})
	log.Info("websocket stream opened")
	defer log.Info("websocket stream closed")

	// The read loop only exists to notice the client going away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	s.hub.Go(sub, "ws-read", func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		nctx, tcancel := context.WithTimeout(ctx, keepAliveInterval)
		env, err := sub.Next(nctx)
		tcancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if nctx.Err() == context.DeadlineExceeded {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			return
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		switch env.Kind {
		case hub.KindLagged:
			if err := conn.WriteJSON(wsLagNotice{Lagged: env.Lagged}); err != nil {
				return
			}
		case hub.KindEOF:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of feed")
			conn.WriteMessage(websocket.CloseMessage, msg)
			return
		default:
			if err := conn.WriteJSON(env.Event); err != nil {
				return
			}
		}
	}
}
