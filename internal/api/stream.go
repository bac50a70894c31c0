package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mboflow/internal/hub"
	"mboflow/internal/metrics"
	"mboflow/logger"
)

// keepAliveInterval is how often an idle SSE stream emits a comment so
// intermediaries do not tear the connection down.
const keepAliveInterval = 15 * time.Second

// handleStream serves the live event stream as server-sent events. The paced
// variant carries the per-second message rate in the path.
func (s *Server) handleStream(c *gin.Context) {
	var limiter *rate.Limiter
	if raw := c.Param("rate"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortError(c, http.StatusBadRequest, "bad_request", "invalid rate: "+raw)
			return
		}
		limiter = rate.NewLimiter(rate.Limit(n), 1)
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		abortError(c, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer sub.Close()

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	log := s.log.WithFields(logger.Fields{"subscriber": sub.ID(), "remote": c.ClientIP()})
	log.Info("sse stream opened")
	defer log.Info("sse stream closed")

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		// A bounded wait per read so idle streams still emit keep-alives.
		nctx, cancel := context.WithTimeout(ctx, keepAliveInterval)
		env, err := sub.Next(nctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if nctx.Err() == context.DeadlineExceeded {
				fmt.Fprint(c.Writer, ": keep-alive\n\n")
				c.Writer.Flush()
				continue
			}
			return
		}

		switch env.Kind {
		case hub.KindLagged:
			fmt.Fprintf(c.Writer, ": lagged %d\n\n", env.Lagged)
		case hub.KindEOF:
			// End of feed: one final empty event, then close.
			fmt.Fprint(c.Writer, "data:\n\n")
			c.Writer.Flush()
			return
		default:
			payload, err := json.Marshal(env.Event)
			if err != nil {
				log.WithError(err).Error("marshal stream event")
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		}
		c.Writer.Flush()
	}
}
