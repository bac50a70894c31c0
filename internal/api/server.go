// Package api exposes the HTTP query surface: market snapshots, the live
// event stream over SSE and WebSocket, and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mboflow/internal/hub"
	"mboflow/internal/market"
	"mboflow/internal/metrics"
	"mboflow/logger"
)

// Server hosts the Gin-powered HTTP API.
type Server struct {
	addr       string
	market     *market.Market
	hub        *hub.Hub
	ready      func() bool
	log        *logger.Entry
	httpServer *http.Server
}

// NewServer constructs the API server. ready reports whether the store is
// open and the feed source could be read; nil means always ready.
func NewServer(addr string, mkt *market.Market, h *hub.Hub, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		addr:   addr,
		market: mkt,
		hub:    h,
		ready:  ready,
		log:    logger.GetLogger().WithComponent("api"),
	}
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	s.log.WithFields(logger.Fields{"address": s.addr}).Info("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestMetrics())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/market/bbo", s.handleBbo)
	router.GET("/api/market/export", s.handleExport)
	router.GET("/api/market/book", s.handleBook)

	router.GET("/api/mbo/stream/json", s.handleStream)
	router.GET("/api/mbo/stream/json/:rate", s.handleStream)
	router.GET("/api/mbo/stream/ws", s.handleStreamWS)

	router.NoRoute(func(c *gin.Context) {
		abortError(c, http.StatusNotFound, "not_found", "no such route: "+c.Request.URL.Path)
	})

	return router, nil
}

// requestMetrics counts every request by method, matched route and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.IncrementHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
	}
}

func abortError(c *gin.Context, status int, kind, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "detail": detail})
}
