// Package api 通过 HTTP 与 WebSocket 暴露控制面命令。
// Package api exposes the control surface over HTTP under /api/v1 and
// streams bus events over a WebSocket.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"localagent/internal/control"
	"localagent/internal/events"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	surface *control.Surface
	hub     *Hub
	log     *zap.Logger
	engine  *gin.Engine
}

// NewServer builds the router. Call Serve to listen, or use Handler with
// an httptest server.
func NewServer(surface *control.Surface, bus *events.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	s := &Server{
		surface: surface,
		hub:     NewHub(bus, log),
		log:     log,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger(log))
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub { return s.hub }

// Serve listens on addr until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
