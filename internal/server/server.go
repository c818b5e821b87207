// Package server exposes the payment gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/AnandSundar/idempotency-gateway"
	"github.com/AnandSundar/idempotency-gateway/internal/config"
	"github.com/AnandSundar/idempotency-gateway/internal/httpx"
	"github.com/AnandSundar/idempotency-gateway/internal/logger"
)

// Server serves the gateway routes
type Server struct {
	cfg    *config.Config
	log    logger.Logger
	engine *gin.Engine
}

// New builds the router. Payments are deduplicated through store; metrics are
// served from gatherer when it is non-nil.
func New(
	cfg *config.Config,
	log logger.Logger,
	store idempotency.Store,
	payments http.Handler,
	gatherer prometheus.Gatherer,
) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(RecoveryMiddleware(log))
	engine.Use(LoggerMiddleware(log))
	engine.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpx.Envelope{Success: true, Message: "Idempotency Gateway", Status: http.StatusOK})
	})

	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	idem := idempotency.Middleware(
		store,
		idempotency.WithHeaderName(cfg.Idempotency.HeaderName),
		idempotency.WithReplayHeader(cfg.Idempotency.ReplayHeader),
		idempotency.WithMaxBodyBytes(cfg.Idempotency.MaxBodyBytes),
		idempotency.WithLogger(log.With("component", "idempotency")),
	)
	engine.POST("/process-payment",
		RequireIdempotencyKey(cfg.Idempotency.HeaderName),
		gin.WrapH(idem(payments)),
	)

	engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "Not found")
	})

	return &Server{cfg: cfg, log: log, engine: engine}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Server running", "addr", srv.Addr, "env", s.cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.log.Info("Server closed")
		return nil
	})
	return g.Wait()
}
