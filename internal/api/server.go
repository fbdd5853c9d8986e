package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"github.com/kubev2v/bot-runner/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	handler  *Handler
	listener net.Listener
}

func New(cfg *config.Config, handler *Handler, listener net.Listener) *Server {
	return &Server{cfg: cfg, handler: handler, listener: listener}
}

// NewRouter wires the middlewares and the job routes. CORS is only enabled
// when allowedOrigins is not empty.
func NewRouter(handler *Handler, registerer prometheus.Registerer, allowedOrigins []string) (*chi.Mux, error) {
	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server", nil)
	if registerer != nil {
		if err := metricMiddleware.Register(registerer); err != nil {
			return nil, err
		}
	}

	router.Use(metricMiddleware.Handler)
	if len(allowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	router.Use(
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
		render.SetContentType(render.ContentTypeJSON),
	)
	handler.RegisterRoutes(router)
	return router, nil
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router, err := NewRouter(s.handler, prometheus.DefaultRegisterer, s.cfg.Service.CorsOrigins)
	if err != nil {
		return err
	}
	srv := http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
