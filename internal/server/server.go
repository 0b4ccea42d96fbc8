package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/config"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/pipeline"
)

const shutdownTimeout = 5 * time.Second

// Source is the input source shown by /api/devices. Sessions also report
// their open device paths.
type Source interface {
	Name() string
}

type deviceLister interface {
	DevicePaths() []string
	Status() string
}

// Options configures a Server.
type Options struct {
	Engine *pipeline.Engine
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	Source   Source
	// Config returns the effective configuration for /api/config.
	Config func() *config.Config
	Logger *slog.Logger
}

// Server exposes the engine over HTTP.
type Server struct {
	engine *pipeline.Engine
	source Source
	config func() *config.Config
	log    *slog.Logger
	mux    *http.ServeMux
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		engine: opts.Engine,
		source: opts.Source,
		config: opts.Config,
		log:    opts.Logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	s.registerAPI()
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
