package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/archive"
	"github.com/zipserve/zipserve/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Option customizes a Server at construction time.
type Option func(*Handler)

// WithProducerFactory replaces the archiver selected by the configuration.
func WithProducerFactory(factory ProducerFactory) Option {
	return func(h *Handler) {
		h.newProducer = factory
	}
}

// Server ties the archive handler to an http.Server with streaming-friendly
// timeouts and graceful shutdown.
type Server struct {
	logger  *zap.Logger
	handler http.Handler
	http    *http.Server
}

// New builds a Server from a validated configuration.
func New(logger *zap.Logger, cfg config.Config, opts ...Option) (*Server, error) {
	h := &Handler{
		root:      afero.NewBasePathFs(afero.NewOsFs(), cfg.Root),
		rootDir:   cfg.Root,
		static:    afero.NewOsFs(),
		indexFile: cfg.IndexFile,
		chunkSize: cfg.ChunkSize,
		delay:     cfg.Delay,
	}

	switch cfg.Archiver {
	case config.ArchiverCommand:
		argv := cfg.ZipCommand
		h.newProducer = func(logger *zap.Logger, dir string) archive.Producer {
			return archive.NewCommandProducer(logger, dir, argv)
		}
	case config.ArchiverBuiltin:
		h.newProducer = func(logger *zap.Logger, dir string) archive.Producer {
			return archive.NewWriterProducer(logger, afero.NewBasePathFs(afero.NewOsFs(), dir))
		}
	default:
		return nil, fmt.Errorf("unknown archiver %q", cfg.Archiver)
	}

	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /archive/{hash}/{$}", h.handleArchive)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	handler := requestLogger(logger, mux)

	return &Server{
		logger:  logger,
		handler: handler,
		http: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			// No WriteTimeout: a throttled archive download legitimately
			// outlives any fixed deadline.
		},
	}, nil
}

// Handler returns the fully wired request handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. In-flight
// downloads get shutdownTimeout to finish before their connections are cut.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing connections", zap.Error(err))
		if cerr := s.http.Close(); cerr != nil {
			return fmt.Errorf("close server: %w", cerr)
		}
	}
	<-errCh
	return nil
}
