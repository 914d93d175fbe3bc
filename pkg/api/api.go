package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/conformoor/pkg/catalog"
	"github.com/ethpandaops/conformoor/pkg/config"
	"github.com/ethpandaops/conformoor/pkg/scheduler"
	"github.com/ethpandaops/conformoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the status server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Deps are the collaborators the status server reads from. It never
// mutates any of them.
type Deps struct {
	Catalog   []string
	Grouper   *catalog.Grouper
	Store     store.Store
	Pool      scheduler.Pool
	TimeoutMS int
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log  logrus.FieldLogger
	cfg  *config.ServerConfig
	fs   afero.Fs
	deps Deps

	inCatalog  map[string]struct{}
	groupSizes map[string]int

	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new status server. The dashboard file is read
// through fs on every request.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	fs afero.Fs,
	deps Deps,
) Server {
	return newServer(log, cfg, fs, deps)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	fs afero.Fs,
	deps Deps,
) *server {
	inCatalog := make(map[string]struct{}, len(deps.Catalog))
	for _, id := range deps.Catalog {
		inCatalog[id] = struct{}{}
	}

	var groupSizes map[string]int
	if deps.Grouper != nil {
		groupSizes = deps.Grouper.Sizes(deps.Catalog)
	}

	return &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		fs:         fs,
		deps:       deps,
		inCatalog:  inCatalog,
		groupSizes: groupSizes,
		done:       make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen(),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen(), err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("Status server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Repeated calls are no-ops.
func (s *server) Stop() error {
	stopped := false

	s.stopOnce.Do(func() {
		close(s.done)

		stopped = true
	})

	if !stopped {
		return nil
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Status server stopped")

	return nil
}
