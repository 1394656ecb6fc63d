package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vidax/internal/job"
	"vidax/internal/logging"
	"vidax/internal/logs"
	"vidax/internal/manifest"
	"vidax/internal/pipeline"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

// Runs is the run surface the server drives.
type Runs interface {
	Create(ctx context.Context, j *job.Job) (pipeline.Result, error)
	Start(ctx context.Context, runID string) (pipeline.Result, error)
	Lookup(runID string) (workdir.Layout, error)
	Status(runID string) (manifest.Manifest, error)
	Logs(ctx context.Context, runID string, opts logs.TailOptions) (logs.TailResult, error)
}

// Server hosts the HTTP API.
type Server struct {
	bind    string
	runs    Runs
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	active   map[string]struct{}
	runGroup sync.WaitGroup
	baseCtx  context.Context
}

// NewServer builds a server bound to bind ("host:port").
func NewServer(bind string, runs Runs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:    strings.TrimSpace(bind),
		runs:    runs,
		logger:  logging.NewComponentLogger(logger, "api-server"),
		active:  map[string]struct{}{},
		baseCtx: context.Background(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on the bind address until ctx is cancelled, then shuts the
// listener down and waits for started runs to finish.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Follow-mode log requests hold the connection for up to maxLogWait.
		WriteTimeout: maxLogWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := group.Wait()
	s.runGroup.Wait()
	return err
}

// startRun executes runID in the background. It reports false when the run
// is already executing in this process.
func (s *Server) startRun(runID string, requestID string) bool {
	s.mu.Lock()
	if _, busy := s.active[runID]; busy {
		s.mu.Unlock()
		return false
	}
	s.active[runID] = struct{}{}
	ctx := services.WithRequestID(s.baseCtx, requestID)
	s.mu.Unlock()

	s.runGroup.Add(1)
	go func() {
		defer s.runGroup.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
		}()
		logger := s.logger.With(logging.String(logging.FieldRunID, runID), logging.String(logging.FieldCorrelationID, requestID))
		res, err := s.runs.Start(ctx, runID)
		if err != nil {
			// The manifest already records the failure.
			logger.Warn("run finished with error", logging.Error(err))
			return
		}
		logger.Info("run finished", logging.String("status", string(res.Status)), logging.String("exit_status", string(res.ExitStatus)))
	}()
	return true
}

func (s *Server) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

func (s *Server) activeRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every started run has returned.
func (s *Server) Wait() { s.runGroup.Wait() }
