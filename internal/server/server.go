// Package server exposes training jobs over HTTP: a job is created with a
// POST and its events are streamed over a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/juicywoowowow/flowtrain/internal/store"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

// Runner runs training requests. *trainer.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req trainer.Request) iter.Seq[trainer.Event]
}

// Config holds configuration for the server.
type Config struct {
	Runner Runner
	Store  *store.Store
	Addr   string
	Logger *slog.Logger

	// OriginPatterns lists the hosts allowed to open cross-origin
	// WebSockets. Same-origin requests are always allowed.
	OriginPatterns []string

	// NewID generates job ids. Defaults to random UUIDs.
	NewID func() string
}

// Server serves the job API.
type Server struct {
	runner  Runner
	store   *store.Store
	addr    string
	logger  *slog.Logger
	origins []string
	newID   func() string

	mu      sync.Mutex
	pending map[string]trainer.Request // created, not yet streamed
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{
		runner:  cfg.Runner,
		store:   cfg.Store,
		addr:    cfg.Addr,
		logger:  cfg.Logger,
		origins: cfg.OriginPatterns,
		newID:   cfg.NewID,
		pending: make(map[string]trainer.Request),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/training", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{jobID}", s.handleGet)
	})
	r.Get("/ws/training/{jobID}", s.handleStream)
	return r
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting server", "addr", ln.Addr().String())

	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// handleStart registers a job. Training settings missing from the body take
// their defaults; everything else is checked when the job runs.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req := trainer.Request{Config: trainer.DefaultConfig()}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.DatasetID == "" {
		writeError(w, http.StatusBadRequest, "dataset_id is required")
		return
	}

	req.JobID = s.newID()
	if _, err := s.store.Create(r.Context(), req.JobID, req.DatasetID, req.Config); err != nil {
		s.logger.Error("create job", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	s.mu.Lock()
	s.pending[req.JobID] = req
	s.mu.Unlock()

	s.logger.Info("job created", "job_id", req.JobID, "dataset", req.DatasetID)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": req.JobID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// claim hands the request of a pending job to exactly one stream.
func (s *Server) claim(id string) (trainer.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	delete(s.pending, id)
	return req, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError replies with {"detail": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
