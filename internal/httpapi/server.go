// Package httpapi serves the operator endpoints of `catalert serve`:
// health, Prometheus metrics, last cycle status, the current listing, and a
// manual cycle trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"catalert/internal/cycle"
	"catalert/internal/listing"
	"catalert/internal/runtime/supervisor"
	logx "catalert/pkg/logx"
)

// Runner is the part of cycle.Runner the API needs.
type Runner interface {
	RunCycle(ctx context.Context) cycle.Result
	Last() (cycle.Result, bool)
}

// SnapshotLoader reads the committed snapshot.
type SnapshotLoader interface {
	LoadCurrent(ctx context.Context) (listing.Snapshot, error)
}

// Deps wires the handlers. Nil optional funcs are omitted from /status.
type Deps struct {
	Runner  Runner
	Store   SnapshotLoader
	Metrics http.Handler
	NextRun func() time.Time
	Tasks   func() []supervisor.TaskStats
	Log     logx.Logger

	// Profiling mounts the runtime profiler under /debug.
	Profiling bool
}

type Server struct {
	addr    string
	deps    Deps
	log     logx.Logger
	started time.Time
	router  chi.Router
}

func New(addr string, deps Deps) *Server {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	s := &Server{addr: addr, deps: deps, log: deps.Log.With(logx.String("comp", "http")), started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/status", s.handleStatus)
	r.Get("/animals", s.handleAnimals)
	r.Get("/animals/{key}", s.handleAnimal)
	r.Post("/cycles", s.handleRunCycle)
	if s.deps.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Uptime    string                 `json:"uptime"`
	LastCycle *cycle.Result          `json:"last_cycle,omitempty"`
	NextRun   *time.Time             `json:"next_run,omitempty"`
	Tasks     []supervisor.TaskStats `json:"tasks,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Uptime: time.Since(s.started).Round(time.Second).String()}
	if last, ok := s.deps.Runner.Last(); ok {
		resp.LastCycle = &last
	}
	if s.deps.NextRun != nil {
		if next := s.deps.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	if s.deps.Tasks != nil {
		resp.Tasks = s.deps.Tasks()
	}
	writeJSON(w, http.StatusOK, resp)
}

type animalsResponse struct {
	CommittedAt time.Time        `json:"committed_at"`
	Count       int              `json:"count"`
	Animals     []listing.Record `json:"animals"`
}

// handleAnimals lists listed records; ?all=1 includes delisted ones.
func (s *Server) handleAnimals(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LoadCurrent(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	all := r.URL.Query().Get("all") == "1"
	out := make([]listing.Record, 0, snap.Len())
	for _, rec := range snap.Sorted() {
		if rec.Listed || all {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, animalsResponse{CommittedAt: snap.CommittedAt, Count: len(out), Animals: out})
}

func (s *Server) handleAnimal(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LoadCurrent(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rec, ok := snap.Records[chi.URLParam(r, "key")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRunCycle runs a cycle synchronously and returns its result. A cycle
// already in progress yields 409.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Runner.RunCycle(r.Context())
	status := http.StatusOK
	switch res.Status {
	case cycle.StatusSkipped:
		status = http.StatusConflict
	case cycle.StatusSoftFailure, cycle.StatusHardFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
