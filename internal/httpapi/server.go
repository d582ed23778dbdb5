package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Server is the Validation Service's HTTP front end. It owns nothing but
// the listener and middleware chain; all state lives in the Service it
// wraps.
type Server struct {
	svc        *Service
	logger     *log.Logger
	httpServer *http.Server

	mu      sync.Mutex
	started bool
	addr    string
}

// NewServer builds a Server listening on addr (":0" style addresses pick a
// free port) and registers every route described in the stable HTTP
// surface, with the literal "/validate/active" route registered ahead of
// the "/validate/{job_id}" pattern so it is never captured as a job ID.
func NewServer(addr string, svc *Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if addr == "" {
		addr = "127.0.0.1:8080"
	}

	s := &Server{svc: svc, logger: logger, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /validate", s.handleSubmit)
	mux.HandleFunc("GET /validate/active", s.handleListActive)
	mux.HandleFunc("GET /validate/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /validate/{job_id}/log", s.handleGetLog)
	mux.HandleFunc("GET /task/{task_id}", s.handleGetTask)

	s.httpServer = &http.Server{
		Handler: s.loggingMiddleware(s.recoveryMiddleware(mux)),
	}
	return s
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("httpapi: server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.started = true
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("validation api server error", "error", err)
		}
	}()

	s.logger.Info("validation api server started", "addr", s.addr)
	return nil
}

// Addr returns the listener address. Only meaningful after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs each request's method, path, status, and
// duration, adapted from the teacher gateway's single-purpose middleware
// functions composed by direct nesting rather than a chaining helper.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
		)
	})
}

// recoveryMiddleware turns a panicking handler into a 500 response instead
// of taking down the whole server, the same isolation guarantee
// runWorkSafely gives the worker pool for a panicking Work closure.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", "path", r.URL.Path, "recovered", rec)
				writeError(w, 500, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
