// Package server implements the producer HTTP endpoint: authenticated job
// submission onto the jobs queue plus a health probe.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/pkg/event"
	"github.com/SauersML/hpc-queue/pkg/jobid"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

// Sender enqueues job messages; satisfied by the queue client.
type Sender interface {
	Send(ctx context.Context, queueID string, body any) error
}

// Config wires a Server.
type Config struct {
	APIKey      string
	JobsQueueID string
	// QueueName is the public queue name echoed in submit responses.
	QueueName string

	Logger *zap.Logger
}

// Server is the producer endpoint.
type Server struct {
	cfg    Config
	sender Sender
	logger *zap.Logger
	router chi.Router
}

func New(cfg Config, sender Sender) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, sender: sender, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requireAPIKey)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/health", s.handleHealth)
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or serving.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("x-api-key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type submitRequest struct {
	Input    map[string]any `json:"input"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil || req.Input == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}

	id, err := jobid.New()
	if err != nil {
		s.logger.Error("mint job id", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "enqueue_failed"})
		return
	}

	msg := event.JobMessage{
		JobID:     id,
		Input:     event.Input(req.Input),
		CreatedAt: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	if err := s.sender.Send(r.Context(), s.cfg.JobsQueueID, msg); err != nil {
		if errors.Is(err, queue.ErrRateLimited) {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "enqueue_rate_limited"})
			return
		}
		s.logger.Error("enqueue job", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "enqueue_failed"})
		return
	}

	queueName := s.cfg.QueueName
	if queueName == "" {
		queueName = "hpc-jobs"
	}
	s.logger.Info("job queued", zap.String("job_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"job_id": id,
		"queue":  queueName,
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(append(b, '\n'))
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("producer listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}
