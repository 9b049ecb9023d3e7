// Package api exposes the submission surface over HTTP: submit, cancel,
// stream, status, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/executor"
	"github.com/inferno-ai/inferno/internal/infra/registry"
)

// Server is the Inferno HTTP API server.
type Server struct {
	exec           *executor.Executor
	models         *registry.Manager
	metricsEnabled bool
}

// NewServer creates an API server over the executor.
func NewServer(exec *executor.Executor, models *registry.Manager) *Server {
	return &Server{exec: exec, models: models}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute)) // long for streaming

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := s.exec.Status().Health
		code := http.StatusOK
		if health.Status == "CRITICAL" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/inference", s.handleSubmit)
		r.Get("/inference/{id}/stream", s.handleStream)
		r.Delete("/inference/{id}", s.handleCancel)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/models", s.handleModels)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// submitRequest is the JSON submission body.
type submitRequest struct {
	UserID          string                   `json:"user_id"`
	Priority        int                      `json:"priority"`
	Model           string                   `json:"model"`
	Prompt          string                   `json:"prompt"`
	DeadlineSecs    int64                    `json:"deadline_secs,omitempty"`
	EstimatedTokens uint32                   `json:"estimated_tokens,omitempty"`
	Tags            []string                 `json:"tags,omitempty"`
	Dependencies    []string                 `json:"dependencies,omitempty"`
	Params          *domain.GenerationParams `json:"params,omitempty"`
}

type submitResponse struct {
	RequestID    string `json:"request_id"`
	Backpressure string `json:"backpressure"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	priority := domain.PriorityNormal
	if body.Priority != 0 {
		p, ok := domain.PriorityFromInt(body.Priority)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("priority %d out of range", body.Priority))
			return
		}
		priority = p
	}

	r := domain.NewRequest(body.UserID, priority, body.Model, body.Prompt)
	if body.DeadlineSecs > 0 {
		r = r.WithDeadline(body.DeadlineSecs)
	}
	if body.EstimatedTokens > 0 {
		r = r.WithEstimatedTokens(body.EstimatedTokens)
	}
	r.Tags = body.Tags
	r.Dependencies = body.Dependencies
	if body.Params != nil {
		r.Params = *body.Params
	}

	h, err := s.exec.Submit(r)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrBackpressure):
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, domain.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}

	if r.Params.Stream {
		s.streamTokens(w, req, h)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID:    r.RequestID,
		Backpressure: string(s.exec.Status().Backpressure),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	h, ok := s.exec.Handle(id)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotFound)
		return
	}
	s.streamTokens(w, req, h)
}

// streamTokens writes server-sent events, one per token. A dropped client
// connection cancels the request at the next token boundary.
func (s *Server) streamTokens(w http.ResponseWriter, req *http.Request, h *executor.Handle) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer h.Close()
	for {
		select {
		case <-req.Context().Done():
			return
		case tok, open := <-h.Tokens():
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, _ := json.Marshal(map[string]any{
				"content": tok.Text,
				"done":    tok.Done,
				"error":   errString(tok.Err),
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	result := s.exec.Cancel(id)

	code := http.StatusOK
	switch result {
	case executor.NotFound:
		code = http.StatusNotFound
	case executor.AlreadyRunning:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"request_id": id, "result": string(result)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Metrics())
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusOK, []domain.ModelDescriptor{})
		return
	}
	models, err := s.models.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
