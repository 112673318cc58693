package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pkt.systems/dockerrunner/core"
	"pkt.systems/dockerrunner/internal/logx"
	"pkt.systems/dockerrunner/internal/version"
	"pkt.systems/dockerrunner/schema"
)

const (
	msgInvalidCount     = "Invalid parameter. Please provide a positive number."
	msgSequentialFailed = "Failed to create containers"
	msgParallelFailed   = "Failed to create containers in parallel"
	maxRequestBodyBytes = 1 << 20
)

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	service core.Service
	metrics http.Handler
}

// NewServer constructs an HTTP server. A nil metrics handler disables /metrics.
func NewServer(cfg Config, service core.Service, metrics http.Handler) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		metrics: metrics,
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestLogging)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/containers", func(r chi.Router) {
		r.Post("/", s.handleSpinBody(schema.ModeSequential))
		r.Post("/parallel", s.handleSpinBody(schema.ModeParallel))
		r.Get("/parallel/{number}", s.handleSpinPath(schema.ModeParallel))
		r.Get("/{number}", s.handleSpinPath(schema.ModeSequential))
	})
	return r
}

type spinResponse struct {
	Success        bool                `json:"success"`
	BatchID        schema.BatchID      `json:"batchId"`
	Mode           schema.Mode         `json:"mode"`
	ContainersSpun int                 `json:"containersSpun"`
	ExecutionTime  string              `json:"executionTime,omitempty"`
	Results        []schema.UnitResult `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Describe())
}

func (s *Server) handleSpinBody(mode schema.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("mode", mode)
		var payload struct {
			Number any `json:"number"`
		}
		if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &payload); err != nil {
			log.Warn("http spin decode failed", "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": msgInvalidCount})
			return
		}
		count, err := schema.CountFromJSON(payload.Number)
		if err != nil {
			log.Warn("http spin rejected", "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": msgInvalidCount})
			return
		}
		s.spin(w, r, mode, count)
	}
}

func (s *Server) handleSpinPath(mode schema.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := schema.ParseCount(chi.URLParam(r, "number"))
		if err != nil {
			logx.Ctx(r.Context()).Warn("http spin rejected", "mode", mode, "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": msgInvalidCount})
			return
		}
		s.spin(w, r, mode, count)
	}
}

// spin runs the batch detached from the client connection. A disconnecting
// client abandons the response, not the containers.
func (s *Server) spin(w http.ResponseWriter, r *http.Request, mode schema.Mode, count int) {
	ctx := context.WithoutCancel(r.Context())
	var (
		result schema.BatchResult
		err    error
	)
	if mode == schema.ModeParallel {
		result, err = s.service.SpinParallel(ctx, count)
	} else {
		result, err = s.service.SpinSequential(ctx, count)
	}
	if err != nil {
		if errors.Is(err, schema.ErrInvalidCount) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": msgInvalidCount})
			return
		}
		msg := msgSequentialFailed
		if mode == schema.ModeParallel {
			msg = msgParallelFailed
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   msg,
			"details": err.Error(),
		})
		return
	}
	resp := spinResponse{
		Success:        true,
		BatchID:        result.BatchID,
		Mode:           result.Mode,
		ContainersSpun: result.RequestedCount,
		Results:        result.Results,
	}
	if result.Mode == schema.ModeParallel {
		resp.ExecutionTime = formatElapsed(result.Elapsed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func formatElapsed(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.UseNumber()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
