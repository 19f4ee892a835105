package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batch-engine/internal/metrics"
	"batch-engine/internal/models"
	"batch-engine/internal/service"
)

// Engine is the part of the batch engine the HTTP API needs
type Engine interface {
	Processor(name string) (*models.Processor, bool)
	Submit(ctx context.Context, items []any, p *models.Processor, opts models.JobOptions) (string, error)
	Cancel(ctx context.Context, id string) bool
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error)
	GetMetrics() metrics.Snapshot
	GetQueueStats() service.QueueStats
}

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewJobHandler creates a new job handler. A nil gatherer disables the
// Prometheus endpoint.
func NewJobHandler(engine Engine, gatherer prometheus.Gatherer, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JobHandler{
		engine:   engine,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Router builds the API routes
func (h *JobHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/jobs/{id}", h.CancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/queue", h.GetQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)
	r.HandleFunc("/dlq", h.GetDeadLetterQueue).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics/prometheus", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubmitJob handles POST /jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Processor == "" {
		http.Error(w, "processor is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}

	p, ok := h.engine.Processor(req.Processor)
	if !ok {
		http.Error(w, "unknown processor: "+req.Processor, http.StatusNotFound)
		return
	}

	id, err := h.engine.Submit(r.Context(), req.Items, p, models.JobOptions{
		BatchSize:      req.BatchSize,
		MaxConcurrency: req.MaxConcurrency,
		Priority:       req.Priority,
		RetryPolicy:    req.RetryPolicy,
	})
	if err != nil {
		h.writeError(w, "job submission failed", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(models.StatusPending)})
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, "failed to retrieve job", err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /jobs/{id}
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.engine.Cancel(r.Context(), id) {
		if _, err := h.engine.GetJob(r.Context(), id); errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "job can no longer be cancelled", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQueueStats handles GET /queue
func (h *JobHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.GetQueueStats())
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.GetMetrics())
}

// GetDeadLetterQueue handles GET /dlq
func (h *JobHandler) GetDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	dlqJobs, err := h.engine.ListDeadLetterJobs(r.Context())
	if err != nil {
		h.writeError(w, "failed to retrieve dead letter queue", err)
		return
	}
	if dlqJobs == nil {
		dlqJobs = []*models.DeadLetterJob{}
	}
	h.writeJSON(w, http.StatusOK, dlqJobs)
}

func (h *JobHandler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRateLimitExceeded), errors.Is(err, service.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrProcessorConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoItems), errors.Is(err, service.ErrInvalidProcessor), errors.Is(err, service.ErrInvalidRetryPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error(msg, "error", err)
	}
	http.Error(w, msg+": "+err.Error(), status)
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}
