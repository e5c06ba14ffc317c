package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-analyst/internal/notify"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/store"
	"github.com/nidhogg/nuka-analyst/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// History is the read side of the run store.
type History interface {
	ListRuns(ctx context.Context, targetID string, limit int) ([]*store.Run, error)
	GetRun(ctx context.Context, taskID string) (*store.Run, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch        *orchestrator.Orchestrator
	history     History
	broadcaster *notify.Broadcaster
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
}

// NewHandler creates a new API handler. history, broadcaster and
// gatherer may be nil; their routes then answer 503 or are not mounted.
func NewHandler(
	orch *orchestrator.Orchestrator,
	history History,
	broadcaster *notify.Broadcaster,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orch:        orch,
		history:     history,
		broadcaster: broadcaster,
		gatherer:    gatherer,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)

		r.Get("/workers", h.listWorkers)
		r.Get("/workers/cycles", h.listCycles)
		r.Get("/workers/{name}", h.getWorker)

		r.Post("/analysis", h.runCustom)
		r.Post("/analysis/batch", h.runBatch)
		r.Post("/analysis/{symbol}/{profile}", h.runProfile)
		r.Get("/analysis/history/{symbol}", h.listHistory)
		r.Get("/analysis/runs/{taskID}", h.getRun)

		r.Get("/notifications", h.listNotifications)
	})

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "nuka-analyst",
		"workers": h.orch.Registry().Len(),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Registry().Snapshots())
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"cycles": h.orch.Registry().Cycles()})
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Registry().SnapshotOf(chi.URLParam(r, "name"))
	if errors.Is(err, registry.ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type analysisRequest struct {
	Symbol         string            `json:"symbol"`
	Workers        []string          `json:"workers"`
	Context        map[string]any    `json:"context,omitempty"`
	Timeout        string            `json:"timeout,omitempty"`
	WorkerTimeouts map[string]string `json:"worker_timeouts,omitempty"`
	Priority       int               `json:"priority,omitempty"`
}

func (req *analysisRequest) options() ([]task.Option, error) {
	opts := []task.Option{task.WithContext(req.Context)}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, &task.InvalidTaskError{Reason: "timeout: " + err.Error()}
		}
		opts = append(opts, task.WithOverallTimeout(d))
	}
	for name, s := range req.WorkerTimeouts {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, &task.InvalidTaskError{Reason: "timeout of " + name + ": " + err.Error()}
		}
		opts = append(opts, task.WithWorkerTimeout(name, d))
	}
	if req.Priority != 0 {
		opts = append(opts, task.WithPriority(req.Priority))
	}
	return opts, nil
}

func (h *Handler) runCustom(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.orchestrate(w, r, task.New(req.Symbol, req.Workers, opts...))
}

func (h *Handler) runProfile(w http.ResponseWriter, r *http.Request) {
	t, err := h.orch.ProfileTask(chi.URLParam(r, "profile"), chi.URLParam(r, "symbol"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	h.orchestrate(w, r, t)
}

func (h *Handler) orchestrate(w http.ResponseWriter, r *http.Request, t *task.Task) {
	out, err := h.orch.Submit(r.Context(), t).Wait(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	// FAILURE outcomes are still a 200; callers check status.
	writeJSON(w, http.StatusOK, out)
}

type batchRequest struct {
	Symbols []string `json:"symbols"`
	Profile string   `json:"profile"`
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbols is required"})
		return
	}
	if req.Profile == "" {
		req.Profile = task.ProfileQuick
	}
	if _, err := h.orch.ProfileTask(req.Profile, req.Symbols[0]); err != nil {
		writeTaskError(w, err)
		return
	}
	res, err := h.orch.Batch(r.Context(), req.Symbols, req.Profile).Wait(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.history.ListRuns(r.Context(), chi.URLParam(r, "symbol"), limit)
	if err != nil {
		h.logger.Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	run, err := h.history.GetRun(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.broadcaster.History(limit))
}

// writeTaskError maps errors from building or validating a task.
func writeTaskError(w http.ResponseWriter, err error) {
	var inv *task.InvalidTaskError
	var reg *registry.RegistryError
	switch {
	case errors.As(err, &inv), errors.As(err, &reg):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, orchestrator.ErrPoolClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
