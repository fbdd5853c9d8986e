package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/dispatcher"
	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/internal/worker"
	"go.uber.org/zap"
)

// JobService is the part of the dispatcher the API exposes.
type JobService interface {
	Submit(ctx context.Context, variant string, args bot.Arguments) (string, error)
	Revoke(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (*model.ProgressRecord, error)
	List(ctx context.Context, opts *store.ListOptions) ([]model.ProgressRecord, error)
	Variants() []string
}

type Sweeper interface {
	Sweep(ctx context.Context) reaper.Report
	SweepJob(ctx context.Context, jobID string) reaper.Report
}

type Handler struct {
	jobs      JobService
	sweeper   Sweeper
	sweepMode string
	log       *zap.SugaredLogger
}

func NewHandler(jobs JobService, sweeper Sweeper, sweepMode string) *Handler {
	return &Handler{jobs: jobs, sweeper: sweeper, sweepMode: sweepMode, log: zap.S().Named("api")}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.submit)
		r.Get("/jobs", h.list)
		r.Get("/jobs/{id}", h.get)
		r.Delete("/jobs/{id}", h.revoke)
		r.Post("/reaper/sweep", h.sweep)
		r.Get("/variants", h.variants)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := render.Bind(r, &req); err != nil {
		_ = render.Render(w, r, errReply(http.StatusBadRequest, err))
		return
	}

	jobID, err := h.jobs.Submit(r.Context(), req.Variant, req.Arguments)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, SubmitReply{JobID: jobID})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		_ = render.Render(w, r, errReply(http.StatusBadRequest, err))
		return
	}

	records, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	replies := make([]render.Renderer, 0, len(records))
	for _, rec := range records {
		replies = append(replies, newJobReply(rec))
	}
	_ = render.RenderList(w, r, replies)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, newJobReply(*rec))
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.jobs.Revoke(r.Context(), jobID); err != nil {
		h.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, RevokeReply{JobID: jobID})
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("job"); jobID != "" {
		_ = render.Render(w, r, SweepReply{Report: h.sweeper.SweepJob(r.Context(), jobID), JobID: jobID, Mode: reaper.ModeJob})
		return
	}
	_ = render.Render(w, r, SweepReply{Report: h.sweeper.Sweep(r.Context()), Mode: h.sweepMode})
}

func (h *Handler) variants(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, VariantsReply{Variants: h.jobs.Variants()})
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", r.URL.Path, "error", err)
	}
	_ = render.Render(w, r, errReply(code, err))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTerminalRecord):
		return http.StatusConflict
	case errors.Is(err, bot.ErrUnknownVariant), errors.Is(err, store.ErrInvalidUpdate):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped), errors.Is(err, dispatcher.ErrIdentifierExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func listOptions(r *http.Request) (*store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.NewListOptions().WithSortOrder(store.ParseSortOrder(q.Get("order")))
	if q.Get("desc") == "true" {
		opts = opts.Descending()
	}
	if v := q.Get("variant"); v != "" {
		opts = opts.ByVariant(v)
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := model.JobStatus(s)
			if !status.IsValid() {
				return nil, fmt.Errorf("unknown status %q", s)
			}
			opts = opts.ByStatus(status)
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		opts = opts.WithLimit(limit)
	}
	return opts, nil
}
