package stockcounthttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/labstock/reagentd/internal/platform/httpx"
	"github.com/labstock/reagentd/internal/stockcount"
)

// UserHeader carries the acting user when the body does not name one.
const UserHeader = "X-User-ID"

type countService interface {
	RunCount(ctx context.Context, req stockcount.RunCountRequest) (stockcount.RunResult, error)
	Retry(ctx context.Context, req stockcount.RetryRequest) (stockcount.RunResult, error)
	GetCount(ctx context.Context, id string) (stockcount.CompletedCount, error)
	ListCounts(ctx context.Context, limit int) ([]stockcount.CompletedCount, error)
}

type countQueue interface {
	EnqueueStockCountRun(ctx context.Context, req stockcount.RunCountRequest) (*asynq.TaskInfo, error)
	EnqueueStockCountRetry(ctx context.Context, req stockcount.RetryRequest) (*asynq.TaskInfo, error)
}

// Handler exposes count submission, retry and read endpoints.
type Handler struct {
	logger      *slog.Logger
	service     countService
	queue       countQueue
	validate    *validator.Validate
	submitLimit int
}

// NewHandler constructs the handler. Without a queue every submission runs
// inline. submitLimit caps submissions per client per minute.
func NewHandler(logger *slog.Logger, service countService, queue countQueue, submitLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if submitLimit <= 0 {
		submitLimit = 10
	}
	return &Handler{
		logger:      logger,
		service:     service,
		queue:       queue,
		validate:    validator.New(),
		submitLimit: submitLimit,
	}
}

// MountRoutes registers the /counts routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/counts", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(h.submitLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/", h.submit)
			r.Post("/{id}/retry", h.retry)
		})
	})
}

// Accepted is returned when a count was queued.
type Accepted struct {
	TaskID    string `json:"task_id"`
	Queue     string `json:"queue"`
	Type      string `json:"type"`
	StatusURL string `json:"status_url"`
}

type retryBody struct {
	UserID string `json:"user_id"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req stockcount.RunCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(r.Header.Get(UserHeader))
	}
	if err := h.validateRequest(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	if h.inline(r) {
		result, err := h.service.RunCount(r.Context(), req)
		h.respondResult(w, result, err)
		return
	}
	info, err := h.queue.EnqueueStockCountRun(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue count run", slog.String("draft_id", req.DraftID), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusAccepted, accepted(info))
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	var body retryBody
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	req := stockcount.RetryRequest{CompletedCountID: chi.URLParam(r, "id"), UserID: body.UserID}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(r.Header.Get(UserHeader))
	}
	if err := h.validateRequest(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	if h.inline(r) {
		result, err := h.service.Retry(r.Context(), req)
		h.respondResult(w, result, err)
		return
	}
	if _, err := h.service.GetCount(r.Context(), req.CompletedCountID); err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	info, err := h.queue.EnqueueStockCountRetry(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue count retry", slog.String("completed_count_id", req.CompletedCountID), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusAccepted, accepted(info))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.GetCount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, NewCountView(count))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation))
			return
		}
		limit = n
	}
	counts, err := h.service.ListCounts(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	views := make([]CountView, 0, len(counts))
	for _, c := range counts {
		views = append(views, NewCountView(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"counts": views})
}

func (h *Handler) respondResult(w http.ResponseWriter, result stockcount.RunResult, err error) {
	if err != nil {
		if result.CompletedCountID != "" {
			h.logger.Warn("count interrupted", slog.String("completed_count_id", result.CompletedCountID), slog.Any("error", err))
		}
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) inline(r *http.Request) bool {
	if h.queue == nil {
		return true
	}
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	return sync
}

func (h *Handler) validateRequest(v any) error {
	if err := h.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func accepted(info *asynq.TaskInfo) Accepted {
	if info == nil {
		return Accepted{}
	}
	return Accepted{
		TaskID:    info.ID,
		Queue:     info.Queue,
		Type:      info.Type,
		StatusURL: "/jobs/tasks/" + info.ID,
	}
}

// mapError translates engine errors into httpx sentinels.
func mapError(err error) error {
	switch {
	case errors.Is(err, stockcount.ErrCountNotFound),
		errors.Is(err, stockcount.ErrItemNotFound),
		errors.Is(err, stockcount.ErrDraftNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, stockcount.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, stockcount.ErrDuplicateSubmission):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, stockcount.ErrRunInProgress),
		errors.Is(err, stockcount.ErrNoTrackedItems):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, stockcount.ErrLockLost):
		return fmt.Errorf("%w: %v, retry the completed count to resume", httpx.ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: count interrupted, retry the completed count to resume", httpx.ErrUnavailable)
	}
	return err
}
