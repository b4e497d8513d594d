// Package webhook accepts chat updates over HTTP and hands them to the
// dispatcher in the background.
package webhook

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/kyushbot/cmdgate/internal/gate"
	"github.com/kyushbot/cmdgate/internal/platform/httpx"
)

// SecretHeader carries the shared secret configured with the bot API.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBodyBytes = 1 << 20

// Update results, used as the metrics label.
const (
	ResultAccepted     = "accepted"
	ResultIgnored      = "ignored"
	ResultBadRequest   = "bad_request"
	ResultUnauthorized = "unauthorized"
	ResultBusy         = "busy"
)

// Dispatcher runs one message through the gate.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg gate.Message) gate.Outcome
}

// UpdateRecorder counts webhook results.
type UpdateRecorder interface {
	ObserveUpdate(result string)
}

// Config configures a Handler.
type Config struct {
	Secret      string
	Concurrency int64
	Logger      *slog.Logger
	Metrics     UpdateRecorder
}

// Handler is the webhook endpoint.
type Handler struct {
	dispatcher Dispatcher
	secret     []byte
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	logger     *slog.Logger
	metrics    UpdateRecorder
}

// NewHandler constructs a Handler.
func NewHandler(dispatcher Dispatcher, cfg Config) *Handler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		secret:     []byte(cfg.Secret),
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// MountRoutes attaches the webhook route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleUpdate)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if len(h.secret) > 0 && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), h.secret) != 1 {
		h.observe(ResultUnauthorized)
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "secret token mismatch")
		return
	}

	var update Update
	if err := httpx.DecodeJSON(w, r, &update, maxBodyBytes); err != nil {
		h.logger.Warn("decode update", slog.Any("error", err))
		h.observe(ResultBadRequest)
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed update")
		return
	}
	msg, ok := update.GateMessage()
	if !ok {
		h.respond(w, http.StatusOK, ResultIgnored)
		return
	}

	// a non-2xx answer makes the bot API redeliver the update later
	if !h.sem.TryAcquire(1) {
		h.logger.Warn("dispatch capacity exhausted", slog.Int64("update_id", update.UpdateID))
		h.respond(w, http.StatusServiceUnavailable, ResultBusy)
		return
	}
	h.wg.Add(1)
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.wg.Done()
		defer h.sem.Release(1)
		h.dispatcher.Dispatch(ctx, msg)
	}()
	h.respond(w, http.StatusOK, ResultAccepted)
}

type updateResponse struct {
	Result string `json:"result"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, result string) {
	h.observe(result)
	httpx.JSON(w, status, updateResponse{Result: result})
}

func (h *Handler) observe(result string) {
	if h.metrics != nil {
		h.metrics.ObserveUpdate(result)
	}
}

// Shutdown waits for in-flight dispatches or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
