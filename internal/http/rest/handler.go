package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/booth_downloader/internal/downloader"
	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Engine is the part of the scheduler the API drives. *downloader.Downloader implements it.
type Engine interface {
	Enqueue(ctx context.Context, itemID string) ([]storage.DownloadRecord, error)
	Retry(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(itemID string) bool
	CancelAll()
	SyncPurchases(ctx context.Context) (int, error)
	Running() bool
}

// SessionReporter describes the stored marketplace session. *session.Manager implements it.
type SessionReporter interface {
	Describe(ctx context.Context) (session.Info, error)
}

// Trigger asks the service loop for a download run. It must not block.
type Trigger func(opts downloader.RunOptions)

type Handler struct {
	username  string
	password  string
	engine    Engine
	downloads storage.DownloadReadRepository
	sessions  SessionReporter
	trigger   Trigger
	telemetry *telemetry.Telemetry
}

// NewHandler creates the control API handler. Empty credentials disable basic auth.
func NewHandler(
	username, password string,
	engine Engine,
	downloads storage.DownloadReadRepository,
	sessions SessionReporter,
	trigger Trigger,
	t *telemetry.Telemetry,
) *Handler {
	if trigger == nil {
		trigger = func(downloader.RunOptions) {}
	}

	return &Handler{
		username:  username,
		password:  password,
		engine:    engine,
		downloads: downloads,
		sessions:  sessions,
		trigger:   trigger,
		telemetry: t,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" || h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleListDownloads)
	r.Get("/downloads/{id}", h.HandleGetDownload)
	r.Post("/downloads/{id}/retry", h.HandleRetry)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Post("/items/{id}/download", h.HandleEnqueue)
	r.Post("/items/{id}/cancel", h.HandleCancel)
	r.Post("/run/cancel", h.HandleCancelRun)
	r.Post("/sync", h.HandleSync)
	r.Get("/session", h.HandleSession)

	return r
}

type downloadResponse struct {
	ID           int64     `json:"id"`
	ItemID       string    `json:"item_id"`
	FileName     string    `json:"file_name"`
	LocalPath    string    `json:"local_path"`
	State        string    `json:"state"`
	BytesWritten int64     `json:"bytes_written"`
	TotalBytes   *int64    `json:"total_bytes,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toResponse(rec storage.DownloadRecord) downloadResponse {
	return downloadResponse{
		ID:           rec.ID,
		ItemID:       rec.ItemID,
		FileName:     rec.FileName,
		LocalPath:    rec.LocalPath,
		State:        string(rec.State),
		BytesWritten: rec.BytesWritten,
		TotalBytes:   rec.TotalBytes,
		Attempts:     rec.Attempts,
		LastError:    rec.LastError,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func toResponses(recs []storage.DownloadRecord) []downloadResponse {
	out := make([]downloadResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec))
	}

	return out
}

// HandleListDownloads lists downloads, optionally filtered by item_id and state.
func (h *Handler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	filter := storage.DownloadFilter{ItemID: r.URL.Query().Get("item_id")}

	for _, s := range r.URL.Query()["state"] {
		state := storage.State(s)
		switch state {
		case storage.StatePending, storage.StateInProgress, storage.StateCompleted, storage.StateFailed, storage.StatePaused:
			filter.States = append(filter.States, state)
		default:
			writeError(w, r, http.StatusBadRequest, "unknown state "+strconv.Quote(s))

			return
		}
	}

	recs, err := h.downloads.GetDownloads(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, toResponses(recs))
}

func (h *Handler) HandleGetDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := downloadID(w, r)
	if !ok {
		return
	}

	rec, err := h.downloads.GetDownload(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, toResponse(*rec))
}

// HandleRetry re-queues a failed download and starts a run.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	h.requeue(w, r, h.engine.Retry)
}

// HandleResume re-queues a paused download and starts a run.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.requeue(w, r, h.engine.Resume)
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := downloadID(w, r)
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		h.fail(w, r, err)

		return
	}

	rec, err := h.downloads.GetDownload(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	h.trigger(downloader.RunOptions{ItemIDs: []string{rec.ItemID}})

	writeJSON(w, r, http.StatusAccepted, toResponse(*rec))
}

// HandleEnqueue resolves an item's files, queues them and starts a run for the item.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	recs, err := h.engine.Enqueue(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	h.trigger(downloader.RunOptions{ItemIDs: []string{itemID}})

	writeJSON(w, r, http.StatusAccepted, toResponses(recs))
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := h.engine.Cancel(chi.URLParam(r, "id"))

	writeJSON(w, r, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// HandleCancelRun stops the active run; its downloads are paused.
func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	running := h.engine.Running()
	h.engine.CancelAll()

	writeJSON(w, r, http.StatusOK, map[string]bool{"cancelled": running})
}

// HandleSync writes the account's purchases into the item store.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.SyncPurchases(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"synced": n})
}

func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Describe(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, struct {
		session.Info
		Running bool `json:"running"`
	}{info, h.engine.Running()})
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="booth_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func downloadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid download id")

		return 0, false
	}

	return id, true
}

// fail maps engine errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		h.telemetry.RecordSystemError("api", "request_failed")
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "err", err)
	}

	writeError(w, r, status, err.Error())
}

func statusFor(err error) int {
	var (
		notEntitled *transfer.NotEntitledError
		netErr      *transfer.NetworkError
		parseErr    *transfer.ParseError
	)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrClaimLost):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.As(err, &notEntitled):
		return http.StatusForbidden
	case errors.As(err, &netErr), errors.As(err, &parseErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
