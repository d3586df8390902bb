package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"streamloop/internal/auth"
	"streamloop/internal/events"
	"streamloop/internal/models"
	"streamloop/internal/observability/logging"
	"streamloop/internal/recovery"
	"streamloop/internal/schedule"
	"streamloop/internal/storage"
	"streamloop/internal/stream"
	"streamloop/internal/videos"
)

// Handler exposes the lifecycle, recovery, scheduling, and video operations
// over HTTP. Authorization happens here, at the boundary: the engines behind
// it take an owner identity as a plain parameter and assume the caller is
// already authorized.
type Handler struct {
	Store      storage.Repository
	Manager    *stream.Manager
	Reconciler *recovery.Reconciler
	Scheduler  *schedule.Scheduler
	Videos     *videos.Library
	Auth       *auth.Authenticator
	Gateway    *events.Gateway
	Notifier   *events.Notifier
	Logger     *slog.Logger
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), logging.WithComponent(base, "api"))
}

// statusForError maps engine failures onto HTTP status codes.
func statusForError(err error) int {
	var validationErr *stream.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrScheduleNotFound),
		errors.Is(err, videos.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSessionIDInUse):
		return http.StatusConflict
	case errors.Is(err, storage.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Health reports process liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Sessions lists the active bucket.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	sessions, err := h.Manager.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// InactiveSessions lists the history bucket.
func (h *Handler) InactiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	sessions, err := h.Manager.ListInactiveSessions(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type startSessionRequest struct {
	Name      string `json:"name"`
	VideoFile string `json:"videoFile"`
	Platform  string `json:"platform"`
	StreamKey string `json:"streamKey"`
}

// StartSession creates a session streaming immediately.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.Manager.CreateSession(r.Context(), stream.CreateParams{
		Name:      req.Name,
		Owner:     owner,
		VideoFile: req.VideoFile,
		Platform:  models.Platform(req.Platform),
		StreamKey: req.StreamKey,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	h.Notifier.SessionsUpdated(r.Context())
	writeJSON(w, http.StatusCreated, session)
}

type stopSessionRequest struct {
	ID string `json:"id"`
}

// StopSession ends a session with the admin stop reason.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req stopSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.Manager.StopSession(r.Context(), req.ID, models.StopReasonAdmin)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	h.Notifier.SessionsUpdated(r.Context())
	writeJSON(w, http.StatusOK, session)
}

type scheduleRequest struct {
	Name            string    `json:"name"`
	VideoFile       string    `json:"videoFile"`
	Platform        string    `json:"platform"`
	StreamKey       string    `json:"streamKey"`
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
}

// Schedules lists schedule records on GET and registers a new deferred start
// on POST.
func (h *Handler) Schedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := h.Scheduler.List(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	case http.MethodPost:
		owner, ok := OwnerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		var req scheduleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		record, err := h.Scheduler.Schedule(r.Context(), schedule.Request{
			Name:            req.Name,
			Owner:           owner,
			VideoFile:       req.VideoFile,
			Platform:        models.Platform(req.Platform),
			StreamKey:       req.StreamKey,
			StartTime:       req.StartTime,
			DurationMinutes: req.DurationMinutes,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		h.Notifier.SchedulesUpdated(r.Context())
		writeJSON(w, http.StatusCreated, record)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

type cancelScheduleRequest struct {
	JobID string `json:"jobId"`
}

// CancelSchedule disarms a pending schedule.
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req cancelScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := h.Scheduler.Cancel(r.Context(), req.JobID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	h.Notifier.SchedulesUpdated(r.Context())
	writeJSON(w, http.StatusOK, record)
}

// RunRecovery triggers one reconciliation pass on demand.
func (h *Handler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	result, err := h.Reconciler.Run(r.Context())
	if err != nil {
		h.logger(r).Error("on-demand reconciliation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	h.Notifier.SessionsUpdated(r.Context())
	h.Notifier.RecoveryCompleted(r.Context(), result)
	writeJSON(w, http.StatusOK, result)
}

// VideoList lists the library contents.
func (h *Handler) VideoList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	names, err := h.Videos.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

type deleteVideoRequest struct {
	Name string `json:"name"`
}

// DeleteVideo removes a file from the library. Videos referenced by active
// sessions are protected; their sessions must be stopped first.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req deleteVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	active, err := h.Manager.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	for _, session := range active {
		if session.VideoFile == req.Name {
			writeError(w, http.StatusConflict,
				fmt.Errorf("video %q is in use by active session %s", req.Name, session.ID))
			return
		}
	}

	if err := h.Videos.Delete(req.Name); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	h.Notifier.VideosUpdated(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"deleted": req.Name})
}

// EventsWebsocket upgrades the client onto the update broadcast stream.
func (h *Handler) EventsWebsocket(w http.ResponseWriter, r *http.Request) {
	h.Gateway.ServeHTTP(w, r)
}
