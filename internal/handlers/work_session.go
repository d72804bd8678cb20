package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/middleware"
	"worktrack-backend/internal/models"
	"worktrack-backend/internal/services"
)

// SessionTracker is the lifecycle surface the handlers drive.
type SessionTracker interface {
	Start(ctx context.Context, ownerID uuid.UUID, target models.TaskTarget, meta services.SessionMeta) (*models.SessionResponse, error)
	Pause(ctx context.Context, ownerID uuid.UUID, meta services.SessionMeta) (*models.SessionResponse, error)
	Resume(ctx context.Context, ownerID uuid.UUID, meta services.SessionMeta) (*models.SessionResponse, error)
	Stop(ctx context.Context, ownerID uuid.UUID, meta services.SessionMeta) (*models.SessionResponse, error)
	Heartbeat(ctx context.Context, ownerID uuid.UUID, deviceID string) (int64, error)
	Current(ctx context.Context, ownerID uuid.UUID) (*models.SessionResponse, error)
	ListMine(ctx context.Context, ownerID uuid.UUID, from, to string) ([]models.SessionResponse, error)
	AdminList(ctx context.Context, f models.SessionFilter) ([]models.SessionResponse, error)
}

type WorkSessionHandler struct {
	sessions SessionTracker
	logger   zerolog.Logger
}

func NewWorkSessionHandler(sessions SessionTracker, logger zerolog.Logger) *WorkSessionHandler {
	return &WorkSessionHandler{sessions: sessions, logger: logger}
}

func (h *WorkSessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "Invalid request body")
		return
	}

	target, err := models.ParseTaskTarget(req.ProjectID, req.CustomTask)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("INVALID_TARGET", err.Error(), r))
		return
	}

	sess, err := h.sessions.Start(r.Context(), userID, target, services.SessionMeta{
		Notes:      req.Notes,
		DeviceID:   req.DeviceID,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": sess})
}

func (h *WorkSessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Pause)
}

func (h *WorkSessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Resume)
}

func (h *WorkSessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Stop)
}

type transitionFunc func(ctx context.Context, ownerID uuid.UUID, meta services.SessionMeta) (*models.SessionResponse, error)

func (h *WorkSessionHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	userID := middleware.GetUserID(r.Context())

	var req models.StopSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "Invalid request body")
		return
	}

	sess, err := fn(r.Context(), userID, services.SessionMeta{
		Notes:      req.Notes,
		DeviceID:   req.DeviceID,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (h *WorkSessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "Invalid request body")
		return
	}

	n, err := h.sessions.Heartbeat(r.Context(), userID, req.DeviceID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": n})
}

func (h *WorkSessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Current(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (h *WorkSessionHandler) My(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.sessions.ListMine(r.Context(), middleware.GetUserID(r.Context()), q.Get("from"), q.Get("to"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []models.SessionResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}
