package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/middleware"
	"worktrack-backend/internal/models"
)

// ManualTimeManager is the manual-time surface the handlers drive.
type ManualTimeManager interface {
	Create(ctx context.Context, ownerID uuid.UUID, in models.ManualTimeInput) (*models.ManualTimeRequest, error)
	ListMine(ctx context.Context, ownerID uuid.UUID) ([]*models.ManualTimeRequest, error)
	List(ctx context.Context, status models.RequestStatus) ([]*models.ManualTimeRequest, error)
	Update(ctx context.Context, ownerID, id uuid.UUID, in models.ManualTimeInput) (*models.ManualTimeRequest, error)
	Delete(ctx context.Context, ownerID, id uuid.UUID) error
	Decide(ctx context.Context, d models.Decision, source string) error
}

type ManualRequestHandler struct {
	manual ManualTimeManager
	logger zerolog.Logger
}

func NewManualRequestHandler(manual ManualTimeManager, logger zerolog.Logger) *ManualRequestHandler {
	return &ManualRequestHandler{manual: manual, logger: logger}
}

func (h *ManualRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in models.ManualTimeInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, "Invalid request body")
		return
	}

	req, err := h.manual.Create(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"request": req})
}

func (h *ManualRequestHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	list, err := h.manual.ListMine(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeRequests(w, list)
}

func (h *ManualRequestHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "Invalid request ID")
		return
	}

	var in models.ManualTimeInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, "Invalid request body")
		return
	}

	req, err := h.manual.Update(r.Context(), middleware.GetUserID(r.Context()), id, in)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (h *ManualRequestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "Invalid request ID")
		return
	}

	if err := h.manual.Delete(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Request deleted"})
}

// List is the admin view, filtered by ?status= (default pending).
func (h *ManualRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.RequestStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.RequestPending
	}

	list, err := h.manual.List(r.Context(), status)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeRequests(w, list)
}

func (h *ManualRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.DecisionApprove)
}

func (h *ManualRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.DecisionReject)
}

func (h *ManualRequestHandler) decide(w http.ResponseWriter, r *http.Request, decision string) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "Invalid request ID")
		return
	}

	err = h.manual.Decide(r.Context(), models.Decision{
		RequestID:  id,
		ReviewerID: middleware.GetUserID(r.Context()),
		Decision:   decision,
	}, "api")
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	status := models.RequestApproved
	if decision == models.DecisionReject {
		status = models.RequestRejected
	}
	writeJSON(w, http.StatusOK, models.RequestEvent{RequestID: id, Status: status})
}

func writeRequests(w http.ResponseWriter, list []*models.ManualTimeRequest) {
	if list == nil {
		list = []*models.ManualTimeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": list})
}
