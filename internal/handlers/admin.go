package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/models"
)

type AdminHandler struct {
	sessions SessionTracker
	logger   zerolog.Logger
}

func NewAdminHandler(sessions SessionTracker, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{sessions: sessions, logger: logger}
}

// Sessions lists work sessions across owners.
// Query: day, from, to, owner, project, device, status, limit.
func (h *AdminHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.SessionFilter{
		DeviceID: q.Get("device"),
		Status:   models.SessionStatus(q.Get("status")),
		FromDay:  q.Get("from"),
		ToDay:    q.Get("to"),
	}
	if day := q.Get("day"); day != "" {
		f.FromDay, f.ToDay = day, day
	}

	fields := map[string]string{}
	if v := q.Get("owner"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			fields["owner"] = "Must be a UUID"
		} else {
			f.OwnerID = &id
		}
	}
	if v := q.Get("project"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			fields["project"] = "Must be a UUID"
		} else {
			f.ProjectID = &id
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fields["limit"] = "Must be a positive integer"
		} else {
			f.Limit = n
		}
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	list, err := h.sessions.AdminList(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []models.SessionResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}
