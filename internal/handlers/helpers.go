package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"worktrack-backend/internal/middleware"
	"worktrack-backend/internal/models"
	"worktrack-backend/internal/services"
)

// retryAfterSeconds is advertised on TRANSIENT responses.
const retryAfterSeconds = 2

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	resp := errorResp(code, message, r)
	resp.Error.Fields = fields
	return resp
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", message, r))
}

func handleServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var (
		validation *services.ValidationError
		target     *services.InvalidTargetError
		notFound   *services.NotFoundError
		conflict   *services.ConflictError
		forbidden  *services.ForbiddenError
		transient  *services.TransientError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", validation.Fields, r))
	case errors.As(err, &target):
		writeJSON(w, http.StatusBadRequest, errorResp("INVALID_TARGET", target.Message, r))
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", notFound.Error(), r))
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT_ALREADY_ACTIVE", conflict.Message, r))
	case errors.As(err, &forbidden):
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", forbidden.Message, r))
	case errors.As(err, &transient):
		logger.Warn().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("transient failure")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, errorResp("TRANSIENT", "Temporarily unavailable, please retry", r))
	default:
		logger.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
