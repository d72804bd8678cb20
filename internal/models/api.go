package models

import "github.com/google/uuid"

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventSessionUpdate = "session_update"
	EventRequestUpdate = "manual_request_update"
)

type SessionEvent struct {
	Reason  string          `json:"reason"` // "start" | "pause" | "resume" | "stop" | "auto_stop" | "manual_credit" | "heartbeat"
	Session SessionResponse `json:"session"`
}

type RequestEvent struct {
	RequestID uuid.UUID     `json:"request_id"`
	Status    RequestStatus `json:"status"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
