package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusStopped SessionStatus = "stopped"
)

// Open reports whether the session can still be paused, resumed or stopped.
func (s SessionStatus) Open() bool {
	return s == StatusActive || s == StatusPaused
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusStopped:
		return true
	}
	return false
}

// Segment is a closed interval of recorded work. Manual segments are
// synthesized from approved manual time requests.
type Segment struct {
	Seq             int        `json:"seq"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Manual          bool       `json:"manual"`
	SourceRequestID *uuid.UUID `json:"source_request_id,omitempty"`
}

// Minutes returns the segment duration in minutes.
func (s Segment) Minutes() float64 {
	return s.End.Sub(s.Start).Minutes()
}

type WorkSession struct {
	ID                 uuid.UUID       `json:"id"`
	OwnerID            uuid.UUID       `json:"owner_id"`
	Target             TaskTarget      `json:"target"`
	TargetName         string          `json:"target_name"`
	Day                string          `json:"day"`
	Status             SessionStatus   `json:"status"`
	Segments           []Segment       `json:"segments"`
	OpenSince          *time.Time      `json:"open_since"`
	AccumulatedMinutes float64         `json:"accumulated_minutes"`
	Notes              string          `json:"notes"`
	DeviceID           string          `json:"device_id,omitempty"`
	DeviceInfo         json.RawMessage `json:"device_info,omitempty"`
	LastLivenessAt     *time.Time      `json:"last_liveness_at"`
	Version            int64           `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// LastSegment returns the most recently appended segment, if any.
func (s *WorkSession) LastSegment() (Segment, bool) {
	if len(s.Segments) == 0 {
		return Segment{}, false
	}
	return s.Segments[len(s.Segments)-1], true
}

// NextSeq is the sequence number for the next appended segment.
func (s *WorkSession) NextSeq() int {
	if last, ok := s.LastSegment(); ok {
		return last.Seq + 1
	}
	return 1
}

// SessionResponse is the external representation of a session, carrying the
// live total alongside the stored one.
type SessionResponse struct {
	WorkSession
	AccumulatedMinutes float64 `json:"accumulated_minutes"`
	TotalMinutesNow    float64 `json:"total_minutes_now"`
	OwnerName          string  `json:"owner_name,omitempty"`
}

type DeviceMeta struct {
	DeviceID   string          `json:"device_id"`
	DeviceInfo json.RawMessage `json:"device_info"`
}

type StartSessionRequest struct {
	ProjectID  string `json:"project_id"`
	CustomTask string `json:"custom_task"`
	Notes      string `json:"notes"`
	DeviceMeta
}

type StopSessionRequest struct {
	Notes string `json:"notes"`
	DeviceMeta
}

// SessionFilter narrows session listings. Zero values are ignored.
type SessionFilter struct {
	OwnerID   *uuid.UUID
	ProjectID *uuid.UUID
	DeviceID  string
	Status    SessionStatus
	FromDay   string
	ToDay     string
	Limit     int
}
