package services

import (
	"math"
	"time"

	"worktrack-backend/internal/models"
)

const dayLayout = "2006-01-02"

// CloseInterval returns the length of [start, end] in minutes, never negative.
func CloseInterval(start, end time.Time) float64 {
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// Round2 rounds to hundredths, halves away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CurrentTotal is the session's minutes so far, including the running
// interval when active. Every reported total goes through here.
func CurrentTotal(s *models.WorkSession, now time.Time) float64 {
	total := s.AccumulatedMinutes
	if s.Status == models.StatusActive && s.OpenSince != nil {
		total += CloseInterval(*s.OpenSince, now)
	}
	return Round2(total)
}

// ToResponse attaches the live total to a session.
func ToResponse(s *models.WorkSession, now time.Time) models.SessionResponse {
	return models.SessionResponse{
		WorkSession:        *s,
		AccumulatedMinutes: Round2(s.AccumulatedMinutes),
		TotalMinutesNow:    CurrentTotal(s, now),
	}
}

// DayKey formats t as a calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// ParseDay validates a YYYY-MM-DD day key.
func ParseDay(day string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dayLayout, day, loc)
}

// closeRunning appends the running interval as a closed segment and clears
// openSince. The session must be active.
func closeRunning(s *models.WorkSession, end time.Time) []models.Segment {
	if s.OpenSince == nil {
		return nil
	}
	start := *s.OpenSince
	if end.Before(start) {
		end = start
	}
	seg := models.Segment{Seq: s.NextSeq(), Start: start, End: end}
	s.Segments = append(s.Segments, seg)
	s.AccumulatedMinutes += CloseInterval(start, end)
	s.OpenSince = nil
	return []models.Segment{seg}
}
