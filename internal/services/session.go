package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/metrics"
	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

const maxWriteAttempts = 3

// SessionMeta is optional client metadata carried by lifecycle calls.
type SessionMeta struct {
	Notes      string
	DeviceID   string
	DeviceInfo json.RawMessage
}

func (m SessionMeta) apply(s *models.WorkSession) {
	if m.DeviceID != "" {
		s.DeviceID = m.DeviceID
	}
	if len(m.DeviceInfo) > 0 {
		s.DeviceInfo = m.DeviceInfo
	}
}

// SessionService owns the active/paused/stopped lifecycle of work sessions.
type SessionService struct {
	store   repository.Store
	targets *TargetResolver
	events  EventPublisher
	clock   Clock
	loc     *time.Location
	logger  zerolog.Logger
}

func NewSessionService(store repository.Store, targets *TargetResolver, events EventPublisher, clock Clock, loc *time.Location, logger zerolog.Logger) *SessionService {
	if events == nil {
		events = NopPublisher{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &SessionService{
		store:   store,
		targets: targets,
		events:  events,
		clock:   clock,
		loc:     loc,
		logger:  logger.With().Str("component", "session-service").Logger(),
	}
}

func (s *SessionService) sessions() repository.SessionRepo {
	return s.store.Repos().Sessions
}

// Start opens a new active session for today. Active sessions left over
// from other days are stopped first.
func (s *SessionService) Start(ctx context.Context, ownerID uuid.UUID, target models.TaskTarget, meta SessionMeta) (*models.SessionResponse, error) {
	name, err := s.targets.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	today := DayKey(now, s.loc)

	if err := s.reconcileOtherDays(ctx, ownerID, today); err != nil {
		return nil, err
	}

	open := now
	sess := &models.WorkSession{
		OwnerID:    ownerID,
		Target:     target,
		TargetName: name,
		Day:        today,
		Status:     models.StatusActive,
		OpenSince:  &open,
		Notes:      meta.Notes,
		CreatedAt:  now,
	}
	meta.apply(sess)

	if err := s.sessions().Create(ctx, sess); err != nil {
		if errors.Is(err, repository.ErrDuplicateActive) {
			metrics.SessionTransitions.WithLabelValues("start", "conflict").Inc()
			return nil, &ConflictError{Message: "An active session already exists for today"}
		}
		return nil, storeErr(fmt.Errorf("create session: %w", err))
	}

	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("owner_id", ownerID.String()).
		Str("day", today).
		Msg("session started")
	return s.finish(ctx, "start", sess, now), nil
}

// reconcileOtherDays stops the owner's active sessions keyed to a day other
// than today, crediting time up to their last liveness signal.
func (s *SessionService) reconcileOtherDays(ctx context.Context, ownerID uuid.UUID, today string) error {
	stale, err := s.sessions().ListActiveOutsideDay(ctx, ownerID, today)
	if err != nil {
		return storeErr(fmt.Errorf("list stale sessions: %w", err))
	}

	for _, old := range stale {
		id := old.ID
		sess, err := s.mutate(ctx, func(ctx context.Context) (*models.WorkSession, error) {
			return s.sessions().GetByID(ctx, id)
		}, func(sess *models.WorkSession, now time.Time) ([]models.Segment, error) {
			if sess.Status != models.StatusActive {
				return nil, errAlreadySettled
			}
			return carryOver(sess, now), nil
		})
		if errors.Is(err, errAlreadySettled) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return storeErr(fmt.Errorf("reconcile session %s: %w", id, err))
		}
		s.logger.Info().
			Str("session_id", sess.ID.String()).
			Str("day", sess.Day).
			Msg("stopped session carried over from another day")
		s.finish(ctx, "auto_stop", sess, s.clock.Now())
	}
	return nil
}

var errAlreadySettled = errors.New("session already settled")

// carryOver stops a session left active on another day. Time is credited up
// to its last liveness signal, never past now.
func carryOver(sess *models.WorkSession, now time.Time) []models.Segment {
	var appended []models.Segment
	if sess.OpenSince != nil && sess.LastLivenessAt != nil && sess.LastLivenessAt.After(*sess.OpenSince) {
		end := *sess.LastLivenessAt
		if end.After(now) {
			end = now
		}
		appended = closeRunning(sess, end)
	}
	sess.OpenSince = nil
	sess.Status = models.StatusStopped
	sess.Notes = appendNote(sess.Notes, "auto-stopped: carried over from "+sess.Day)
	return appended
}

// Pause closes the running interval of the owner's active session.
func (s *SessionService) Pause(ctx context.Context, ownerID uuid.UUID, meta SessionMeta) (*models.SessionResponse, error) {
	sess, err := s.mutate(ctx, s.latest(ownerID, "active session", models.StatusActive),
		func(sess *models.WorkSession, now time.Time) ([]models.Segment, error) {
			appended := closeRunning(sess, now)
			sess.Status = models.StatusPaused
			meta.apply(sess)
			return appended, nil
		})
	if err != nil {
		return nil, s.transitionErr("pause", err)
	}
	s.logger.Debug().Str("session_id", sess.ID.String()).Msg("session paused")
	return s.finish(ctx, "pause", sess, s.clock.Now()), nil
}

// Resume reopens the owner's paused session.
func (s *SessionService) Resume(ctx context.Context, ownerID uuid.UUID, meta SessionMeta) (*models.SessionResponse, error) {
	sess, err := s.mutate(ctx, s.latest(ownerID, "paused session", models.StatusPaused),
		func(sess *models.WorkSession, now time.Time) ([]models.Segment, error) {
			open := now
			sess.OpenSince = &open
			sess.Status = models.StatusActive
			meta.apply(sess)
			return nil, nil
		})
	if errors.Is(err, repository.ErrDuplicateActive) {
		metrics.SessionTransitions.WithLabelValues("resume", "conflict").Inc()
		return nil, &ConflictError{Message: "Another session is already active for that day"}
	}
	if err != nil {
		return nil, s.transitionErr("resume", err)
	}
	s.logger.Debug().Str("session_id", sess.ID.String()).Msg("session resumed")
	return s.finish(ctx, "resume", sess, s.clock.Now()), nil
}

// Stop ends the owner's open session. Non-empty notes replace existing ones.
func (s *SessionService) Stop(ctx context.Context, ownerID uuid.UUID, meta SessionMeta) (*models.SessionResponse, error) {
	sess, err := s.mutate(ctx, s.latest(ownerID, "open session", models.StatusActive, models.StatusPaused),
		func(sess *models.WorkSession, now time.Time) ([]models.Segment, error) {
			var appended []models.Segment
			if sess.Status == models.StatusActive {
				appended = closeRunning(sess, now)
			}
			sess.Status = models.StatusStopped
			if meta.Notes != "" {
				sess.Notes = meta.Notes
			}
			meta.apply(sess)
			return appended, nil
		})
	if err != nil {
		return nil, s.transitionErr("stop", err)
	}
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Float64("minutes", Round2(sess.AccumulatedMinutes)).
		Msg("session stopped")
	return s.finish(ctx, "stop", sess, s.clock.Now()), nil
}

// Heartbeat records a liveness signal on the owner's open sessions.
func (s *SessionService) Heartbeat(ctx context.Context, ownerID uuid.UUID, deviceID string) (int64, error) {
	n, err := s.sessions().TouchLiveness(ctx, ownerID, s.clock.Now(), deviceID)
	if err != nil {
		return 0, storeErr(fmt.Errorf("record liveness: %w", err))
	}
	metrics.LivenessSignals.Inc()
	return n, nil
}

// Current returns the owner's most recent open session.
func (s *SessionService) Current(ctx context.Context, ownerID uuid.UUID) (*models.SessionResponse, error) {
	sess, err := s.latest(ownerID, "open session", models.StatusActive, models.StatusPaused)(ctx)
	if err != nil {
		return nil, err
	}
	resp := ToResponse(sess, s.clock.Now())
	return &resp, nil
}

// ListMine lists the owner's sessions between two day keys, inclusive.
func (s *SessionService) ListMine(ctx context.Context, ownerID uuid.UUID, from, to string) ([]models.SessionResponse, error) {
	if err := s.validateRange(from, to); err != nil {
		return nil, err
	}
	list, err := s.sessions().List(ctx, models.SessionFilter{OwnerID: &ownerID, FromDay: from, ToDay: to})
	if err != nil {
		return nil, storeErr(fmt.Errorf("list sessions: %w", err))
	}
	return s.responses(list, nil), nil
}

// AdminList lists sessions across owners with owner names attached.
func (s *SessionService) AdminList(ctx context.Context, f models.SessionFilter) ([]models.SessionResponse, error) {
	if err := s.validateRange(f.FromDay, f.ToDay); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "Must be active, paused or stopped"}}
	}
	list, err := s.sessions().List(ctx, f)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list sessions: %w", err))
	}

	seen := make(map[uuid.UUID]bool)
	var owners []uuid.UUID
	for _, sess := range list {
		if !seen[sess.OwnerID] {
			seen[sess.OwnerID] = true
			owners = append(owners, sess.OwnerID)
		}
	}
	names, err := s.store.Repos().Users.NamesByIDs(ctx, owners)
	if err != nil {
		return nil, storeErr(fmt.Errorf("resolve owners: %w", err))
	}
	return s.responses(list, names), nil
}

func (s *SessionService) validateRange(from, to string) error {
	fields := map[string]string{}
	if from != "" {
		if _, err := ParseDay(from, s.loc); err != nil {
			fields["from"] = "Must be a YYYY-MM-DD date"
		}
	}
	if to != "" {
		if _, err := ParseDay(to, s.loc); err != nil {
			fields["to"] = "Must be a YYYY-MM-DD date"
		}
	}
	if len(fields) == 0 && from != "" && to != "" && from > to {
		fields["from"] = "Must not be after to"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (s *SessionService) responses(list []*models.WorkSession, names map[uuid.UUID]string) []models.SessionResponse {
	now := s.clock.Now()
	out := make([]models.SessionResponse, 0, len(list))
	for _, sess := range list {
		resp := ToResponse(sess, now)
		resp.OwnerName = names[sess.OwnerID]
		out = append(out, resp)
	}
	return out
}

// latest loads the owner's most recent session in one of statuses, mapping a
// miss to NotFoundError.
func (s *SessionService) latest(ownerID uuid.UUID, what string, statuses ...models.SessionStatus) func(context.Context) (*models.WorkSession, error) {
	return func(ctx context.Context) (*models.WorkSession, error) {
		sess, err := s.sessions().LatestByOwner(ctx, ownerID, statuses...)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: what}
		}
		if err != nil {
			return nil, storeErr(err)
		}
		return sess, nil
	}
}

// mutate re-reads the session, applies fn and writes it back with a version
// check. A concurrent write restarts the cycle, up to maxWriteAttempts.
func (s *SessionService) mutate(
	ctx context.Context,
	load func(context.Context) (*models.WorkSession, error),
	fn func(sess *models.WorkSession, now time.Time) ([]models.Segment, error),
) (*models.WorkSession, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		sess, err := load(ctx)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		appended, err := fn(sess, now)
		if err != nil {
			return nil, err
		}
		sess.UpdatedAt = now

		err = s.sessions().Update(ctx, sess, appended)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, repository.ErrStale) {
			return nil, err
		}
		metrics.SessionConflicts.Inc()
		s.logger.Debug().Str("session_id", sess.ID.String()).Int("attempt", attempt).Msg("session changed concurrently, retrying")
	}
	return nil, &TransientError{Err: repository.ErrStale}
}

func (s *SessionService) transitionErr(transition string, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		metrics.SessionTransitions.WithLabelValues(transition, "not_found").Inc()
		return err
	}
	metrics.SessionTransitions.WithLabelValues(transition, "error").Inc()
	return storeErr(fmt.Errorf("%s session: %w", transition, err))
}

func (s *SessionService) finish(ctx context.Context, reason string, sess *models.WorkSession, now time.Time) *models.SessionResponse {
	metrics.SessionTransitions.WithLabelValues(reason, "ok").Inc()
	resp := ToResponse(sess, now)
	s.events.Publish(ctx, sess.OwnerID, models.WSMessage{
		Type:    models.EventSessionUpdate,
		Payload: models.SessionEvent{Reason: reason, Session: resp},
	})
	return &resp
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + " | " + note
}
