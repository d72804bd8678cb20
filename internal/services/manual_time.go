package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/metrics"
	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

const (
	maxRequestedMinutes = 24 * 60
	bucketNote          = "manual time"
)

// ManualTimeService handles manual time requests and credits approved ones
// into a bucket session.
type ManualTimeService struct {
	store   repository.Store
	targets *TargetResolver
	events  EventPublisher
	clock   Clock
	loc     *time.Location
	anchor  time.Duration
	logger  zerolog.Logger
}

// NewManualTimeService builds the service. anchor is the offset from midnight
// where the first synthetic segment of a day starts.
func NewManualTimeService(store repository.Store, targets *TargetResolver, events EventPublisher, clock Clock, loc *time.Location, anchor time.Duration, logger zerolog.Logger) *ManualTimeService {
	if events == nil {
		events = NopPublisher{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &ManualTimeService{
		store:   store,
		targets: targets,
		events:  events,
		clock:   clock,
		loc:     loc,
		anchor:  anchor,
		logger:  logger.With().Str("component", "manual-time").Logger(),
	}
}

// ParseAnchor parses an "HH:MM" start-of-day anchor.
func ParseAnchor(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid anchor %q: want HH:MM", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (s *ManualTimeService) validate(ctx context.Context, in models.ManualTimeInput) (models.TaskTarget, models.TaskType, error) {
	fields := map[string]string{}
	if _, err := ParseDay(in.Day, s.loc); err != nil {
		fields["day"] = "Must be a YYYY-MM-DD date"
	}
	if in.RequestedMinutes <= 0 {
		fields["requested_minutes"] = "Must be greater than zero"
	} else if in.RequestedMinutes > maxRequestedMinutes {
		fields["requested_minutes"] = "Must not exceed one day"
	}
	taskType := in.TaskType
	if taskType == "" {
		taskType = models.DefaultTaskType
	}
	if !taskType.Valid() {
		fields["task_type"] = "Unknown task type"
	}
	if len(fields) > 0 {
		return models.TaskTarget{}, "", &ValidationError{Fields: fields}
	}

	target, err := models.ParseTaskTarget(in.ProjectID, in.CustomTask)
	if err != nil {
		return models.TaskTarget{}, "", &InvalidTargetError{Message: err.Error()}
	}
	if _, err := s.targets.Resolve(ctx, target); err != nil {
		return models.TaskTarget{}, "", err
	}
	return target, taskType, nil
}

func (s *ManualTimeService) Create(ctx context.Context, ownerID uuid.UUID, in models.ManualTimeInput) (*models.ManualTimeRequest, error) {
	target, taskType, err := s.validate(ctx, in)
	if err != nil {
		return nil, err
	}
	req := &models.ManualTimeRequest{
		OwnerID:          ownerID,
		Day:              in.Day,
		RequestedMinutes: in.RequestedMinutes,
		Target:           target,
		TaskType:         taskType,
		Text:             strings.TrimSpace(in.Text),
		Status:           models.RequestPending,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.store.Repos().Requests.Create(ctx, req); err != nil {
		return nil, storeErr(fmt.Errorf("create manual request: %w", err))
	}
	return req, nil
}

func (s *ManualTimeService) ListMine(ctx context.Context, ownerID uuid.UUID) ([]*models.ManualTimeRequest, error) {
	list, err := s.store.Repos().Requests.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

func (s *ManualTimeService) List(ctx context.Context, status models.RequestStatus) ([]*models.ManualTimeRequest, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "Must be pending, approved or rejected"}}
	}
	list, err := s.store.Repos().Requests.ListByStatus(ctx, status)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

// Update edits a request while it is still pending.
func (s *ManualTimeService) Update(ctx context.Context, ownerID, id uuid.UUID, in models.ManualTimeInput) (*models.ManualTimeRequest, error) {
	target, taskType, err := s.validate(ctx, in)
	if err != nil {
		return nil, err
	}
	req := &models.ManualTimeRequest{
		ID:               id,
		OwnerID:          ownerID,
		Day:              in.Day,
		RequestedMinutes: in.RequestedMinutes,
		Target:           target,
		TaskType:         taskType,
		Text:             strings.TrimSpace(in.Text),
		UpdatedAt:        s.clock.Now(),
	}
	err = s.store.Repos().Requests.UpdatePending(ctx, req)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "pending manual request"}
	}
	if err != nil {
		return nil, storeErr(err)
	}
	updated, err := s.store.Repos().Requests.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}

func (s *ManualTimeService) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	err := s.store.Repos().Requests.DeletePending(ctx, id, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Resource: "pending manual request"}
	}
	return storeErr(err)
}

// Decide applies an approve or reject verdict. source labels where the
// decision came from ("api" or "queue").
func (s *ManualTimeService) Decide(ctx context.Context, d models.Decision, source string) error {
	var err error
	switch d.Decision {
	case models.DecisionApprove:
		err = s.Approve(ctx, d.RequestID, d.ReviewerID)
	case models.DecisionReject:
		err = s.Reject(ctx, d.RequestID, d.ReviewerID)
	default:
		return &ValidationError{Fields: map[string]string{"decision": "Must be approve or reject"}}
	}
	if err == nil {
		metrics.RequestDecisions.WithLabelValues(d.Decision, source).Inc()
	}
	return err
}

func (s *ManualTimeService) authorizeReviewer(ctx context.Context, reviewerID uuid.UUID) error {
	u, err := s.store.Repos().Users.GetByID(ctx, reviewerID)
	if errors.Is(err, repository.ErrNotFound) {
		return &ForbiddenError{Message: "Reviewer is not allowed to decide requests"}
	}
	if err != nil {
		return storeErr(err)
	}
	if u.Role != models.RoleAdmin {
		return &ForbiddenError{Message: "Reviewer is not allowed to decide requests"}
	}
	return nil
}

// Approve claims a pending request and credits its minutes to the bucket
// session for the same owner, day and target, all in one transaction.
func (s *ManualTimeService) Approve(ctx context.Context, id, reviewerID uuid.UUID) error {
	if err := s.authorizeReviewer(ctx, reviewerID); err != nil {
		return err
	}

	now := s.clock.Now()
	var (
		bucket *models.WorkSession
		req    *models.ManualTimeRequest
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		req, err = r.Requests.Claim(ctx, id, models.RequestApproved, reviewerID, now)
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "pending manual request"}
		}
		if err != nil {
			return fmt.Errorf("claim request: %w", err)
		}

		bucket, err = s.bucketFor(ctx, r, req, now)
		if err != nil {
			return err
		}

		seg := s.syntheticSegment(bucket, req)
		bucket.Segments = append(bucket.Segments, seg)
		bucket.AccumulatedMinutes += req.RequestedMinutes
		bucket.UpdatedAt = now

		err = r.Sessions.Update(ctx, bucket, []models.Segment{seg})
		switch {
		case errors.Is(err, repository.ErrStale):
			return &TransientError{Err: err}
		case errors.Is(err, repository.ErrDuplicateSource):
			return &ConflictError{Message: "Request was already credited"}
		case err != nil:
			return fmt.Errorf("credit bucket session: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.decisionErr(err)
	}

	metrics.ManualMinutesCredited.Add(req.RequestedMinutes)
	s.logger.Info().
		Str("request_id", id.String()).
		Str("session_id", bucket.ID.String()).
		Float64("minutes", req.RequestedMinutes).
		Msg("manual time credited")

	s.events.Publish(ctx, req.OwnerID, models.WSMessage{
		Type:    models.EventSessionUpdate,
		Payload: models.SessionEvent{Reason: "manual_credit", Session: ToResponse(bucket, now)},
	})
	s.publishRequest(ctx, req)
	return nil
}

// bucketFor returns the most recent session for the request's owner, day and
// target, creating a stopped one when none exists.
func (s *ManualTimeService) bucketFor(ctx context.Context, r repository.Repos, req *models.ManualTimeRequest, now time.Time) (*models.WorkSession, error) {
	if err := r.Sessions.LockBucket(ctx, req.OwnerID, req.Day, req.Target); err != nil {
		return nil, fmt.Errorf("lock bucket: %w", err)
	}
	bucket, err := r.Sessions.FindBucket(ctx, req.OwnerID, req.Day, req.Target)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find bucket session: %w", err)
	}

	name, err := s.targets.ResolveWith(ctx, r.Projects, req.Target)
	if err != nil {
		return nil, err
	}
	bucket = &models.WorkSession{
		OwnerID:    req.OwnerID,
		Target:     req.Target,
		TargetName: name,
		Day:        req.Day,
		Status:     models.StatusStopped,
		Notes:      bucketNote,
		CreatedAt:  now,
	}
	if err := r.Sessions.Create(ctx, bucket); err != nil {
		return nil, fmt.Errorf("create bucket session: %w", err)
	}
	return bucket, nil
}

// syntheticSegment chains the credited minutes after the bucket's last
// segment, or from the day's anchor when it has none.
func (s *ManualTimeService) syntheticSegment(bucket *models.WorkSession, req *models.ManualTimeRequest) models.Segment {
	var start time.Time
	if last, ok := bucket.LastSegment(); ok {
		start = last.End
	} else {
		day, _ := ParseDay(req.Day, s.loc)
		start = time.Date(day.Year(), day.Month(), day.Day(),
			int(s.anchor/time.Hour), int(s.anchor%time.Hour/time.Minute), 0, 0, s.loc)
	}
	source := req.ID
	return models.Segment{
		Seq:             bucket.NextSeq(),
		Start:           start,
		End:             start.Add(time.Duration(req.RequestedMinutes * float64(time.Minute))),
		Manual:          true,
		SourceRequestID: &source,
	}
}

// Reject marks a pending request rejected. No session is touched.
func (s *ManualTimeService) Reject(ctx context.Context, id, reviewerID uuid.UUID) error {
	if err := s.authorizeReviewer(ctx, reviewerID); err != nil {
		return err
	}
	req, err := s.store.Repos().Requests.Claim(ctx, id, models.RequestRejected, reviewerID, s.clock.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Resource: "pending manual request"}
	}
	if err != nil {
		return storeErr(fmt.Errorf("reject request: %w", err))
	}
	s.logger.Info().Str("request_id", id.String()).Msg("manual request rejected")
	s.publishRequest(ctx, req)
	return nil
}

func (s *ManualTimeService) publishRequest(ctx context.Context, req *models.ManualTimeRequest) {
	s.events.Publish(ctx, req.OwnerID, models.WSMessage{
		Type:    models.EventRequestUpdate,
		Payload: models.RequestEvent{RequestID: req.ID, Status: req.Status},
	})
}

func (s *ManualTimeService) decisionErr(err error) error {
	var (
		nf *NotFoundError
		it *InvalidTargetError
		ce *ConflictError
		te *TransientError
	)
	if errors.As(err, &nf) || errors.As(err, &it) || errors.As(err, &ce) || errors.As(err, &te) {
		return err
	}
	return storeErr(err)
}
