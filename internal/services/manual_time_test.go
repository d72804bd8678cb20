package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
	"worktrack-backend/internal/repository/sqlite"
)

func (f *fixture) request(t *testing.T, minutes float64, in models.ManualTimeInput) *models.ManualTimeRequest {
	t.Helper()
	if in.Day == "" {
		in.Day = "2025-03-10"
	}
	if in.ProjectID == "" && in.CustomTask == "" {
		in.ProjectID = f.project.String()
	}
	in.RequestedMinutes = minutes
	req, err := f.manual.Create(context.Background(), f.owner, in)
	require.NoError(t, err)
	return req
}

func TestApproveCreatesBucketAndChainsSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.request(t, 90, models.ManualTimeInput{Text: "workshop"})
	require.NoError(t, f.manual.Approve(ctx, first.ID, f.admin))

	bucket, err := f.store.Repos().Sessions.FindBucket(ctx, f.owner, "2025-03-10", models.ProjectTarget(f.project))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, bucket.Status)
	assert.Nil(t, bucket.OpenSince)
	assert.Equal(t, 90.0, bucket.AccumulatedMinutes)
	assert.Equal(t, "Apollo", bucket.TargetName)
	require.Len(t, bucket.Segments, 1)
	seg := bucket.Segments[0]
	assert.True(t, seg.Manual)
	assert.True(t, seg.Start.Equal(at(9, 0)))
	assert.InDelta(t, 90.0, seg.Minutes(), 1e-9)
	require.NotNil(t, seg.SourceRequestID)
	assert.Equal(t, first.ID, *seg.SourceRequestID)

	second := f.request(t, 30, models.ManualTimeInput{})
	require.NoError(t, f.manual.Approve(ctx, second.ID, f.admin))

	again, err := f.store.Repos().Sessions.GetByID(ctx, bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, again.AccumulatedMinutes)
	require.Len(t, again.Segments, 2)
	assert.True(t, again.Segments[1].Start.Equal(again.Segments[0].End))
	assert.InDelta(t, 30.0, again.Segments[1].Minutes(), 1e-9)

	req, err := f.store.Repos().Requests.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, req.Status)
	require.NotNil(t, req.ReviewerID)
	assert.Equal(t, f.admin, *req.ReviewerID)
	require.NotNil(t, req.ReviewedAt)
}

func TestApproveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := f.request(t, 45, models.ManualTimeInput{CustomTask: "Review"})
	require.NoError(t, f.manual.Approve(ctx, req.ID, f.admin))

	var nf *NotFoundError
	assert.ErrorAs(t, f.manual.Approve(ctx, req.ID, f.admin), &nf)
	assert.ErrorAs(t, f.manual.Reject(ctx, req.ID, f.admin), &nf)
	assert.ErrorAs(t, f.manual.Approve(ctx, uuid.New(), f.admin), &nf)

	bucket, err := f.store.Repos().Sessions.FindBucket(ctx, f.owner, "2025-03-10", models.CustomTarget("Review"))
	require.NoError(t, err)
	assert.Len(t, bucket.Segments, 1)
	assert.Equal(t, 45.0, bucket.AccumulatedMinutes)
}

func TestRejectNeverTouchesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live, err := f.sessions.Start(ctx, f.owner, models.ProjectTarget(f.project), SessionMeta{})
	require.NoError(t, err)
	before := f.session(t, live.ID)

	req := f.request(t, 60, models.ManualTimeInput{})
	require.NoError(t, f.manual.Reject(ctx, req.ID, f.admin))

	after := f.session(t, live.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.AccumulatedMinutes, after.AccumulatedMinutes)
	assert.Len(t, after.Segments, 0)

	list, err := f.store.Repos().Sessions.List(ctx, models.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	var nf *NotFoundError
	assert.ErrorAs(t, f.manual.Approve(ctx, req.ID, f.admin), &nf)
}

func TestApproveCreditsExistingLiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live, err := f.sessions.Start(ctx, f.owner, models.ProjectTarget(f.project), SessionMeta{})
	require.NoError(t, err)
	f.clock.Set(at(9, 20))
	_, err = f.sessions.Pause(ctx, f.owner, SessionMeta{})
	require.NoError(t, err)

	req := f.request(t, 15, models.ManualTimeInput{})
	require.NoError(t, f.manual.Approve(ctx, req.ID, f.admin))

	got := f.session(t, live.ID)
	assert.Equal(t, models.StatusPaused, got.Status)
	assert.Equal(t, 35.0, got.AccumulatedMinutes)
	require.Len(t, got.Segments, 2)
	assert.True(t, got.Segments[1].Start.Equal(at(9, 20)))
	assert.True(t, got.Segments[1].End.Equal(at(9, 35)))
}

func TestDecisionsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := f.request(t, 30, models.ManualTimeInput{})
	var fe *ForbiddenError
	assert.ErrorAs(t, f.manual.Approve(ctx, req.ID, f.owner), &fe)
	assert.ErrorAs(t, f.manual.Reject(ctx, req.ID, uuid.New()), &fe)

	got, err := f.store.Repos().Requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, got.Status)
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.request(t, 30, models.ManualTimeInput{})
	b := f.request(t, 30, models.ManualTimeInput{})

	require.NoError(t, f.manual.Decide(ctx, models.Decision{RequestID: a.ID, ReviewerID: f.admin, Decision: models.DecisionApprove}, "queue"))
	require.NoError(t, f.manual.Decide(ctx, models.Decision{RequestID: b.ID, ReviewerID: f.admin, Decision: models.DecisionReject}, "queue"))

	var ve *ValidationError
	assert.ErrorAs(t, f.manual.Decide(ctx, models.Decision{RequestID: a.ID, ReviewerID: f.admin, Decision: "maybe"}, "queue"), &ve)

	approved, err := f.manual.List(ctx, models.RequestApproved)
	require.NoError(t, err)
	assert.Len(t, approved, 1)
	rejected, err := f.manual.List(ctx, models.RequestRejected)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestApproveRollsBackClaimWhenCreditFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, 30, models.ManualTimeInput{})

	broken := errors.New("write failed")
	store := &brokenTxStore{Store: f.store, err: broken}
	svc := NewManualTimeService(store, f.targets, f.events, f.clock, time.UTC, 9*time.Hour, zerolog.Nop())

	err := svc.Approve(ctx, req.ID, f.admin)
	assert.ErrorIs(t, err, broken)

	got, err := f.store.Repos().Requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, got.Status, "claim must roll back")

	_, err = f.store.Repos().Sessions.FindBucket(ctx, f.owner, "2025-03-10", models.ProjectTarget(f.project))
	assert.ErrorIs(t, err, repository.ErrNotFound, "bucket creation must roll back")

	// A later approval succeeds.
	require.NoError(t, f.manual.Approve(ctx, req.ID, f.admin))
}

// brokenTxStore injects err into every session Update made inside a transaction.
type brokenTxStore struct {
	*sqlite.Store
	err error
}

type erroringSessions struct {
	repository.SessionRepo
	err error
}

func (e erroringSessions) Update(context.Context, *models.WorkSession, []models.Segment) error {
	return e.err
}

func (s *brokenTxStore) WithinTx(ctx context.Context, fn func(context.Context, repository.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		r.Sessions = erroringSessions{SessionRepo: r.Sessions, err: s.err}
		return fn(ctx, r)
	})
}

// orderedSessions records the bucket calls made inside a transaction.
type orderedSessions struct {
	repository.SessionRepo
	calls *[]string
}

func (o orderedSessions) LockBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) error {
	*o.calls = append(*o.calls, "lock")
	return o.SessionRepo.LockBucket(ctx, ownerID, day, target)
}

func (o orderedSessions) FindBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) (*models.WorkSession, error) {
	*o.calls = append(*o.calls, "find")
	return o.SessionRepo.FindBucket(ctx, ownerID, day, target)
}

func (o orderedSessions) Create(ctx context.Context, s *models.WorkSession) error {
	*o.calls = append(*o.calls, "create")
	return o.SessionRepo.Create(ctx, s)
}

type orderedStore struct {
	*sqlite.Store
	calls []string
}

func (s *orderedStore) WithinTx(ctx context.Context, fn func(context.Context, repository.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		r.Sessions = orderedSessions{SessionRepo: r.Sessions, calls: &s.calls}
		return fn(ctx, r)
	})
}

func TestApproveLocksBucketBeforeLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, 30, models.ManualTimeInput{})

	store := &orderedStore{Store: f.store}
	svc := NewManualTimeService(store, f.targets, f.events, f.clock, time.UTC, 9*time.Hour, zerolog.Nop())
	require.NoError(t, svc.Approve(ctx, req.ID, f.admin))

	assert.Equal(t, []string{"lock", "find", "create"}, store.calls)
}

func TestConcurrentApprovalsShareOneBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.request(t, 60, models.ManualTimeInput{CustomTask: "Support"})
	b := f.request(t, 30, models.ManualTimeInput{CustomTask: "Support"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.manual.Approve(ctx, id, f.admin)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	list, err := f.store.Repos().Sessions.List(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1, "both approvals must land in the same bucket")

	bucket := f.session(t, list[0].ID)
	assert.Equal(t, 90.0, bucket.AccumulatedMinutes)
	require.Len(t, bucket.Segments, 2)
	assert.True(t, bucket.Segments[0].Start.Equal(at(9, 0)))
	assert.True(t, bucket.Segments[1].Start.Equal(bucket.Segments[0].End))
}

func TestApproveAnchorsAtLocalTimeOnDSTDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	svc := NewManualTimeService(f.store, f.targets, f.events, f.clock, ny, 9*time.Hour, zerolog.Nop())
	req, err := svc.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-09", RequestedMinutes: 30, CustomTask: "Oncall"})
	require.NoError(t, err)
	require.NoError(t, svc.Approve(ctx, req.ID, f.admin))

	bucket, err := f.store.Repos().Sessions.FindBucket(ctx, f.owner, "2025-03-09", models.CustomTarget("Oncall"))
	require.NoError(t, err)
	require.Len(t, bucket.Segments, 1)
	start := bucket.Segments[0].Start.In(ny)
	assert.Equal(t, 9, start.Hour())
	assert.Equal(t, 0, start.Minute())
	assert.Equal(t, 9, start.Day())
}

func TestManualRequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var ve *ValidationError
	_, err := f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 0, CustomTask: "x"})
	assert.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "requested_minutes")

	_, err = f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "10/03/2025", RequestedMinutes: 10, CustomTask: "x"})
	assert.ErrorAs(t, err, &ve)

	_, err = f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 10, CustomTask: "x", TaskType: "Nap"})
	assert.ErrorAs(t, err, &ve)

	var it *InvalidTargetError
	_, err = f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 10, CustomTask: "x", ProjectID: f.project.String()})
	assert.ErrorAs(t, err, &it)
	_, err = f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 10})
	assert.ErrorAs(t, err, &it)
	_, err = f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 10, ProjectID: uuid.NewString()})
	assert.ErrorAs(t, err, &it)

	req, err := f.manual.Create(ctx, f.owner, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 10, CustomTask: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskAlpha, req.TaskType)
}

func TestManualRequestEditsOnlyWhilePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := f.request(t, 30, models.ManualTimeInput{})
	updated, err := f.manual.Update(ctx, f.owner, req.ID, models.ManualTimeInput{
		Day: "2025-03-10", RequestedMinutes: 40, CustomTask: "Docs", TaskType: models.TaskRework,
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, updated.RequestedMinutes)
	label, ok := updated.Target.Custom()
	assert.True(t, ok)
	assert.Equal(t, "Docs", label)

	var nf *NotFoundError
	_, err = f.manual.Update(ctx, uuid.New(), req.ID, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 5, CustomTask: "x"})
	assert.ErrorAs(t, err, &nf, "other owners cannot edit")

	require.NoError(t, f.manual.Approve(ctx, req.ID, f.admin))
	_, err = f.manual.Update(ctx, f.owner, req.ID, models.ManualTimeInput{Day: "2025-03-10", RequestedMinutes: 5, CustomTask: "x"})
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, f.manual.Delete(ctx, f.owner, req.ID), &nf)

	other := f.request(t, 10, models.ManualTimeInput{})
	require.NoError(t, f.manual.Delete(ctx, f.owner, other.ID))
	mine, err := f.manual.ListMine(ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestParseAnchor(t *testing.T) {
	d, err := ParseAnchor("09:00")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, d)

	d, err = ParseAnchor("13:45")
	require.NoError(t, err)
	assert.Equal(t, 13*time.Hour+45*time.Minute, d)

	_, err = ParseAnchor("9am")
	assert.Error(t, err)
}
