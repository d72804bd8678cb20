package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
	"worktrack-backend/internal/services"
)

type stubDecider struct {
	mu      sync.Mutex
	errs    []error
	calls   []models.Decision
	sources []string
}

func (s *stubDecider) Decide(_ context.Context, d models.Decision, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	s.sources = append(s.sources, source)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubDecider) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestPool(t *testing.T, decider Decider) (*Pool, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := NewPool(client, decider, 1, zerolog.Nop())
	p.blockTimeout = 100 * time.Millisecond
	p.backoff = func(int) time.Duration { return time.Millisecond }
	p.promoteEvery = 10 * time.Millisecond
	return p, client, mr
}

func TestPoolAppliesQueuedDecision(t *testing.T) {
	decider := &stubDecider{}
	p, client, _ := newTestPool(t, decider)

	d := models.Decision{RequestID: uuid.New(), ReviewerID: uuid.New(), Decision: models.DecisionApprove}
	require.NoError(t, Enqueue(context.Background(), client, d))

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return decider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, d, decider.calls[0])
	assert.Equal(t, "queue", decider.sources[0])
}

func TestProcessSchedulesTransientRetry(t *testing.T) {
	decider := &stubDecider{errs: []error{&services.TransientError{Err: repository.ErrUnavailable}}}
	p, _, mr := newTestPool(t, decider)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.backoff = func(attempt int) time.Duration { return time.Duration(attempt) * time.Minute }

	data, _ := json.Marshal(decisionJob{Decision: models.Decision{RequestID: uuid.New(), Decision: models.DecisionReject}})
	p.process(context.Background(), string(data))

	// Scheduled synchronously, nothing is requeued until the backoff elapses.
	assert.False(t, mr.Exists(DecisionQueue))
	members, err := mr.ZMembers(DecisionRetrySet)
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := mr.ZScore(DecisionRetrySet, members[0])
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), score)

	n, err := p.promoteDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	now = now.Add(time.Minute)
	n, err = p.promoteDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(DecisionRetrySet))

	items, err := mr.List(DecisionQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var job decisionJob
	require.NoError(t, json.Unmarshal([]byte(items[0]), &job))
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.LastErr)
	assert.Equal(t, now.UnixMilli(), job.NotBefore)
}

func TestPoolRetriesAfterBackoff(t *testing.T) {
	decider := &stubDecider{errs: []error{&services.TransientError{Err: repository.ErrUnavailable}}}
	p, client, mr := newTestPool(t, decider)

	require.NoError(t, Enqueue(context.Background(), client, models.Decision{RequestID: uuid.New(), Decision: models.DecisionApprove}))
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return decider.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, mr.Exists(DecisionRetrySet))
	assert.False(t, mr.Exists(DecisionDeadLetter))
}

func TestPendingRetrySurvivesStop(t *testing.T) {
	decider := &stubDecider{errs: []error{&services.TransientError{Err: repository.ErrUnavailable}}}
	p, client, mr := newTestPool(t, decider)
	p.backoff = func(int) time.Duration { return time.Hour }

	d := models.Decision{RequestID: uuid.New(), ReviewerID: uuid.New(), Decision: models.DecisionApprove}
	require.NoError(t, Enqueue(context.Background(), client, d))
	p.Start()
	require.Eventually(t, func() bool { return decider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	p.Stop()

	members, err := mr.ZMembers(DecisionRetrySet)
	require.NoError(t, err)
	require.Len(t, members, 1, "retry must be persisted before shutdown")

	// A restarted pool picks it up once the backoff has elapsed.
	restarted := NewPool(client, decider, 1, zerolog.Nop())
	restarted.blockTimeout = 100 * time.Millisecond
	restarted.promoteEvery = 10 * time.Millisecond
	restarted.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	restarted.Start()
	defer restarted.Stop()

	require.Eventually(t, func() bool { return decider.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, d, decider.calls[1])
}

func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	decider := &stubDecider{errs: []error{&services.TransientError{Err: repository.ErrUnavailable}}}
	p, _, mr := newTestPool(t, decider)

	data, _ := json.Marshal(decisionJob{Decision: models.Decision{RequestID: uuid.New()}, Attempts: maxAttempts - 1})
	p.process(context.Background(), string(data))

	items, err := mr.List(DecisionDeadLetter)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, mr.Exists(DecisionQueue))
	assert.False(t, mr.Exists(DecisionRetrySet))
}

func TestProcessSkipsAlreadyDecided(t *testing.T) {
	decider := &stubDecider{errs: []error{&services.NotFoundError{Resource: "pending request"}}}
	p, _, mr := newTestPool(t, decider)

	data, _ := json.Marshal(decisionJob{Decision: models.Decision{RequestID: uuid.New()}})
	p.process(context.Background(), string(data))

	assert.False(t, mr.Exists(DecisionQueue))
	assert.False(t, mr.Exists(DecisionDeadLetter))
}

func TestProcessDeadLettersPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		errs []error
	}{
		{"malformed", "{not json", nil},
		{"forbidden", `{"request_id":"` + uuid.NewString() + `","decision":"approve"}`, []error{&services.ForbiddenError{Message: "admins only"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, mr := newTestPool(t, &stubDecider{errs: tt.errs})
			p.process(context.Background(), tt.raw)

			items, err := mr.List(DecisionDeadLetter)
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p, _, _ := newTestPool(t, &stubDecider{})
	p.Start()
	p.Stop()
	p.Stop()
}
