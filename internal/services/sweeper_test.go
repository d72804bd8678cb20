package services

import (
	"context"
	"errors"
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
)

// flakySessions fails Update for chosen sessions.
type flakySessions struct {
	repository.SessionRepo
	fail map[uuid.UUID]error
}

func (f *flakySessions) Update(ctx context.Context, s *models.WorkSession, appended []models.Segment) error {
	if err, ok := f.fail[s.ID]; ok {
		return err
	}
	return f.SessionRepo.Update(ctx, s, appended)
}

func newSweeper(f *fixture, repo repository.SessionRepo, locker Locker) *IdleSweeper {
	return NewIdleSweeper(repo, f.events, locker, f.clock, DefaultSweeperConfig(), zerolog.Nop())
}

func TestSweepRespectsGraceWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.sessions.Start(ctx, f.owner, models.CustomTarget("x"), SessionMeta{})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := newSweeper(f, f.store.Repos().Sessions, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Stopped)
	assert.Equal(t, models.StatusActive, f.session(t, resp.ID).Status)
}

func TestSweepStopsSilentSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Liveness 15 minutes ago, session created 5 minutes ago.
	f.clock.Set(at(8, 55))
	resp, err := f.sessions.Start(ctx, f.owner, models.CustomTarget("x"), SessionMeta{Notes: "standup"})
	require.NoError(t, err)
	_, err = f.store.Repos().Sessions.TouchLiveness(ctx, f.owner, at(8, 45), "")
	require.NoError(t, err)

	f.clock.Set(at(9, 0))
	res, err := newSweeper(f, f.store.Repos().Sessions, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stopped)

	got := f.session(t, resp.ID)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Nil(t, got.OpenSince)
	require.Len(t, got.Segments, 1)
	assert.True(t, got.Segments[0].Start.Equal(at(8, 55)))
	assert.True(t, got.Segments[0].End.Equal(at(9, 0)))
	assert.Equal(t, 5.0, got.AccumulatedMinutes)
	assert.Equal(t, "standup | auto-stopped: no liveness signal", got.Notes)
	assert.Contains(t, f.events.reasons(), "auto_stop")
}

func TestSweepSkipsRecentlyAliveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.sessions.Start(ctx, f.owner, models.CustomTarget("x"), SessionMeta{})
	require.NoError(t, err)
	f.clock.Set(at(9, 25))
	_, err = f.sessions.Heartbeat(ctx, f.owner, "")
	require.NoError(t, err)

	f.clock.Set(at(9, 30))
	res, err := newSweeper(f, f.store.Repos().Sessions, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Equal(t, models.StatusActive, f.session(t, resp.ID).Status)
}

func TestSweepContinuesAfterFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	second, third := f.addUser(t, "B"), f.addUser(t, "C")

	var ids []uuid.UUID
	for _, owner := range []uuid.UUID{f.owner, second, third} {
		resp, err := f.sessions.Start(ctx, owner, models.CustomTarget("x"), SessionMeta{})
		require.NoError(t, err)
		ids = append(ids, resp.ID)
	}

	repo := &flakySessions{
		SessionRepo: f.store.Repos().Sessions,
		fail: map[uuid.UUID]error{
			ids[0]: errors.New("disk full"),
			ids[1]: repository.ErrStale,
		},
	}

	f.clock.Set(at(9, 30))
	res, err := newSweeper(f, repo, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 3, Stopped: 1, Skipped: 1, Failed: 1}, res)

	assert.Equal(t, models.StatusActive, f.session(t, ids[0]).Status)
	assert.Equal(t, models.StatusActive, f.session(t, ids[1]).Status)
	assert.Equal(t, models.StatusStopped, f.session(t, ids[2]).Status)
}

func TestSweepSkippedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	resp, err := f.sessions.Start(ctx, f.owner, models.CustomTarget("x"), SessionMeta{})
	require.NoError(t, err)
	f.clock.Set(at(9, 30))

	require.NoError(t, mr.Set(sweepLockKey, "other-replica"))
	res, err := newSweeper(f, f.store.Repos().Sessions, NewRedisLocker(client)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, models.StatusActive, f.session(t, resp.ID).Status)

	mr.Del(sweepLockKey)
	res, err = newSweeper(f, f.store.Repos().Sessions, NewRedisLocker(client)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stopped)
	assert.False(t, mr.Exists(sweepLockKey), "lock released after sweep")
}

func TestSweeperEligible(t *testing.T) {
	s := &IdleSweeper{cfg: DefaultSweeperConfig()}
	now := at(12, 0)
	open := now.Add(-time.Hour)
	old := now.Add(-11 * time.Minute)
	fresh := now.Add(-9 * time.Minute)

	tests := []struct {
		name string
		sess models.WorkSession
		want bool
	}{
		{"never pinged", models.WorkSession{Status: models.StatusActive, OpenSince: &open, CreatedAt: now.Add(-3 * time.Minute)}, true},
		{"inside grace", models.WorkSession{Status: models.StatusActive, OpenSince: &open, CreatedAt: now.Add(-time.Minute)}, false},
		{"stale ping", models.WorkSession{Status: models.StatusActive, OpenSince: &open, CreatedAt: open, LastLivenessAt: &old}, true},
		{"recent ping", models.WorkSession{Status: models.StatusActive, OpenSince: &open, CreatedAt: open, LastLivenessAt: &fresh}, false},
		{"paused", models.WorkSession{Status: models.StatusPaused, CreatedAt: open}, false},
		{"active without open", models.WorkSession{Status: models.StatusActive, CreatedAt: open}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Eligible(&tt.sess, now))
		})
	}
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultSweeperConfig()
	cfg.Interval = 10 * time.Millisecond
	s := NewIdleSweeper(f.store.Repos().Sessions, f.events, nil, f.clock, cfg, zerolog.Nop())
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
