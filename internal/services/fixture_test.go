package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository/sqlite"
)

// recordingPublisher captures published messages.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.WSMessage
}

func (p *recordingPublisher) Publish(_ context.Context, _ uuid.UUID, msg models.WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) reasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if ev, ok := m.Payload.(models.SessionEvent); ok {
			out = append(out, ev.Reason)
		}
	}
	return out
}

type fixture struct {
	store    *sqlite.Store
	clock    *TestClock
	events   *recordingPublisher
	targets  *TargetResolver
	sessions *SessionService
	manual   *ManualTimeService
	owner    uuid.UUID
	admin    uuid.UUID
	project  uuid.UUID
}

func at(hour, min int) time.Time {
	return time.Date(2025, 3, 10, hour, min, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:  store,
		clock:  NewTestClock(at(9, 0)),
		events: &recordingPublisher{},
	}

	owner := &models.User{Name: "Dana Owner", Email: "owner@example.com", Role: models.RoleEmployee, CreatedAt: at(0, 0)}
	admin := &models.User{Name: "Ari Admin", Email: "admin@example.com", Role: models.RoleAdmin, CreatedAt: at(0, 0)}
	project := &models.Project{Name: "Apollo", CreatedAt: at(0, 0)}
	require.NoError(t, store.Repos().Users.Create(ctx, owner))
	require.NoError(t, store.Repos().Users.Create(ctx, admin))
	require.NoError(t, store.Repos().Projects.Create(ctx, project))
	f.owner, f.admin, f.project = owner.ID, admin.ID, project.ID

	f.targets, err = NewTargetResolver(store.Repos().Projects, 16)
	require.NoError(t, err)

	logger := zerolog.Nop()
	f.sessions = NewSessionService(store, f.targets, f.events, f.clock, time.UTC, logger)
	f.manual = NewManualTimeService(store, f.targets, f.events, f.clock, time.UTC, 9*time.Hour, logger)
	return f
}

func (f *fixture) addUser(t *testing.T, name string) uuid.UUID {
	t.Helper()
	u := &models.User{Name: name, Email: uuid.NewString() + "@example.com", CreatedAt: at(0, 0)}
	require.NoError(t, f.store.Repos().Users.Create(context.Background(), u))
	return u.ID
}

func (f *fixture) session(t *testing.T, id uuid.UUID) *models.WorkSession {
	t.Helper()
	s, err := f.store.Repos().Sessions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func segmentSum(s *models.WorkSession) float64 {
	var sum float64
	for _, seg := range s.Segments {
		sum += seg.Minutes()
	}
	return sum
}
