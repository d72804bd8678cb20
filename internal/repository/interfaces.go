package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"worktrack-backend/internal/models"
)

// SessionRepo persists work sessions and their segments.
type SessionRepo interface {
	// Create inserts a session with its segments and sets Version to 1.
	// Returns ErrDuplicateActive if an active session for the same owner and
	// day already exists.
	Create(ctx context.Context, s *models.WorkSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkSession, error)
	// LatestByOwner returns the most recently created session of the owner in
	// one of the given statuses.
	LatestByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...models.SessionStatus) (*models.WorkSession, error)
	// ListActiveOutsideDay returns the owner's active sessions keyed to any day but day.
	ListActiveOutsideDay(ctx context.Context, ownerID uuid.UUID, day string) ([]*models.WorkSession, error)
	// FindBucket returns the most recent session for owner, day and target
	// regardless of status.
	FindBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) (*models.WorkSession, error)
	// LockBucket serializes bucket lookup and creation for owner, day and
	// target until the enclosing transaction ends.
	LockBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) error
	// ListIdleCandidates returns active sessions created before createdBefore
	// whose liveness signal is missing or older than livenessBefore.
	ListIdleCandidates(ctx context.Context, createdBefore, livenessBefore time.Time) ([]*models.WorkSession, error)
	// Update writes s if its Version still matches the stored one, appends the
	// given segments, and increments s.Version. Returns ErrStale on mismatch.
	Update(ctx context.Context, s *models.WorkSession, appended []models.Segment) error
	// TouchLiveness records a liveness signal on the owner's open sessions and
	// returns how many were updated.
	TouchLiveness(ctx context.Context, ownerID uuid.UUID, at time.Time, deviceID string) (int64, error)
	List(ctx context.Context, f models.SessionFilter) ([]*models.WorkSession, error)
}

type ManualRequestRepo interface {
	Create(ctx context.Context, r *models.ManualTimeRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ManualTimeRequest, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.ManualTimeRequest, error)
	// ListByStatus lists all requests, or only those in status when non-empty.
	ListByStatus(ctx context.Context, status models.RequestStatus) ([]*models.ManualTimeRequest, error)
	// UpdatePending rewrites a pending request owned by r.OwnerID.
	UpdatePending(ctx context.Context, r *models.ManualTimeRequest) error
	DeletePending(ctx context.Context, id, ownerID uuid.UUID) error
	// Claim moves a pending request to status in a single conditional write.
	// Returns ErrNotFound if the request is missing or already decided.
	Claim(ctx context.Context, id uuid.UUID, status models.RequestStatus, reviewerID uuid.UUID, at time.Time) (*models.ManualTimeRequest, error)
}

type ProjectRepo interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type UserRepo interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	NamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Repos groups repositories bound to one connection or transaction.
type Repos struct {
	Sessions SessionRepo
	Requests ManualRequestRepo
	Projects ProjectRepo
	Users    UserRepo
}

// Store is a storage backend.
type Store interface {
	Repos() Repos
	// WithinTx runs fn with repositories bound to one transaction, committing
	// if fn returns nil and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
	Ping(ctx context.Context) error
	Close() error
}
