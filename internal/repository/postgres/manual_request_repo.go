package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

const requestColumns = `id, owner_id, day, requested_minutes, project_id, custom_task, task_type, text,
	status, reviewer_id, reviewed_at, created_at, updated_at`

type ManualRequestRepo struct {
	db DBTX
}

func NewManualRequestRepo(db DBTX) *ManualRequestRepo {
	return &ManualRequestRepo{db: db}
}

func scanRequest(row pgx.Row) (*models.ManualTimeRequest, error) {
	var (
		m                models.ManualTimeRequest
		projectID        *uuid.UUID
		customTask       *string
		taskType, status string
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.Day, &m.RequestedMinutes, &projectID, &customTask, &taskType, &m.Text,
		&status, &m.ReviewerID, &m.ReviewedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Target = models.TargetFromColumns(projectID, customTask)
	m.TaskType = models.TaskType(taskType)
	m.Status = models.RequestStatus(status)
	return &m, nil
}

func (r *ManualRequestRepo) Create(ctx context.Context, m *models.ManualTimeRequest) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.RequestPending
	}
	m.UpdatedAt = m.CreatedAt
	projectID, customTask := m.Target.Columns()

	_, err := r.db.Exec(ctx, `
		INSERT INTO manual_time_requests (id, owner_id, day, requested_minutes, project_id, custom_task,
			task_type, text, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.OwnerID, m.Day, m.RequestedMinutes, projectID, customTask,
		string(m.TaskType), m.Text, string(m.Status), m.CreatedAt, m.UpdatedAt,
	)
	return mapErr(err)
}

func (r *ManualRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ManualTimeRequest, error) {
	m, err := scanRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (r *ManualRequestRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.ManualTimeRequest, error) {
	return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

func (r *ManualRequestRepo) ListByStatus(ctx context.Context, status models.RequestStatus) ([]*models.ManualTimeRequest, error) {
	if status == "" {
		return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests ORDER BY created_at DESC`)
	}
	return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE status = $1 ORDER BY created_at DESC`, string(status))
}

func (r *ManualRequestRepo) UpdatePending(ctx context.Context, m *models.ManualTimeRequest) error {
	projectID, customTask := m.Target.Columns()
	tag, err := r.db.Exec(ctx, `
		UPDATE manual_time_requests
		SET day = $1, requested_minutes = $2, project_id = $3, custom_task = $4, task_type = $5, text = $6, updated_at = $7
		WHERE id = $8 AND owner_id = $9 AND status = 'pending'`,
		m.Day, m.RequestedMinutes, projectID, customTask, string(m.TaskType), m.Text, m.UpdatedAt, m.ID, m.OwnerID,
	)
	return affectedOne(tag, err)
}

func (r *ManualRequestRepo) DeletePending(ctx context.Context, id, ownerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM manual_time_requests WHERE id = $1 AND owner_id = $2 AND status = 'pending'`, id, ownerID)
	return affectedOne(tag, err)
}

func (r *ManualRequestRepo) Claim(ctx context.Context, id uuid.UUID, status models.RequestStatus, reviewerID uuid.UUID, at time.Time) (*models.ManualTimeRequest, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE manual_time_requests
		SET status = $1, reviewer_id = $2, reviewed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'pending'
		RETURNING `+requestColumns,
		string(status), reviewerID, at, id,
	)
	m, err := scanRequest(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (r *ManualRequestRepo) many(ctx context.Context, query string, args ...any) ([]*models.ManualTimeRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.ManualTimeRequest
	for rows.Next() {
		m, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func affectedOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
