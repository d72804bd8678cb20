package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

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

func scanRequest(row rowScanner) (*models.ManualTimeRequest, error) {
	var (
		m                     models.ManualTimeRequest
		id, ownerID           string
		projectID, customTask sql.NullString
		taskType, status      string
		reviewerID, reviewed  sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&id, &ownerID, &m.Day, &m.RequestedMinutes, &projectID, &customTask, &taskType, &m.Text,
		&status, &reviewerID, &reviewed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse request id: %w", err)
	}
	if m.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	pid, err := parseNullUUID(projectID)
	if err != nil {
		return nil, err
	}
	var label *string
	if customTask.Valid {
		label = &customTask.String
	}
	m.Target = models.TargetFromColumns(pid, label)
	m.TaskType = models.TaskType(taskType)
	m.Status = models.RequestStatus(status)
	if m.ReviewerID, err = parseNullUUID(reviewerID); err != nil {
		return nil, err
	}
	if m.ReviewedAt, err = parseNullTime(reviewed); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
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

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO manual_time_requests (id, owner_id, day, requested_minutes, project_id, custom_task,
			task_type, text, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.OwnerID.String(), m.Day, m.RequestedMinutes, uuidArg(projectID), stringArg(customTask),
		string(m.TaskType), m.Text, string(m.Status), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return mapErr(err)
}

func (r *ManualRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ManualTimeRequest, error) {
	m, err := scanRequest(r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE id = ?`, id.String()))
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (r *ManualRequestRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.ManualTimeRequest, error) {
	return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE owner_id = ? ORDER BY created_at DESC`, ownerID.String())
}

func (r *ManualRequestRepo) ListByStatus(ctx context.Context, status models.RequestStatus) ([]*models.ManualTimeRequest, error) {
	if status == "" {
		return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests ORDER BY created_at DESC`)
	}
	return r.many(ctx, `SELECT `+requestColumns+` FROM manual_time_requests WHERE status = ? ORDER BY created_at DESC`, string(status))
}

func (r *ManualRequestRepo) UpdatePending(ctx context.Context, m *models.ManualTimeRequest) error {
	projectID, customTask := m.Target.Columns()
	res, err := r.db.ExecContext(ctx, `
		UPDATE manual_time_requests
		SET day = ?, requested_minutes = ?, project_id = ?, custom_task = ?, task_type = ?, text = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND status = 'pending'`,
		m.Day, m.RequestedMinutes, uuidArg(projectID), stringArg(customTask), string(m.TaskType), m.Text,
		formatTime(m.UpdatedAt), m.ID.String(), m.OwnerID.String(),
	)
	return affectedOne(res, err)
}

func (r *ManualRequestRepo) DeletePending(ctx context.Context, id, ownerID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM manual_time_requests WHERE id = ? AND owner_id = ? AND status = 'pending'`,
		id.String(), ownerID.String())
	return affectedOne(res, err)
}

func (r *ManualRequestRepo) Claim(ctx context.Context, id uuid.UUID, status models.RequestStatus, reviewerID uuid.UUID, at time.Time) (*models.ManualTimeRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE manual_time_requests
		SET status = ?, reviewer_id = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+requestColumns,
		string(status), reviewerID.String(), formatTime(at), formatTime(at), id.String(),
	)
	m, err := scanRequest(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (r *ManualRequestRepo) many(ctx context.Context, query string, args ...any) ([]*models.ManualTimeRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
