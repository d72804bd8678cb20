package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

const sessionColumns = `id, owner_id, project_id, custom_task, target_name, day, status, open_since,
	accumulated_minutes, notes, device_id, device_info, last_liveness_at, version, created_at, updated_at`

type SessionRepo struct {
	db DBTX
}

func NewSessionRepo(db DBTX) *SessionRepo {
	return &SessionRepo{db: db}
}

func scanSession(row pgx.Row) (*models.WorkSession, error) {
	var (
		s          models.WorkSession
		projectID  *uuid.UUID
		customTask *string
		status     string
		deviceInfo []byte
	)
	err := row.Scan(&s.ID, &s.OwnerID, &projectID, &customTask, &s.TargetName, &s.Day, &status, &s.OpenSince,
		&s.AccumulatedMinutes, &s.Notes, &s.DeviceID, &deviceInfo, &s.LastLivenessAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Target = models.TargetFromColumns(projectID, customTask)
	s.Status = models.SessionStatus(status)
	if len(deviceInfo) > 0 {
		s.DeviceInfo = json.RawMessage(deviceInfo)
	}
	s.Segments = []models.Segment{}
	return &s, nil
}

func deviceInfoArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (r *SessionRepo) Create(ctx context.Context, s *models.WorkSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Segments == nil {
		s.Segments = []models.Segment{}
	}
	s.Version = 1
	s.UpdatedAt = s.CreatedAt
	projectID, customTask := s.Target.Columns()

	return inTx(ctx, r.db, func(db DBTX) error {
		_, err := db.Exec(ctx, `
			INSERT INTO work_sessions (id, owner_id, project_id, custom_task, target_name, day, status, open_since,
				accumulated_minutes, notes, device_id, device_info, last_liveness_at, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			s.ID, s.OwnerID, projectID, customTask, s.TargetName, s.Day, string(s.Status), s.OpenSince,
			s.AccumulatedMinutes, s.Notes, s.DeviceID, deviceInfoArg(s.DeviceInfo), s.LastLivenessAt, s.Version,
			s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
		return insertSegments(ctx, db, s.ID, s.Segments)
	})
}

func insertSegments(ctx context.Context, db DBTX, sessionID uuid.UUID, segs []models.Segment) error {
	for _, seg := range segs {
		_, err := db.Exec(ctx, `
			INSERT INTO session_segments (session_id, seq, start_at, end_at, manual, source_request_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, seg.Seq, seg.Start, seg.End, seg.Manual, seg.SourceRequestID,
		)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkSession, error) {
	return r.one(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE id = $1`, id)
}

func (r *SessionRepo) LatestByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...models.SessionStatus) (*models.WorkSession, error) {
	if len(statuses) == 0 {
		return r.one(ctx, `SELECT `+sessionColumns+` FROM work_sessions
			WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, ownerID)
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return r.one(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE owner_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC, id DESC LIMIT 1`, ownerID, names)
}

func (r *SessionRepo) ListActiveOutsideDay(ctx context.Context, ownerID uuid.UUID, day string) ([]*models.WorkSession, error) {
	return r.many(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE owner_id = $1 AND status = 'active' AND day <> $2
		ORDER BY created_at`, ownerID, day)
}

func (r *SessionRepo) FindBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) (*models.WorkSession, error) {
	if pid, ok := target.Project(); ok {
		return r.one(ctx, `SELECT `+sessionColumns+` FROM work_sessions
			WHERE owner_id = $1 AND day = $2 AND project_id = $3
			ORDER BY created_at DESC, id DESC LIMIT 1`, ownerID, day, pid)
	}
	label, _ := target.Custom()
	return r.one(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE owner_id = $1 AND day = $2 AND project_id IS NULL AND custom_task = $3
		ORDER BY created_at DESC, id DESC LIMIT 1`, ownerID, day, label)
}

// bucketLockKey identifies one (owner, day, target) bucket for advisory locking.
func bucketLockKey(ownerID uuid.UUID, day string, target models.TaskTarget) string {
	if pid, ok := target.Project(); ok {
		return "bucket|" + ownerID.String() + "|" + day + "|p:" + pid.String()
	}
	label, _ := target.Custom()
	return "bucket|" + ownerID.String() + "|" + day + "|c:" + label
}

// LockBucket takes a transaction-scoped advisory lock. Outside a transaction
// the lock is released as soon as the statement completes.
func (r *SessionRepo) LockBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, bucketLockKey(ownerID, day, target))
	if err != nil {
		return mapErr(fmt.Errorf("lock bucket: %w", err))
	}
	return nil
}

func (r *SessionRepo) ListIdleCandidates(ctx context.Context, createdBefore, livenessBefore time.Time) ([]*models.WorkSession, error) {
	return r.many(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE status = 'active'
		  AND open_since IS NOT NULL
		  AND created_at < $1
		  AND (last_liveness_at IS NULL OR last_liveness_at < $2)
		ORDER BY created_at`, createdBefore, livenessBefore)
}

func (r *SessionRepo) Update(ctx context.Context, s *models.WorkSession, appended []models.Segment) error {
	projectID, customTask := s.Target.Columns()
	return inTx(ctx, r.db, func(db DBTX) error {
		tag, err := db.Exec(ctx, `
			UPDATE work_sessions
			SET project_id = $1, custom_task = $2, target_name = $3, status = $4, open_since = $5,
				accumulated_minutes = $6, notes = $7, device_id = $8, device_info = $9, last_liveness_at = $10,
				version = version + 1, updated_at = $11
			WHERE id = $12 AND version = $13`,
			projectID, customTask, s.TargetName, string(s.Status), s.OpenSince,
			s.AccumulatedMinutes, s.Notes, s.DeviceID, deviceInfoArg(s.DeviceInfo), s.LastLivenessAt,
			s.UpdatedAt, s.ID, s.Version,
		)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrStale
		}
		if err := insertSegments(ctx, db, s.ID, appended); err != nil {
			return err
		}
		s.Version++
		return nil
	})
}

func (r *SessionRepo) TouchLiveness(ctx context.Context, ownerID uuid.UUID, at time.Time, deviceID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE work_sessions
		SET last_liveness_at = $1,
			device_id = CASE WHEN $2 <> '' THEN $2 ELSE device_id END,
			version = version + 1,
			updated_at = $1
		WHERE owner_id = $3 AND status IN ('active', 'paused')`,
		at, deviceID, ownerID,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepo) List(ctx context.Context, f models.SessionFilter) ([]*models.WorkSession, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerID != nil {
		add("owner_id = $%d", *f.OwnerID)
	}
	if f.ProjectID != nil {
		add("project_id = $%d", *f.ProjectID)
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.FromDay != "" {
		add("day >= $%d", f.FromDay)
	}
	if f.ToDay != "" {
		add("day <= $%d", f.ToDay)
	}

	query := `SELECT ` + sessionColumns + ` FROM work_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return r.many(ctx, query, args...)
}

func (r *SessionRepo) one(ctx context.Context, query string, args ...any) (*models.WorkSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapErr(err)
	}
	if err := r.loadSegments(ctx, []*models.WorkSession{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) many(ctx context.Context, query string, args ...any) ([]*models.WorkSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	var out []*models.WorkSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if err := r.loadSegments(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SessionRepo) loadSegments(ctx context.Context, sessions []*models.WorkSession) error {
	if len(sessions) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.WorkSession, len(sessions))
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT session_id, seq, start_at, end_at, manual, source_request_id
		FROM session_segments
		WHERE session_id = ANY($1)
		ORDER BY session_id, seq`, ids)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID uuid.UUID
			seg       models.Segment
		)
		if err := rows.Scan(&sessionID, &seg.Seq, &seg.Start, &seg.End, &seg.Manual, &seg.SourceRequestID); err != nil {
			return err
		}
		if s, ok := byID[sessionID]; ok {
			s.Segments = append(s.Segments, seg)
		}
	}
	return mapErr(rows.Err())
}
