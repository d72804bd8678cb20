package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.WorkSession, error) {
	var (
		s                       models.WorkSession
		id, ownerID, status     string
		projectID, customTask   sql.NullString
		openSince, lastLiveness sql.NullString
		deviceInfo              sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&id, &ownerID, &projectID, &customTask, &s.TargetName, &s.Day, &status, &openSince,
		&s.AccumulatedMinutes, &s.Notes, &s.DeviceID, &deviceInfo, &lastLiveness, &s.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	if s.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	pid, err := parseNullUUID(projectID)
	if err != nil {
		return nil, fmt.Errorf("parse project id: %w", err)
	}
	var label *string
	if customTask.Valid {
		label = &customTask.String
	}
	s.Target = models.TargetFromColumns(pid, label)
	s.Status = models.SessionStatus(status)
	if s.OpenSince, err = parseNullTime(openSince); err != nil {
		return nil, err
	}
	if s.LastLivenessAt, err = parseNullTime(lastLiveness); err != nil {
		return nil, err
	}
	if deviceInfo.Valid && deviceInfo.String != "" {
		s.DeviceInfo = json.RawMessage(deviceInfo.String)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	s.Segments = []models.Segment{}
	return &s, nil
}

func deviceInfoArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
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
		_, err := db.ExecContext(ctx, `
			INSERT INTO work_sessions (id, owner_id, project_id, custom_task, target_name, day, status, open_since,
				accumulated_minutes, notes, device_id, device_info, last_liveness_at, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.OwnerID.String(), uuidArg(projectID), stringArg(customTask), s.TargetName, s.Day,
			string(s.Status), formatTimePtr(s.OpenSince), s.AccumulatedMinutes, s.Notes, s.DeviceID,
			deviceInfoArg(s.DeviceInfo), formatTimePtr(s.LastLivenessAt), s.Version,
			formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		)
		if err != nil {
			return mapErr(err)
		}
		return insertSegments(ctx, db, s.ID, s.Segments)
	})
}

func insertSegments(ctx context.Context, db DBTX, sessionID uuid.UUID, segs []models.Segment) error {
	for _, seg := range segs {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_segments (session_id, seq, start_at, end_at, manual, source_request_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID.String(), seg.Seq, formatTime(seg.Start), formatTime(seg.End), seg.Manual, uuidArg(seg.SourceRequestID),
		)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE id = ?`, id.String())
	return r.one(ctx, row)
}

func (r *SessionRepo) LatestByOwner(ctx context.Context, ownerID uuid.UUID, statuses ...models.SessionStatus) (*models.WorkSession, error) {
	args := []any{ownerID.String()}
	query := `SELECT ` + sessionColumns + ` FROM work_sessions WHERE owner_id = ?`
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`
	return r.one(ctx, r.db.QueryRowContext(ctx, query, args...))
}

func (r *SessionRepo) ListActiveOutsideDay(ctx context.Context, ownerID uuid.UUID, day string) ([]*models.WorkSession, error) {
	return r.many(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE owner_id = ? AND status = 'active' AND day <> ?
		ORDER BY created_at`, ownerID.String(), day)
}

func (r *SessionRepo) FindBucket(ctx context.Context, ownerID uuid.UUID, day string, target models.TaskTarget) (*models.WorkSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM work_sessions WHERE owner_id = ? AND day = ?`
	args := []any{ownerID.String(), day}
	if pid, ok := target.Project(); ok {
		query += ` AND project_id = ?`
		args = append(args, pid.String())
	} else {
		label, _ := target.Custom()
		query += ` AND project_id IS NULL AND custom_task = ?`
		args = append(args, label)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`
	return r.one(ctx, r.db.QueryRowContext(ctx, query, args...))
}

// LockBucket is a no-op: the store runs on a single connection, so
// transactions are already serialized.
func (r *SessionRepo) LockBucket(context.Context, uuid.UUID, string, models.TaskTarget) error {
	return nil
}

func (r *SessionRepo) ListIdleCandidates(ctx context.Context, createdBefore, livenessBefore time.Time) ([]*models.WorkSession, error) {
	return r.many(ctx, `SELECT `+sessionColumns+` FROM work_sessions
		WHERE status = 'active'
		  AND open_since IS NOT NULL
		  AND created_at < ?
		  AND (last_liveness_at IS NULL OR last_liveness_at < ?)
		ORDER BY created_at`, formatTime(createdBefore), formatTime(livenessBefore))
}

func (r *SessionRepo) Update(ctx context.Context, s *models.WorkSession, appended []models.Segment) error {
	projectID, customTask := s.Target.Columns()
	return inTx(ctx, r.db, func(db DBTX) error {
		res, err := db.ExecContext(ctx, `
			UPDATE work_sessions
			SET project_id = ?, custom_task = ?, target_name = ?, status = ?, open_since = ?,
				accumulated_minutes = ?, notes = ?, device_id = ?, device_info = ?, last_liveness_at = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			uuidArg(projectID), stringArg(customTask), s.TargetName, string(s.Status), formatTimePtr(s.OpenSince),
			s.AccumulatedMinutes, s.Notes, s.DeviceID, deviceInfoArg(s.DeviceInfo), formatTimePtr(s.LastLivenessAt),
			formatTime(s.UpdatedAt), s.ID.String(), s.Version,
		)
		if err != nil {
			return mapErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
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
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_sessions
		SET last_liveness_at = ?,
			device_id = CASE WHEN ? <> '' THEN ? ELSE device_id END,
			version = version + 1,
			updated_at = ?
		WHERE owner_id = ? AND status IN ('active', 'paused')`,
		formatTime(at), deviceID, deviceID, formatTime(at), ownerID.String(),
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func (r *SessionRepo) List(ctx context.Context, f models.SessionFilter) ([]*models.WorkSession, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != nil {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID.String())
	}
	if f.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID.String())
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.FromDay != "" {
		where = append(where, "day >= ?")
		args = append(args, f.FromDay)
	}
	if f.ToDay != "" {
		where = append(where, "day <= ?")
		args = append(args, f.ToDay)
	}

	query := `SELECT ` + sessionColumns + ` FROM work_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	return r.many(ctx, query, args...)
}

func (r *SessionRepo) one(ctx context.Context, row *sql.Row) (*models.WorkSession, error) {
	s, err := scanSession(row)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := r.loadSegments(ctx, []*models.WorkSession{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) many(ctx context.Context, query string, args ...any) ([]*models.WorkSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	// Close before loading segments; a single connection cannot hold two cursors.
	if err := rows.Close(); err != nil {
		return nil, err
	}
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
	byID := make(map[string]*models.WorkSession, len(sessions))
	args := make([]any, 0, len(sessions))
	for _, s := range sessions {
		byID[s.ID.String()] = s
		args = append(args, s.ID.String())
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, seq, start_at, end_at, manual, source_request_id
		FROM session_segments
		WHERE session_id IN (`+placeholders(len(args))+`)
		ORDER BY session_id, seq`, args...)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID, start, end string
			seg                   models.Segment
			source                sql.NullString
		)
		if err := rows.Scan(&sessionID, &seg.Seq, &start, &end, &seg.Manual, &source); err != nil {
			return err
		}
		if seg.Start, err = parseTime(start); err != nil {
			return err
		}
		if seg.End, err = parseTime(end); err != nil {
			return err
		}
		if seg.SourceRequestID, err = parseNullUUID(source); err != nil {
			return err
		}
		if s, ok := byID[sessionID]; ok {
			s.Segments = append(s.Segments, seg)
		}
	}
	return rows.Err()
}
