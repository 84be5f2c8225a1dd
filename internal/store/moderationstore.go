package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/moderation"
)

// AppendLog implements moderation.Store: ModerationLog is append-only, no
// update or delete path exists for it.
func (s *Store) AppendLog(ctx context.Context, e *moderation.LogEntry) error {
	e.ID = newID()
	e.CreatedAt = time.Now()
	q := fmt.Sprintf(`INSERT INTO moderation_log (id, actor_user_id, action, target_type, target_id, reason, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, q, e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID, nullableString(e.Reason), formatTime(e.CreatedAt))
	return err
}

// CreateReport implements moderation.Store.
func (s *Store) CreateReport(ctx context.Context, r *moderation.Report) error {
	r.ID = newID()
	r.CreatedAt = time.Now()
	q := fmt.Sprintf(`INSERT INTO reports (id, reporter_user_id, target_type, target_id, reason, status, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, q, r.ID, r.ReporterID, r.TargetType, r.TargetID, r.Reason, string(r.Status), formatTime(r.CreatedAt))
	return err
}

// GetReport implements moderation.Store.
func (s *Store) GetReport(ctx context.Context, id string) (*moderation.Report, error) {
	q := fmt.Sprintf(`SELECT id, reporter_user_id, target_type, target_id, reason, status, resolved_by, created_at, resolved_at
		FROM reports WHERE id = %s`, s.ph(1))
	var r moderation.Report
	var resolvedBy, resolvedAt sql.NullString
	var status string
	var created string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&r.ID, &r.ReporterID, &r.TargetType, &r.TargetID, &r.Reason, &status, &resolvedBy, &created, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = moderation.ReportStatus(status)
	r.ResolvedBy = resolvedBy.String
	r.CreatedAt, _ = parseTime(created)
	if resolvedAt.Valid {
		t, _ := parseTime(resolvedAt.String)
		r.ResolvedAt = &t
	}
	return &r, nil
}

// ResolveReport implements moderation.Store: stamps resolved_by/resolved_at
// and flips status away from open.
func (s *Store) ResolveReport(ctx context.Context, id, resolvedBy string, status moderation.ReportStatus, resolvedAt time.Time) error {
	q := fmt.Sprintf(`UPDATE reports SET status = %s, resolved_by = %s, resolved_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, q, string(status), resolvedBy, formatTime(resolvedAt), id)
	return err
}
