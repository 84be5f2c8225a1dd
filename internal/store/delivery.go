package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/delivery"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
)

// Enqueue implements delivery.Store.
func (s *Store) Enqueue(ctx context.Context, j *delivery.Job) error {
	if j.ID == "" {
		j.ID = newID()
	}
	q := fmt.Sprintf(`INSERT INTO delivery_jobs (id, inbox_url, activity_id, payload, actor_key_owner_type, actor_key_owner_id, attempts, max_attempts, status, not_before, created_at)
		VALUES (%s)`, s.phList(1, 11))
	_, err := s.db.ExecContext(ctx, q, j.ID, j.InboxURL, j.ActivityID, j.Payload, string(j.ActorKeyOwner), j.ActorKeyOwnerID, j.Attempts, j.MaxAttempts, string(delivery.StatusPending), formatTime(j.NotBefore), formatTime(j.CreatedAt))
	return err
}

// ClaimBatch atomically claims up to limit pending-and-due jobs. Postgres
// uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never block
// each other on the same row; SQLite has no row locking, but its single
// writer serializes the claim UPDATE so a transaction-scoped claim is still
// exclusive in practice.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*delivery.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var selectQ string
	if s.driver == "postgres" {
		selectQ = fmt.Sprintf(`SELECT id FROM delivery_jobs WHERE status = %s AND not_before <= %s ORDER BY not_before LIMIT %s FOR UPDATE SKIP LOCKED`, s.ph(1), s.ph(2), s.ph(3))
	} else {
		selectQ = fmt.Sprintf(`SELECT id FROM delivery_jobs WHERE status = %s AND not_before <= %s ORDER BY not_before LIMIT %s`, s.ph(1), s.ph(2), s.ph(3))
	}
	rows, err := tx.QueryContext(ctx, selectQ, string(delivery.StatusPending), formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	var jobs []*delivery.Job
	for _, id := range ids {
		updateQ := fmt.Sprintf(`UPDATE delivery_jobs SET status = %s, claimed_at = %s, claimed_by = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		if _, err := tx.ExecContext(ctx, updateQ, string(delivery.StatusClaimed), formatTime(now), workerID, id); err != nil {
			return nil, err
		}

		selectJobQ := fmt.Sprintf(`SELECT id, inbox_url, activity_id, payload, actor_key_owner_type, actor_key_owner_id, attempts, max_attempts, status, not_before, last_error, created_at FROM delivery_jobs WHERE id = %s`, s.ph(1))
		row := tx.QueryRowContext(ctx, selectJobQ, id)
		j, err := scanDeliveryJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, tx.Commit()
}

func scanDeliveryJob(row *sql.Row) (*delivery.Job, error) {
	var j delivery.Job
	var ownerKind, status, notBefore, createdAt string
	var lastErr sql.NullString
	err := row.Scan(&j.ID, &j.InboxURL, &j.ActivityID, &j.Payload, &ownerKind, &j.ActorKeyOwnerID, &j.Attempts, &j.MaxAttempts, &status, &notBefore, &lastErr, &createdAt)
	if err != nil {
		return nil, err
	}
	j.ActorKeyOwner = keystore.EntityKind(ownerKind)
	j.Status = delivery.Status(status)
	j.LastError = lastErr.String
	j.NotBefore, err = parseTime(notBefore)
	if err != nil {
		return nil, err
	}
	j.CreatedAt, err = parseTime(createdAt)
	return &j, err
}

func (s *Store) MarkSent(ctx context.Context, id string, attempts int) error {
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status = %s, attempts = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, q, string(delivery.StatusSent), attempts, id)
	return err
}

func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, notBefore time.Time, lastErr string) error {
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status = %s, attempts = %s, not_before = %s, last_error = %s, claimed_at = NULL, claimed_by = NULL WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, string(delivery.StatusPending), attempts, formatTime(notBefore), lastErr, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status = %s, attempts = %s, last_error = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, q, string(delivery.StatusFailed), attempts, lastErr, id)
	return err
}
