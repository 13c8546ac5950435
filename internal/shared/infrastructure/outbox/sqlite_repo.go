package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteRepository stores the outbox in SQLite for single-node deployments.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a SQLite outbox repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// SaveBatch inserts msgs, joining the transaction in ctx when there is one.
func (r *SQLiteRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	exec := persistence.SQLite(ctx, r.db)
	for _, msg := range msgs {
		md, err := encodeMetadata(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		res, err := exec.ExecContext(ctx, `
			INSERT INTO outbox (event_id, aggregate_type, aggregate_id, routing_key, payload, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.EventID.String(), msg.AggregateType, msg.AggregateID.String(), msg.RoutingKey,
			string(msg.Payload), string(md), persistence.FormatSQLiteTime(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save outbox message %s: %w", msg.EventID, err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read outbox id: %w", err)
		}
	}
	return nil
}

// Claim leases due messages by moving next_attempt_at forward.
func (r *SQLiteRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*Message, error) {
	now := r.now()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox SET next_attempt_at = ?
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NULL
			  AND dead_at IS NULL
			  AND COALESCE(next_attempt_at, created_at) <= ?
			ORDER BY COALESCE(next_attempt_at, created_at), id
			LIMIT ?
		)
		RETURNING id, event_id, aggregate_type, aggregate_id, routing_key,
		          payload, metadata, created_at, attempts, last_error`,
		persistence.FormatSQLiteTime(now.Add(lease)), persistence.FormatSQLiteTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOldestFirst(msgs)
	return msgs, nil
}

func scanSQLiteMessage(rows *sql.Rows) (*Message, error) {
	var (
		msg                           Message
		eventID, aggregateID, payload string
		md, createdAt                 string
	)
	if err := rows.Scan(
		&msg.ID, &eventID, &msg.AggregateType, &aggregateID, &msg.RoutingKey,
		&payload, &md, &createdAt, &msg.Attempts, &msg.LastError,
	); err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}

	var err error
	if msg.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", eventID, err)
	}
	if msg.AggregateID, err = uuid.Parse(aggregateID); err != nil {
		return nil, fmt.Errorf("invalid aggregate id %q: %w", aggregateID, err)
	}
	if msg.CreatedAt, err = persistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	msg.Payload = []byte(payload)
	msg.Metadata = decodeMetadata([]byte(md))
	return &msg, nil
}

// MarkPublished records a successful delivery.
func (r *SQLiteRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ?`, persistence.FormatSQLiteTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark message %d published: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery and when to try again.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?`, errMsg, persistence.FormatSQLiteTime(nextAttemptAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark message %d failed: %w", id, err)
	}
	return nil
}

// MarkDead takes a message out of rotation.
func (r *SQLiteRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET dead_at = ?, dead_reason = ?, attempts = attempts + 1
		WHERE id = ?`, persistence.FormatSQLiteTime(r.now()), reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %d dead: %w", id, err)
	}
	return nil
}

// Backlog counts pending and dead messages.
func (r *SQLiteRepository) Backlog(ctx context.Context) (Backlog, error) {
	var (
		b      Backlog
		oldest sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN published_at IS NULL AND dead_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN published_at IS NULL AND dead_at IS NULL THEN created_at END)
		FROM outbox`,
	).Scan(&b.Pending, &b.Dead, &oldest)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to read outbox backlog: %w", err)
	}
	if b.OldestPendingAt, err = persistence.ParseSQLiteTimePtr(oldest); err != nil {
		return Backlog{}, fmt.Errorf("invalid created_at %q: %w", oldest.String, err)
	}
	return b, nil
}

// DeleteOld removes published messages past retention.
func (r *SQLiteRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -olderThanDays)
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL AND published_at < ?`, persistence.FormatSQLiteTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old outbox messages: %w", err)
	}
	return res.RowsAffected()
}
