package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores the outbox in PostgreSQL. Concurrent workers
// claim disjoint batches through FOR UPDATE SKIP LOCKED.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a PostgreSQL outbox repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// SaveBatch queues all inserts in one round trip.
func (r *PostgresRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, msg := range msgs {
		md, err := encodeMetadata(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO outbox (event_id, aggregate_type, aggregate_id, routing_key, payload, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			msg.EventID, msg.AggregateType, msg.AggregateID, msg.RoutingKey, []byte(msg.Payload), md, msg.CreatedAt,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&msg.ID)
		})
	}

	if err := persistence.Executor(ctx, r.pool).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save outbox batch: %w", err)
	}
	return nil
}

// Claim pushes next_attempt_at forward by lease on the claimed rows so a
// crashed worker's batch becomes due again on its own.
func (r *PostgresRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*Message, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox
			WHERE published_at IS NULL
			  AND dead_at IS NULL
			  AND COALESCE(next_attempt_at, created_at) <= NOW()
			ORDER BY COALESCE(next_attempt_at, created_at), id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET next_attempt_at = NOW() + make_interval(secs => $2)
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.event_id, o.aggregate_type, o.aggregate_id, o.routing_key,
		          o.payload, o.metadata, o.created_at, o.attempts, o.last_error`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			msg     Message
			payload []byte
			md      []byte
		)
		if err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.RoutingKey,
			&payload, &md, &msg.CreatedAt, &msg.Attempts, &msg.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msg.Payload = payload
		msg.Metadata = decodeMetadata(md)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOldestFirst(msgs)
	return msgs, nil
}

// MarkPublished records a successful delivery.
func (r *PostgresRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET published_at = NOW(), attempts = attempts + 1, last_error = ''
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %d published: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery and when to try again.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1`, id, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to mark message %d failed: %w", id, err)
	}
	return nil
}

// MarkDead takes a message out of rotation.
func (r *PostgresRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET dead_at = NOW(), dead_reason = $2, attempts = attempts + 1
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark message %d dead: %w", id, err)
	}
	return nil
}

// Backlog counts pending and dead messages.
func (r *PostgresRepository) Backlog(ctx context.Context) (Backlog, error) {
	var b Backlog
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE published_at IS NULL AND dead_at IS NULL),
			COUNT(*) FILTER (WHERE dead_at IS NOT NULL),
			MIN(created_at) FILTER (WHERE published_at IS NULL AND dead_at IS NULL)
		FROM outbox`,
	).Scan(&b.Pending, &b.Dead, &b.OldestPendingAt)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to read outbox backlog: %w", err)
	}
	return b, nil
}

// DeleteOld removes published messages past retention. Dead messages stay
// until someone looks at them.
func (r *PostgresRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL
		  AND published_at < NOW() - make_interval(days => $1)`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
