package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteWebhookEventRepository implements domain.WebhookEventRepository with SQLite.
type SQLiteWebhookEventRepository struct {
	dbConn *sql.DB
}

// NewSQLiteWebhookEventRepository creates a new repository.
func NewSQLiteWebhookEventRepository(dbConn *sql.DB) *SQLiteWebhookEventRepository {
	return &SQLiteWebhookEventRepository{dbConn: dbConn}
}

func (r *SQLiteWebhookEventRepository) getDB(ctx context.Context) sqliteExecutor {
	return sqliteConn(ctx, r.dbConn)
}

// Record inserts the event unless (provider, event id) was seen before.
func (r *SQLiteWebhookEventRepository) Record(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	db := r.getDB(ctx)
	result, err := db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING
	`,
		e.ID.String(), e.Provider, e.EventID, e.EventType, e.GatewayReference, boolToInt(e.SignatureValid),
		string(e.Outcome), e.ProcessingError, e.Payload, sharedPersistence.FormatSQLiteTime(e.ReceivedAt),
		sharedPersistence.FormatSQLiteTimePtr(e.ProcessedAt),
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 1 {
		return e, true, nil
	}

	var (
		stored                  domain.WebhookEvent
		id, outcome, receivedAt string
		signatureValid          int
		processedAt             sql.NullString
	)
	err = db.QueryRowContext(ctx, `
		SELECT `+webhookEventColumns+`
		FROM webhook_events
		WHERE provider = ? AND event_id = ?
	`, e.Provider, e.EventID).Scan(
		&id, &stored.Provider, &stored.EventID, &stored.EventType, &stored.GatewayReference,
		&signatureValid, &outcome, &stored.ProcessingError, &stored.Payload, &receivedAt, &processedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if stored.ID, err = uuid.Parse(id); err != nil {
		return nil, false, fmt.Errorf("failed to parse webhook event id: %w", err)
	}
	if stored.ReceivedAt, err = sharedPersistence.ParseSQLiteTime(receivedAt); err != nil {
		return nil, false, err
	}
	if stored.ProcessedAt, err = sharedPersistence.ParseSQLiteTimePtr(processedAt); err != nil {
		return nil, false, err
	}
	stored.SignatureValid = signatureValid != 0
	stored.Outcome = domain.NotificationOutcome(outcome)
	return &stored, false, nil
}

// MarkProcessed stores the outcome of handling an event.
func (r *SQLiteWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, outcome domain.NotificationOutcome, processingError string, at time.Time) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE webhook_events
		SET outcome = ?, processing_error = ?, processed_at = ?
		WHERE id = ?
	`, string(outcome), processingError, sharedPersistence.FormatSQLiteTime(at), id.String())
	return err
}

var _ domain.WebhookEventRepository = (*SQLiteWebhookEventRepository)(nil)
