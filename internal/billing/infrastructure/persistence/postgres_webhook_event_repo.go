package persistence

import (
	"context"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWebhookEventRepository implements domain.WebhookEventRepository using PostgreSQL.
type PostgresWebhookEventRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresWebhookEventRepository creates a new PostgreSQL webhook event repository.
func NewPostgresWebhookEventRepository(pool *pgxpool.Pool) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{pool: pool}
}

const webhookEventColumns = `
	id, provider, event_id, event_type, gateway_reference, signature_valid,
	outcome, processing_error, payload, received_at, processed_at
`

// Record inserts the event unless (provider, event id) was seen before.
func (r *PostgresWebhookEventRepository) Record(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	tag, err := db.Exec(ctx, `
		INSERT INTO webhook_events (`+webhookEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, event_id) DO NOTHING
	`,
		e.ID, e.Provider, e.EventID, e.EventType, e.GatewayReference, e.SignatureValid,
		string(e.Outcome), e.ProcessingError, e.Payload, e.ReceivedAt, e.ProcessedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}

	var (
		stored  domain.WebhookEvent
		outcome string
	)
	err = db.QueryRow(ctx, `
		SELECT `+webhookEventColumns+`
		FROM webhook_events
		WHERE provider = $1 AND event_id = $2
	`, e.Provider, e.EventID).Scan(
		&stored.ID, &stored.Provider, &stored.EventID, &stored.EventType, &stored.GatewayReference,
		&stored.SignatureValid, &outcome, &stored.ProcessingError, &stored.Payload,
		&stored.ReceivedAt, &stored.ProcessedAt,
	)
	if err != nil {
		return nil, false, err
	}
	stored.Outcome = domain.NotificationOutcome(outcome)
	stored.ReceivedAt = stored.ReceivedAt.UTC()
	stored.ProcessedAt = utcPtr(stored.ProcessedAt)
	return &stored, false, nil
}

// MarkProcessed stores the outcome of handling an event.
func (r *PostgresWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, outcome domain.NotificationOutcome, processingError string, at time.Time) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE webhook_events
		SET outcome = $2, processing_error = $3, processed_at = $4
		WHERE id = $1
	`, id, string(outcome), processingError, at)
	return err
}

var _ domain.WebhookEventRepository = (*PostgresWebhookEventRepository)(nil)
