package merchantapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"merchantflow/events"
	"merchantflow/merchant"
)

// OutboxTopicProviderEvent is the outbox topic for ingested provider events.
const OutboxTopicProviderEvent = "merchant.provider_event"

// RecordProviderEventParams is the normalized input of RecordProviderEventTx.
type RecordProviderEventParams struct {
	MerchantID string
	Code       string
	OccurredAt time.Time
	Payload    json.RawMessage
	// Transition is the status the merchant moves to, if any.
	Transition *merchant.Status
}

// Repository is the pgx implementation of EventRepository.
type Repository struct{}

func NewEventRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey reserves key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("merchantapi: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("merchantapi: insert idempotency key: %w", err)
	}
	return nil
}

// RecordProviderEventTx appends the event, applies the status transition,
// writes the outbox row and notifies the merchant topic. The notification is
// delivered only if the transaction commits.
func (r *Repository) RecordProviderEventTx(ctx context.Context, tx pgx.Tx, params RecordProviderEventParams) error {
	if params.MerchantID == "" {
		return fmt.Errorf("merchantapi: missing merchant id")
	}

	eventID := uuid.New()
	if err := r.appendProviderEvent(ctx, tx, eventID, params); err != nil {
		return err
	}

	if params.Transition != nil {
		message := "provider event " + params.Code
		if _, err := changeStatusTx(ctx, tx, params.MerchantID, *params.Transition, message, params.OccurredAt); err != nil {
			return err
		}
	}

	wire, err := events.Encode(eventID.String(), params.Code, params.OccurredAt, params.Payload)
	if err != nil {
		return fmt.Errorf("merchantapi: encode event: %w", err)
	}

	if err := r.enqueueOutbox(ctx, tx, params.MerchantID, wire); err != nil {
		return err
	}

	if err := events.Publish(ctx, tx, params.MerchantID, wire); err != nil {
		return fmt.Errorf("merchantapi: notify merchant topic: %w", err)
	}
	return nil
}

func (r *Repository) appendProviderEvent(ctx context.Context, tx pgx.Tx, id uuid.UUID, params RecordProviderEventParams) error {
	var payload any
	if len(params.Payload) > 0 {
		payload = []byte(params.Payload)
	}

	const insertSQL = `
INSERT INTO provider_events (id, merchant_id, code, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := tx.Exec(ctx, insertSQL, id, params.MerchantID, params.Code, payload, params.OccurredAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("merchantapi: provider event for %s: %w", params.MerchantID, ErrNotFound)
		}
		return fmt.Errorf("merchantapi: insert provider event: %w", err)
	}
	return nil
}

func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, merchantID string, wire []byte) error {
	payload, err := json.Marshal(map[string]any{
		"merchant_id": merchantID,
		"topic":       events.Topic(merchantID),
		"event":       json.RawMessage(wire),
	})
	if err != nil {
		return fmt.Errorf("merchantapi: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, OutboxTopicProviderEvent, payload); err != nil {
		return fmt.Errorf("merchantapi: insert outbox message: %w", err)
	}
	return nil
}
