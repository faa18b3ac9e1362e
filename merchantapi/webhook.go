package merchantapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"merchantflow/events"
	"merchantflow/merchant"
)

// ProviderEvent is a webhook delivery from the e-signature provider,
// normalized for ingest.
type ProviderEvent struct {
	IdempotencyKey string
	MerchantID     string
	Code           string
	OccurredAt     time.Time
	Payload        json.RawMessage
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventRepository defines the data access required by the webhook.
type EventRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	RecordProviderEventTx(ctx context.Context, tx pgx.Tx, params RecordProviderEventParams) error
}

// Webhook ingests provider events exactly once and pushes them onto the
// merchant topic when the transaction commits.
type Webhook struct {
	pool   TxBeginner
	repo   EventRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhook(pool TxBeginner, repo EventRepository, logger *zap.Logger) *Webhook {
	if repo == nil {
		repo = NewEventRepository()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		pool:   pool,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

func (w *Webhook) WithClock(now func() time.Time) *Webhook {
	if now != nil {
		w.now = now
	}
	return w
}

// HandleProviderEvent applies the server-side effect of ev and publishes it.
// Replays of the same idempotency key are acknowledged without effect.
func (w *Webhook) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("merchantapi: missing idempotency key")
	}
	if ev.MerchantID == "" {
		return fmt.Errorf("merchantapi: missing merchant id")
	}
	if ev.Code == "" {
		return fmt.Errorf("merchantapi: missing event code")
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = w.now()
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("merchantapi: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := w.repo.InsertIdempotencyKey(ctx, tx, ev.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			w.logger.Info("provider event replay ignored",
				zap.String("merchant_id", ev.MerchantID),
				zap.String("idempotency_key", ev.IdempotencyKey),
			)
			return nil
		}
		return err
	}

	params := RecordProviderEventParams{
		MerchantID: ev.MerchantID,
		Code:       ev.Code,
		OccurredAt: occurred.UTC(),
		Payload:    ev.Payload,
	}
	if target, ok := serverTransition(events.KindOf(ev.Code)); ok {
		params.Transition = &target
	}

	if err := w.repo.RecordProviderEventTx(ctx, tx, params); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("merchantapi: commit tx: %w", err)
	}

	w.logger.Info("provider event ingested",
		zap.String("merchant_id", ev.MerchantID),
		zap.String("code", ev.Code),
	)
	return nil
}

// serverTransition is the status the server of record moves to on each
// provider code. Informational codes change nothing.
func serverTransition(kind events.Kind) (merchant.Status, bool) {
	switch kind {
	case events.KindPlatformRejected:
		return merchant.StatusDraft, true
	case events.KindMerchantSigned:
		return merchant.StatusAgreementSigning, true
	case events.KindPlatformCountersigned:
		return merchant.StatusAgreementSigned, true
	}
	return 0, false
}
