package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"merchantflow/agreement"
	"merchantflow/events"
	"merchantflow/merchant"
	"merchantflow/merchantapi"
)

// Stats counts operations that failed for reasons the oracles do not judge,
// such as backends killed by chaos.
type Stats struct {
	Transient atomic.Int64
}

func (s *Stats) transient(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.Transient.Add(1)
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Creator races other creators to register the same merchant ids.
func Creator(ctx context.Context, store *merchantapi.PGStore, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := store.CreateMerchant(ctx, ids[rng.Intn(len(ids))])
		if err != nil && !errors.Is(err, merchantapi.ErrValidation) { // duplicate under contention
			if err := stats.transient(err); err != nil {
				return err
			}
		}
		pause(rng, 10, 20)
	}
}

// Deliverer replays provider webhooks. Keys come from a small space so the
// same delivery arrives many times.
func Deliverer(ctx context.Context, hook *merchantapi.Webhook, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	codes := []string{
		events.CodeSigningFailed,
		events.CodeSignerDeclined,
		events.CodePlatformSignerDeclined,
		events.CodeMerchantSigned,
		events.CodePlatformSigned,
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := ids[rng.Intn(len(ids))]
		code := codes[rng.Intn(len(codes))]
		err := hook.HandleProviderEvent(ctx, merchantapi.ProviderEvent{
			IdempotencyKey: fmt.Sprintf("%s-%s-%d", id, code, rng.Intn(8)),
			MerchantID:     id,
			Code:           code,
		})
		switch {
		case err == nil:
		case errors.Is(err, merchantapi.ErrNotFound):
			// merchant not created yet
		default:
			if err := stats.transient(err); err != nil {
				return err
			}
		}
		pause(rng, 5, 20)
	}
}

// StatusWriter moves merchants through arbitrary statuses the way an
// operator would from the CLI.
func StatusWriter(ctx context.Context, store *merchantapi.PGStore, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		status := merchant.Status(rng.Intn(5))
		_, err := store.ChangeStatus(ctx, ids[rng.Intn(len(ids))], status, "stress")
		if err != nil && !errors.Is(err, merchantapi.ErrNotFound) {
			if err := stats.transient(err); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

// AgreementWriter regenerates agreements and reads them back.
func AgreementWriter(ctx context.Context, store *merchantapi.PGStore, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := ids[rng.Intn(len(ids))]
		content := make([]byte, 16+rng.Intn(64))
		rng.Read(content)
		doc := agreement.Document{
			Metadata: agreement.Metadata{Name: "License Agreement", Extension: "pdf", Size: int64(len(content))},
			URL:      "https://files.example.com/agreements/" + id + ".pdf",
		}
		err := store.PutAgreement(ctx, id, doc, content)
		if err == nil {
			_, err = store.DownloadAgreement(ctx, doc.URL, doc.Metadata.Extension)
		}
		if err != nil && !errors.Is(err, merchantapi.ErrNotFound) {
			if err := stats.transient(err); err != nil {
				return err
			}
		}
		pause(rng, 30, 50)
	}
}

// OutboxWorker claims unpublished outbox rows with SKIP LOCKED and marks them
// published, occasionally leaving one for a later pass.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if err := claimOutbox(ctx, pool, rng); err != nil {
			if err := stats.transient(err); err != nil {
				return err
			}
		}
		pause(rng, 100, 20)
	}
}

func claimOutbox(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, 10)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if rng.Intn(10) == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
