package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_signed_flag_matches_status",
			SQL:  `SELECT id, status, is_signed FROM merchants WHERE is_signed <> (status = 4)`,
		},
		{
			Name: "O2_status_log_head",
			SQL: `SELECT m.id, m.status, l.to_status FROM merchants m
                  JOIN LATERAL (
                      SELECT to_status FROM merchant_status_changes c
                      WHERE c.merchant_id = m.id ORDER BY c.id DESC LIMIT 1) l ON true
                  WHERE l.to_status <> m.status`,
		},
		{
			Name: "O3_status_log_chain",
			SQL: `WITH chain AS (
                      SELECT merchant_id, id, from_status,
                             LAG(to_status) OVER (PARTITION BY merchant_id ORDER BY id) AS prev
                      FROM merchant_status_changes)
                  SELECT * FROM chain WHERE prev IS NOT NULL AND from_status <> prev`,
		},
		{
			Name: "O4_provider_event_once_per_key",
			SQL: `SELECT (SELECT COUNT(*) FROM idempotency) AS keys,
                         (SELECT COUNT(*) FROM provider_events) AS ingested
                  WHERE (SELECT COUNT(*) FROM idempotency) <> (SELECT COUNT(*) FROM provider_events)`,
		},
		{
			Name: "O5_outbox_per_event",
			SQL: `SELECT (SELECT COUNT(*) FROM provider_events) AS ingested,
                         (SELECT COUNT(*) FROM outbox WHERE topic = 'merchant.provider_event') AS queued
                  WHERE (SELECT COUNT(*) FROM provider_events)
                        <> (SELECT COUNT(*) FROM outbox WHERE topic = 'merchant.provider_event')`,
		},
		{
			Name: "O6_outbox_stale",
			SQL: `SELECT id, topic, created_at FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_agreement_size",
			SQL:  `SELECT merchant_id, size FROM merchant_agreements WHERE content IS NOT NULL AND size <> octet_length(content)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
