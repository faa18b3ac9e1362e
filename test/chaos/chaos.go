package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// terminateSQL kills one random backend of the caller's own run: same
// database and application_name, never the caller, and never a connection
// whose last statement was LISTEN, so merchant channel subscribers survive.
const terminateSQL = `
SELECT count(*) FROM (
    SELECT pg_terminate_backend(pid)
    FROM pg_stat_activity
    WHERE datname = current_database()
      AND pid <> pg_backend_pid()
      AND application_name = current_setting('application_name')
      AND backend_type = 'client backend'
      AND query NOT ILIKE 'listen %'
    ORDER BY random()
    LIMIT 1
) killed`

// TerminateOnce kills at most one backend and reports how many it killed.
func TerminateOnce(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, terminateSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// TerminateRandomBackend calls TerminateOnce on roughly one tick in five
// until stopped.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = TerminateOnce(ctx, pool)
			}
		}
	}
}
