package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend serving appName (all
// backends of the database when appName is empty), or only cancels its
// running statement. Services must leave the order row consistent either way.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			switch rand.Intn(5) {
			case 0:
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                    WHERE datname = current_database() AND pid <> pg_backend_pid()
                      AND ($1 = '' OR application_name = $1)
                    ORDER BY random() LIMIT 1`, appName)
			case 1:
				_, _ = pool.Exec(ctx, `SELECT pg_cancel_backend(pid) FROM pg_stat_activity
                    WHERE datname = current_database() AND pid <> pg_backend_pid()
                      AND state = 'active' AND ($1 = '' OR application_name = $1)
                    ORDER BY random() LIMIT 1`, appName)
			}
		}
	}
}
