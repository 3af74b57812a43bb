package metrics

import (
	"context"
	"database/sql"
	"time"
)

// UpdateDBPoolStats updates database connection pool metrics from sql.DBStats.
func UpdateDBPoolStats(pool string, stats sql.DBStats) {
	DBConnectionPoolSize.WithLabelValues(pool, "active").Set(float64(stats.InUse))
	DBConnectionPoolSize.WithLabelValues(pool, "idle").Set(float64(stats.Idle))
	DBConnectionPoolSize.WithLabelValues(pool, "max").Set(float64(stats.MaxOpenConnections))
}

// WatchDBPool samples db stats every interval until ctx is done.
func WatchDBPool(ctx context.Context, pool string, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		UpdateDBPoolStats(pool, db.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
