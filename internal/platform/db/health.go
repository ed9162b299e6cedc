package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool statistics served by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings the database and reports pool statistics. The pending
// migration count is included so a deploy that skipped `migrate up` shows as
// degraded.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, schema string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		body := map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		}
		if migrator != nil {
			if statuses, err := migrator.Status(ctx, schema); err == nil {
				pending := PendingCount(statuses)
				body["pending_migrations"] = pending
				if pending > 0 {
					body["status"] = "degraded"
				}
			}
		}
		return c.JSON(http.StatusOK, body)
	}
}

// PendingCount returns how many migrations have not been applied.
func PendingCount(statuses []MigrationStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n
}
