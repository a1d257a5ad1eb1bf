package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
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

// Check is a named readiness check for a backing service (redis, object
// storage, message broker).
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// runChecks executes every check and returns per-check status plus whether
// all of them passed.
func runChecks(ctx context.Context, checks []Check) (map[string]string, bool) {
	out := make(map[string]string, len(checks))
	ok := true
	for _, chk := range checks {
		if err := chk.Fn(ctx); err != nil {
			out[chk.Name] = err.Error()
			ok = false
			continue
		}
		out[chk.Name] = "ok"
	}
	return out, ok
}

// HealthHandler returns a handler for the readiness endpoint. The database is
// always checked; extra checks cover the other dependencies.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		deps, depsOK := runChecks(ctx, checks)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":       "unhealthy",
				"error":        err.Error(),
				"pool":         stats,
				"dependencies": deps,
			})
		}
		if !depsOK {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":       "degraded",
				"pool":         stats,
				"dependencies": deps,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"pool":         stats,
			"dependencies": deps,
		})
	}
}
