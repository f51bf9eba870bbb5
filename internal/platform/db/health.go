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
}

// Pinger checks database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type statter interface {
	Stat() *pgxpool.Stat
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(stat *pgxpool.Stat) *PoolStats {
	if stat == nil {
		return nil
	}
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler returns a handler for the database health check endpoint.
// Pool statistics are included when p is a *pgxpool.Pool.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := map[string]interface{}{"status": "healthy"}
		if s, ok := p.(statter); ok {
			resp["pool"] = GetPoolStats(s.Stat())
		}

		if err := p.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}
