package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus is the health of a connection pool as reported by /healthz.
type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency_ns"`
	TotalConns    int32         `json:"total_conns"`
	IdleConns     int32         `json:"idle_conns"`
	AcquiredConns int32         `json:"acquired_conns"`
	Error         string        `json:"error,omitempty"`
}

// Ping checks if the database is reachable.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is nil")
	}
	return pool.Ping(ctx)
}

// Check pings the database and reports pool statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *HealthStatus {
	status := &HealthStatus{}

	if pool == nil {
		status.Error = "pool is nil"
		return status
	}

	start := time.Now()
	err := pool.Ping(ctx)
	status.Latency = time.Since(start)

	if err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status
	}

	stats := pool.Stat()
	status.Healthy = true
	status.TotalConns = stats.TotalConns()
	status.IdleConns = stats.IdleConns()
	status.AcquiredConns = stats.AcquiredConns()

	return status
}
