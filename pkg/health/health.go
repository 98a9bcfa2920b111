// Package health aggregates liveness signals for the /health endpoint and
// the status command.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/breaker"
)

// poolWarnThreshold is the utilization above which the pool is reported
// degraded.
const poolWarnThreshold = 0.8

// Pinger is the database reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
	PoolUtilization() float64
}

// Report is the health snapshot.
type Report struct {
	Healthy         bool               `json:"healthy"`
	Database        string             `json:"database"`
	PoolUtilization float64            `json:"pool_utilization"`
	Breakers        map[string]string  `json:"breakers,omitempty"`
	CheckedAt       time.Time          `json:"checked_at"`
	LatencyMS       map[string]float64 `json:"latency_ms,omitempty"`
}

// Checker runs the health probes.
type Checker struct {
	db       Pinger
	breakers map[string]*breaker.Breaker
	logger   *zap.Logger
}

// New assembles a checker. breakers may be nil.
func New(db Pinger, breakers map[string]*breaker.Breaker, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{db: db, breakers: breakers, logger: logger}
}

// Check probes the database and reports breaker states. Open breakers mark
// the service degraded but not unhealthy: writes still land, enrichment is
// shelved.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Healthy:   true,
		Database:  "ok",
		CheckedAt: time.Now().UTC(),
		LatencyMS: make(map[string]float64),
	}

	started := time.Now()
	if err := c.db.Ping(ctx); err != nil {
		r.Healthy = false
		r.Database = err.Error()
		c.logger.Warn("health: database ping failed", zap.Error(err))
	}
	r.LatencyMS["database"] = float64(time.Since(started).Microseconds()) / 1000

	r.PoolUtilization = c.db.PoolUtilization()
	if r.PoolUtilization > poolWarnThreshold {
		c.logger.Warn("health: connection pool near saturation",
			zap.Float64("utilization", r.PoolUtilization))
	}

	if len(c.breakers) > 0 {
		r.Breakers = make(map[string]string, len(c.breakers))
		for name, b := range c.breakers {
			r.Breakers[name] = b.State().String()
		}
	}
	return r
}
