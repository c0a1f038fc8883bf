package health

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/insightengine/orchestrator/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client  redis.UniversalClient
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. wrapper may be nil.
func NewRedisHealthChecker(client redis.UniversalClient, wrapper *circuitbreaker.RedisWrapper) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, wrapper: wrapper, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Redis circuit breaker is open"}
	}
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	return latencyResult("Redis", time.Since(start), err)
}

// DatabaseHealthChecker checks SQL database connectivity
type DatabaseHealthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *sqlx.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := d.db.PingContext(ctx)
	res := latencyResult("Database", time.Since(start), err)
	if err == nil {
		stats := d.db.Stats()
		res.Details["open_connections"] = stats.OpenConnections
		res.Details["in_use"] = stats.InUse
		res.Details["idle"] = stats.Idle
	}
	return res
}

func latencyResult(component string, latency time.Duration, err error) CheckResult {
	details := map[string]interface{}{"latency_ms": latency.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: component + " ping failed", Details: details}
	case latency > slowThreshold:
		return CheckResult{Status: StatusDegraded, Message: component + " responding but with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: component + " healthy", Details: details}
	}
}

// BreakerSource reports circuit breaker states.
type BreakerSource interface {
	Snapshot() []circuitbreaker.BreakerStatus
}

// CircuitBreakerHealthChecker reports degraded while any outbound breaker
// (LLM, search, upload) is open. It never blocks readiness; the pipeline
// surfaces those failures per session.
type CircuitBreakerHealthChecker struct {
	source BreakerSource
}

// NewCircuitBreakerHealthChecker uses the process-wide collector when source is nil.
func NewCircuitBreakerHealthChecker(source BreakerSource) *CircuitBreakerHealthChecker {
	if source == nil {
		source = circuitbreaker.GlobalMetricsCollector
	}
	return &CircuitBreakerHealthChecker{source: source}
}

func (c *CircuitBreakerHealthChecker) Name() string           { return "circuit_breakers" }
func (c *CircuitBreakerHealthChecker) IsCritical() bool       { return false }
func (c *CircuitBreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (c *CircuitBreakerHealthChecker) Check(ctx context.Context) CheckResult {
	states := map[string]interface{}{}
	var open []string
	for _, b := range c.source.Snapshot() {
		states[b.Key] = b.State.String()
		if b.State == circuitbreaker.StateOpen {
			open = append(open, b.Key)
		}
	}
	if len(open) > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "circuit breaker open: " + strings.Join(open, ", "),
			Details: states,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "all circuit breakers closed", Details: states}
}

// CustomHealthChecker adapts a function into a Checker.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a checker from checkFn.
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
