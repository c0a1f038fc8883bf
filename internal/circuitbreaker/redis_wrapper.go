package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with circuit breaker
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker. service names
// the owning component in metrics.
func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	config.IsSuccessful = func(err error) bool {
		return errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr)
	}
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)

	return &RedisWrapper{client: client, cb: cb, service: service, logger: logger}
}

// Do runs fn against the client through the breaker. redis.Nil and optimistic
// transaction conflicts are passed through without counting as failures.
func (rw *RedisWrapper) Do(ctx context.Context, fn func(redis.UniversalClient) error) error {
	var callErr error
	err := rw.cb.Execute(ctx, func() error {
		callErr = fn(rw.client)
		return callErr
	})
	success := err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), success)
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.Do(ctx, func(c redis.UniversalClient) error {
		return c.Ping(ctx).Err()
	})
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		out, err = c.Get(ctx, key).Bytes()
		return err
	})
	return out, err
}

// Watch runs an optimistic transaction over keys through the breaker.
func (rw *RedisWrapper) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return rw.Do(ctx, func(c redis.UniversalClient) error {
		return c.Watch(ctx, fn, keys...)
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) Client() redis.UniversalClient {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
