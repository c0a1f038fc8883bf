package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/circuitbreaker"
	"github.com/insightengine/orchestrator/internal/research"
)

const (
	redisKeyPrefix   = "research:session:"
	redisIndexPrefix = "research:sessions:"
	redisIndexAll    = "research:sessions:_all"
	maxTxRetries     = 64
)

// RedisStore keeps each session as one JSON document. Updates are
// read-modify-write cycles under WATCH/MULTI, retried on conflict.
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	now    Clock
}

// NewRedisStore wraps client with a circuit breaker and verifies connectivity.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, logger *zap.Logger) (*RedisStore, error) {
	wrapped := circuitbreaker.NewRedisWrapper(client, "session-store", logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapped.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: wrapped, logger: logger, now: time.Now}, nil
}

// WithClock overrides the time source.
func (r *RedisStore) WithClock(c Clock) *RedisStore {
	r.now = c
	return r
}

// RedisWrapper exposes the breaker-wrapped client for health checks.
func (r *RedisStore) RedisWrapper() *circuitbreaker.RedisWrapper {
	return r.client
}

func sessionKey(id string) string { return redisKeyPrefix + id }

func indexKey(requester string) string {
	if requester == "" {
		return redisIndexAll
	}
	return redisIndexPrefix + requester
}

func (r *RedisStore) Create(ctx context.Context, topic, requester string) (*research.Session, error) {
	s := research.NewSession(newID(), strings.TrimSpace(topic), requester, r.now())
	data, err := encode(s)
	if err != nil {
		return nil, err
	}

	score := float64(s.CreatedAt.UnixNano())
	err = r.client.Do(ctx, func(c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetNX(ctx, sessionKey(s.ID), data, 0)
			p.ZAdd(ctx, indexKey(""), redis.Z{Score: score, Member: s.ID})
			if requester != "" {
				p.ZAdd(ctx, indexKey(requester), redis.Z{Score: score, Member: s.ID})
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	r.logger.Debug("Created session", zap.String("session_id", s.ID), zap.String("user_id", requester))
	return decode(data)
}

func (r *RedisStore) Get(ctx context.Context, id string) (*research.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id))
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) List(ctx context.Context, requester string, limit int) ([]*research.Session, error) {
	limit = normalizeLimit(limit)
	var ids []string
	err := r.client.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		ids, err = c.ZRevRange(ctx, indexKey(requester), 0, int64(limit-1)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisStore) ListActive(ctx context.Context) ([]*research.Session, error) {
	var ids []string
	err := r.client.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		ids, err = c.ZRevRange(ctx, redisIndexAll, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	all, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if !s.Status.IsTerminal() {
			active = append(active, s)
		}
	}
	return active, nil
}

// load fetches documents for ids, skipping ones deleted since indexing.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]*research.Session, error) {
	out := make([]*research.Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}

	var vals []interface{}
	err := r.client.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		vals, err = c.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decode([]byte(str))
		if err != nil {
			r.logger.Warn("Skipping undecodable session", zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	s, err := r.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	err = r.client.Do(ctx, func(c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			del = p.Del(ctx, sessionKey(id))
			p.ZRem(ctx, redisIndexAll, id)
			if s.Requester != "" {
				p.ZRem(ctx, indexKey(s.Requester), id)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return del.Val() > 0, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn MutateFunc) (*research.Session, error) {
	key := sessionKey(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var (
			result    *research.Session
			domainErr error
		)
		txf := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				domainErr = ErrSessionNotFound
				return nil
			}
			if err != nil {
				return err
			}
			s, err := decode(data)
			if err != nil {
				domainErr = err
				return nil
			}
			if err := apply(s, r.now(), fn); err != nil {
				domainErr = err
				return nil
			}
			out, err := encode(s)
			if err != nil {
				domainErr = err
				return nil
			}
			// XX keeps a concurrent delete from being undone.
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.SetXX(ctx, key, out, 0)
				return nil
			})
			if err == nil {
				result, domainErr = decode(out)
			}
			return err
		}

		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		if domainErr != nil {
			return nil, domainErr
		}
		return result, nil
	}
	return nil, fmt.Errorf("failed to update session %s: too much contention", id)
}

func (r *RedisStore) AppendUpdate(ctx context.Context, id string, u research.Update) (research.Update, error) {
	var stored research.Update
	if _, err := r.Update(ctx, id, appendFn(u, r.now(), &stored)); err != nil {
		return research.Update{}, err
	}
	return stored, nil
}

func (r *RedisStore) Updates(ctx context.Context, id string) ([]research.Update, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Updates, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
