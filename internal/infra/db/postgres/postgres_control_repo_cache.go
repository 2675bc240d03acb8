package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"
	"job-coordinator/internal/infra/metrics"
	red "job-coordinator/internal/infra/redis"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var _ repository.QueueControlRepository = (*controlRepoCacheDecorator)(nil)

// controlRepoCacheDecorator serves the stop flag from Redis. Every claim
// attempt reads the flag, so a short TTL bounds how long a stop takes to be
// seen by other processes. Redis failures fall through to the inner store.
type controlRepoCacheDecorator struct {
	inner repository.QueueControlRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewControlRepoCacheDecorator(inner repository.QueueControlRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.QueueControlRepository {
	l := logger.With().Str("component", "controlRepoCache").Logger()
	return &controlRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: &l}
}

func stopKey(q model.QueueType) string { return fmt.Sprintf("queue-stop:%s", q) }

func (d *controlRepoCacheDecorator) IsStopped(ctx context.Context, queueType model.QueueType) (bool, error) {
	key := stopKey(queueType)
	val, err := d.cache.Get(ctx, key)
	switch {
	case err == nil && (val == "1" || val == "0"):
		metrics.IncCacheRequest("queue_control", "hit")
		return val == "1", nil
	case err != nil && !errors.Is(err, redis.Nil):
		metrics.IncCacheRequest("queue_control", "error")
		d.log.Warn().Err(err).Str("queue_type", string(queueType)).Msg("stop flag cache read failed")
	default:
		metrics.IncCacheRequest("queue_control", "miss")
	}

	stopped, err := d.inner.IsStopped(ctx, queueType)
	if err != nil {
		return false, err
	}
	v := "0"
	if stopped {
		v = "1"
	}
	if err := d.cache.Set(ctx, key, v, d.ttl); err != nil {
		d.log.Warn().Err(err).Str("queue_type", string(queueType)).Msg("stop flag cache write failed")
	}
	return stopped, nil
}

// SetStopped writes through and drops the cached value.
func (d *controlRepoCacheDecorator) SetStopped(ctx context.Context, queueType model.QueueType, stopped bool) error {
	if err := d.inner.SetStopped(ctx, queueType, stopped); err != nil {
		return err
	}
	if err := d.cache.Del(ctx, stopKey(queueType)); err != nil {
		d.log.Warn().Err(err).Str("queue_type", string(queueType)).Msg("stop flag cache invalidation failed")
	}
	return nil
}
