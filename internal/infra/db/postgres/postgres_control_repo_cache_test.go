//go:build !integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"job-coordinator/internal/domain/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func TestControlRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	q := model.QueueType("import")

	t.Run("IsStopped should return from cache on hit", func(t *testing.T) {
		// Arrange
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) {
				if key != "queue-stop:import" {
					t.Errorf("unexpected key %q", key)
				}
				return "1", nil
			},
		}
		innerCalled := false
		inner := &mockInnerControlRepo{
			IsStoppedFunc: func(ctx context.Context, q model.QueueType) (bool, error) {
				innerCalled = true
				return false, nil
			},
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, time.Second, &logger)

		// Act
		stopped, err := decorator.IsStopped(ctx, q)

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if innerCalled {
			t.Error("inner repository should not be called on a cache hit")
		}
		if !stopped {
			t.Error("expected the cached stop flag")
		}
	})

	t.Run("IsStopped should fill the cache on miss", func(t *testing.T) {
		// Arrange
		var stored interface{}
		var ttl time.Duration
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) { return "", redis.Nil },
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
				stored, ttl = value, expiration
				return nil
			},
		}
		inner := &mockInnerControlRepo{
			IsStoppedFunc: func(ctx context.Context, q model.QueueType) (bool, error) { return true, nil },
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, 2*time.Second, &logger)

		// Act
		stopped, err := decorator.IsStopped(ctx, q)

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !stopped {
			t.Error("expected stopped from the inner repository")
		}
		if stored != "1" || ttl != 2*time.Second {
			t.Errorf("expected cache fill of \"1\" for 2s, got %v for %v", stored, ttl)
		}
	})

	t.Run("IsStopped should fall through when redis fails", func(t *testing.T) {
		// Arrange
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) { return "", errors.New("connection refused") },
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
				return errors.New("connection refused")
			},
		}
		inner := &mockInnerControlRepo{
			IsStoppedFunc: func(ctx context.Context, q model.QueueType) (bool, error) { return false, nil },
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, time.Second, &logger)

		// Act
		stopped, err := decorator.IsStopped(ctx, q)

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if stopped {
			t.Error("expected not stopped")
		}
	})

	t.Run("IsStopped should return inner errors", func(t *testing.T) {
		// Arrange
		boom := errors.New("db down")
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) { return "", redis.Nil },
		}
		inner := &mockInnerControlRepo{
			IsStoppedFunc: func(ctx context.Context, q model.QueueType) (bool, error) { return false, boom },
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, time.Second, &logger)

		// Act
		_, err := decorator.IsStopped(ctx, q)

		// Assert
		if !errors.Is(err, boom) {
			t.Fatalf("expected %v, got %v", boom, err)
		}
	})

	t.Run("SetStopped should write through and invalidate", func(t *testing.T) {
		// Arrange
		var deleted []string
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				deleted = append(deleted, keys...)
				return nil
			},
		}
		var written *bool
		inner := &mockInnerControlRepo{
			SetStoppedFunc: func(ctx context.Context, q model.QueueType, stopped bool) error {
				written = &stopped
				return nil
			},
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, time.Second, &logger)

		// Act
		err := decorator.SetStopped(ctx, q, true)

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if written == nil || !*written {
			t.Error("inner repository was not written")
		}
		if len(deleted) != 1 || deleted[0] != "queue-stop:import" {
			t.Errorf("expected the stop key to be invalidated, got %v", deleted)
		}
	})

	t.Run("SetStopped should not invalidate when the write fails", func(t *testing.T) {
		// Arrange
		delCalled := false
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				delCalled = true
				return nil
			},
		}
		inner := &mockInnerControlRepo{
			SetStoppedFunc: func(ctx context.Context, q model.QueueType, stopped bool) error {
				return errors.New("db down")
			},
		}
		decorator := NewControlRepoCacheDecorator(inner, mockRedis, time.Second, &logger)

		// Act
		err := decorator.SetStopped(ctx, q, false)

		// Assert
		if err == nil {
			t.Fatal("expected an error")
		}
		if delCalled {
			t.Error("cache should be left alone when the write fails")
		}
	})
}
