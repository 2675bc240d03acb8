//go:build !integration

package postgres

import (
	"context"
	"time"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"
	red "job-coordinator/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerControlRepo mocks the store the stop-flag decorator wraps.
type mockInnerControlRepo struct {
	IsStoppedFunc  func(ctx context.Context, q model.QueueType) (bool, error)
	SetStoppedFunc func(ctx context.Context, q model.QueueType, stopped bool) error
}

var _ repository.QueueControlRepository = &mockInnerControlRepo{}

func (m *mockInnerControlRepo) IsStopped(ctx context.Context, q model.QueueType) (bool, error) {
	return m.IsStoppedFunc(ctx, q)
}
func (m *mockInnerControlRepo) SetStopped(ctx context.Context, q model.QueueType, stopped bool) error {
	return m.SetStoppedFunc(ctx, q, stopped)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc   func(ctx context.Context, key string) (string, error)
	SetFunc   func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc   func(ctx context.Context, keys ...string) error
	PingFunc  func(ctx context.Context) error
	CloseFunc func() error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc == nil {
		return nil
	}
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) Ping(ctx context.Context) error {
	if m.PingFunc == nil {
		return nil
	}
	return m.PingFunc(ctx)
}
func (m *mockRedisClient) Close() error {
	if m.CloseFunc == nil {
		return nil
	}
	return m.CloseFunc()
}
