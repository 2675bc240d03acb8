//go:build !integration

package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"job-coordinator/internal/domain/model"

	"github.com/rs/zerolog"
)

type mockReaper struct {
	ReapCancelledFunc func(ctx context.Context, q model.QueueType, grace time.Duration) (int, error)
}

func (m *mockReaper) ReapCancelled(ctx context.Context, q model.QueueType, grace time.Duration) (int, error) {
	return m.ReapCancelledFunc(ctx, q, grace)
}

type mockPropagator struct {
	PropagateCancellationFunc func(ctx context.Context, q model.QueueType) (int64, error)
}

func (m *mockPropagator) PropagateCancellation(ctx context.Context, q model.QueueType) (int64, error) {
	return m.PropagateCancellationFunc(ctx, q)
}

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(nil)
	return &l
}

func TestCancellationSweeper_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("should propagate before reaping for every queue type", func(t *testing.T) {
		// --- Arrange ---
		var calls []string
		reaper := &mockReaper{ReapCancelledFunc: func(ctx context.Context, q model.QueueType, grace time.Duration) (int, error) {
			if grace != time.Minute {
				t.Errorf("expected the configured grace, got %v", grace)
			}
			calls = append(calls, "reap:"+string(q))
			return 1, nil
		}}
		propagator := &mockPropagator{PropagateCancellationFunc: func(ctx context.Context, q model.QueueType) (int64, error) {
			calls = append(calls, "propagate:"+string(q))
			return 2, nil
		}}
		w := NewCancellationSweeper(time.Second, time.Minute,
			[]model.QueueType{model.QueueTypeImport, model.QueueTypeReindex}, reaper, propagator, newTestLogger())

		// --- Act ---
		w.Sweep(ctx)

		// --- Assert ---
		want := []string{"propagate:import", "reap:import", "propagate:reindex", "reap:reindex"}
		if len(calls) != len(want) {
			t.Fatalf("expected %v, got %v", want, calls)
		}
		for i := range want {
			if calls[i] != want[i] {
				t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
			}
		}
	})

	t.Run("should keep going when one step fails", func(t *testing.T) {
		// --- Arrange ---
		reaped := 0
		reaper := &mockReaper{ReapCancelledFunc: func(ctx context.Context, q model.QueueType, grace time.Duration) (int, error) {
			reaped++
			return 0, errors.New("db down")
		}}
		propagator := &mockPropagator{PropagateCancellationFunc: func(ctx context.Context, q model.QueueType) (int64, error) {
			return 0, errors.New("db down")
		}}
		w := NewCancellationSweeper(time.Second, time.Minute,
			[]model.QueueType{model.QueueTypeImport, model.QueueTypeStoreCopy}, reaper, propagator, newTestLogger())

		// --- Act ---
		w.Sweep(ctx)

		// --- Assert ---
		if reaped != 2 {
			t.Errorf("expected both queue types to be reaped, got %d", reaped)
		}
	})
}

func TestCancellationSweeper_Run(t *testing.T) {
	// --- Arrange ---
	ticks := make(chan struct{}, 1)
	reaper := &mockReaper{ReapCancelledFunc: func(ctx context.Context, q model.QueueType, grace time.Duration) (int, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return 0, nil
	}}
	propagator := &mockPropagator{PropagateCancellationFunc: func(ctx context.Context, q model.QueueType) (int64, error) {
		return 0, nil
	}}
	w := NewCancellationSweeper(10*time.Millisecond, time.Minute,
		[]model.QueueType{model.QueueTypeImport}, reaper, propagator, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// --- Act ---
	go func() { done <- w.Run(ctx) }()
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ran")
	}
	cancel()

	// --- Assert ---
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
