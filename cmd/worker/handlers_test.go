//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/adapter"
	"job-coordinator/internal/infra/memory"
	"job-coordinator/internal/infra/worker"
	"job-coordinator/internal/usecase"

	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(nil)
	return &l
}

type harness struct {
	jobs *usecase.JobUseCase
	stop func()
}

// startHarness runs the sample handlers for every queue type against an
// in-memory store.
func startHarness(t *testing.T) *harness {
	t.Helper()
	return startHarnessWithConcurrency(t, 4)
}

func startHarnessWithConcurrency(t *testing.T, concurrency int) *harness {
	t.Helper()
	store := memory.New()
	clock := adapter.SystemClock{}
	log := newTestLogger()
	jobs := usecase.NewJobUseCase(store, store, clock, log)
	groups := usecase.NewGroupUseCase(store, store, clock, log)
	lease := usecase.NewLeaseManager(store, store, store, memory.NewLocker(), clock, log)

	reg := worker.NewRegistry()
	h := &sampleHandlers{groups: groups, wait: 10 * time.Millisecond, unit: time.Millisecond, log: log}
	if err := h.register(reg, []model.QueueType{model.QueueTypeImport, model.QueueTypeReindex, model.QueueTypeStoreCopy}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r, err := worker.NewRunner(lease, reg, worker.Options{
		WorkerID:          "sample-worker",
		Concurrency:       concurrency,
		BatchSize:         2,
		PollInterval:      10 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	hs := &harness{jobs: jobs, stop: func() { cancel(); <-done }}
	t.Cleanup(hs.stop)
	return hs
}

func (h *harness) enqueueGroup(t *testing.T, d model.Definition) string {
	t.Helper()
	req, err := model.NewEnqueueRequest(d, 0, 0)
	if err != nil {
		t.Fatalf("NewEnqueueRequest: %v", err)
	}
	view, err := h.jobs.EnqueueGroup(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("EnqueueGroup: %v", err)
	}
	return view.Orchestrator.ID
}

func (h *harness) waitSettled(t *testing.T, groupID string) *model.GroupView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := h.jobs.GetGroup(context.Background(), groupID)
		if err == nil && view.Status != model.GroupRunning && view.Orchestrator.Status.Terminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("group %s did not settle", groupID)
	return nil
}

func TestSampleHandlers_Import(t *testing.T) {
	t.Run("should fan out one child per input and complete the group", func(t *testing.T) {
		// --- Arrange ---
		h := startHarness(t)
		id := h.enqueueGroup(t, &model.ImportOrchestratorDefinition{
			RequestURI: "/$import",
			Inputs: []model.ImportInput{
				{ResourceType: "Patient", URL: "https://example.test/patient.ndjson"},
				{ResourceType: "Observation", URL: "https://example.test/obs.ndjson"},
			},
		})

		// --- Act ---
		view := h.waitSettled(t, id)

		// --- Assert ---
		if view.Status != model.GroupCompleted {
			t.Fatalf("expected completed group, got %s", view.Status)
		}
		if len(view.Children) != 2 {
			t.Fatalf("expected 2 children, got %d", len(view.Children))
		}
		var summary struct {
			Children int `json:"children"`
		}
		if err := json.Unmarshal(view.Orchestrator.Result, &summary); err != nil || summary.Children != 2 {
			t.Errorf("unexpected orchestrator result %s", view.Orchestrator.Result)
		}
	})

	t.Run("should fail the child without a url and stop the group", func(t *testing.T) {
		// --- Arrange ---
		h := startHarness(t)
		id := h.enqueueGroup(t, &model.ImportOrchestratorDefinition{
			Inputs: []model.ImportInput{{ResourceType: "Patient"}},
		})

		// --- Act ---
		view := h.waitSettled(t, id)

		// --- Assert ---
		if view.Status != model.GroupFailed && view.Status != model.GroupCancelled {
			t.Fatalf("expected a failed or cancelled group, got %s", view.Status)
		}
		if len(view.Children) != 1 || view.Children[0].Status != model.StatusFailed {
			t.Errorf("expected the child to fail, got %+v", view.Children)
		}
	})
}

func TestSampleHandlers_SingleSlot(t *testing.T) {
	t.Run("should finish queued groups with one handler slot", func(t *testing.T) {
		// --- Arrange ---
		h := startHarnessWithConcurrency(t, 1)
		var ids []string
		for _, rt := range []string{"Patient", "Encounter", "Observation"} {
			ids = append(ids, h.enqueueGroup(t, &model.ReindexOrchestratorDefinition{
				ResourceTypes:   []string{rt, rt + "History"},
				SearchParamHash: "abc",
				RangeSize:       10,
			}))
		}

		// --- Act & Assert ---
		for _, id := range ids {
			view := h.waitSettled(t, id)
			if view.Status != model.GroupCompleted || len(view.Children) != 2 {
				t.Errorf("group %s: expected 2 completed children, got %s with %d", id, view.Status, len(view.Children))
			}
		}
	})
}

func TestSampleHandlers_Reindex(t *testing.T) {
	t.Run("should reindex every resource type", func(t *testing.T) {
		h := startHarness(t)
		id := h.enqueueGroup(t, &model.ReindexOrchestratorDefinition{
			ResourceTypes:   []string{"Patient", "Encounter", "Observation"},
			SearchParamHash: "abc",
			RangeSize:       100,
		})

		view := h.waitSettled(t, id)

		if view.Status != model.GroupCompleted || len(view.Children) != 3 {
			t.Fatalf("expected 3 completed children, got %s with %d", view.Status, len(view.Children))
		}
	})
}

func TestSampleHandlers_StoreCopy(t *testing.T) {
	cases := []struct {
		name string
		def  *model.StoreCopyDefinition
		want model.Status
	}{
		{"should copy between two stores", &model.StoreCopyDefinition{Source: "a", Target: "b", EndID: 10}, model.StatusCompleted},
		{"should refuse to copy a store onto itself", &model.StoreCopyDefinition{Source: "a", Target: "a"}, model.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// --- Arrange ---
			h := startHarness(t)
			req, err := model.NewEnqueueRequest(c.def, 0, 0)
			if err != nil {
				t.Fatalf("NewEnqueueRequest: %v", err)
			}
			job, err := h.jobs.Enqueue(context.Background(), req)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			// --- Act ---
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				job, _ = h.jobs.GetByID(context.Background(), job.ID)
				if job.Status.Terminal() {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}

			// --- Assert ---
			if job.Status != c.want {
				t.Errorf("expected %s, got %s", c.want, job.Status)
			}
		})
	}
}

func TestSampleHandlers_Register(t *testing.T) {
	t.Run("should reject a queue type without a sample handler", func(t *testing.T) {
		h := &sampleHandlers{log: newTestLogger()}
		if err := h.register(worker.NewRegistry(), []model.QueueType{"billing"}); err == nil {
			t.Fatal("expected an error")
		}
	})
}
