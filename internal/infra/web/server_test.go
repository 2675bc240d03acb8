//go:build !integration

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/adapter"
	"job-coordinator/internal/infra/memory"
	"job-coordinator/internal/usecase"

	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(nil)
	return &l
}

type testAPI struct {
	srv   *httptest.Server
	auth  *AuthManager
	token string
	lease *usecase.LeaseManager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	clock := adapter.SystemClock{}
	log := newTestLogger()
	jobs := usecase.NewJobUseCase(store, store, clock, log)
	lease := usecase.NewLeaseManager(store, store, store, memory.NewLocker(), clock, log)
	auth := NewAuthManager("test-secret", time.Hour)

	srv := httptest.NewServer(NewServer(jobs, lease, auth, log).Routes())
	t.Cleanup(srv.Close)

	tok, err := auth.Mint("tester")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return &testAPI{srv: srv, auth: auth, token: tok, lease: lease}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return a.doWithToken(t, method, path, body, a.token)
}

func (a *testAPI) doWithToken(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func storeCopy(n int) map[string]any {
	return map[string]any{
		"queue_type": "store_copy",
		"definition": map[string]any{"source": "a", "target": "b", "startId": n},
		"priority":   1,
	}
}

func TestServer_Auth(t *testing.T) {
	api := newTestAPI(t)

	t.Run("should serve health without a token", func(t *testing.T) {
		resp := api.doWithToken(t, http.MethodGet, "/health", nil, "")
		expectStatus(t, resp, http.StatusOK)
		if resp.Header.Get("X-Request-ID") == "" {
			t.Error("expected a generated request id")
		}
	})

	t.Run("should serve metrics without a token", func(t *testing.T) {
		resp := api.doWithToken(t, http.MethodGet, "/metrics", nil, "")
		expectStatus(t, resp, http.StatusOK)
	})

	t.Run("should reject a missing token with 401", func(t *testing.T) {
		resp := api.doWithToken(t, http.MethodGet, "/api/v1/jobs", nil, "")
		expectStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("should reject a token signed with another secret with 403", func(t *testing.T) {
		other, err := NewAuthManager("other-secret", time.Hour).Mint("intruder")
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		resp := api.doWithToken(t, http.MethodGet, "/api/v1/jobs", nil, other)
		expectStatus(t, resp, http.StatusForbidden)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		expired, err := NewAuthManager("test-secret", -time.Minute).Mint("late")
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		resp := api.doWithToken(t, http.MethodGet, "/api/v1/jobs", nil, expired)
		expectStatus(t, resp, http.StatusForbidden)
	})

	t.Run("should reject every request when auth is not configured", func(t *testing.T) {
		store := memory.New()
		log := newTestLogger()
		jobs := usecase.NewJobUseCase(store, store, adapter.SystemClock{}, log)
		srv := httptest.NewServer(NewServer(jobs, nil, nil, log).Routes())
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+api.token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		expectStatus(t, resp, http.StatusForbidden)
	})
}

func TestServer_Jobs(t *testing.T) {
	api := newTestAPI(t)

	t.Run("should enqueue once and return the existing job on resubmission", func(t *testing.T) {
		// --- Act ---
		first := api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(1))
		expectStatus(t, first, http.StatusCreated)
		created := decode[jobResponse](t, first)

		again := api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(1))

		// --- Assert ---
		expectStatus(t, again, http.StatusOK)
		dup := decode[jobResponse](t, again)
		if dup.ID != created.ID {
			t.Errorf("expected existing job %s, got %s", created.ID, dup.ID)
		}
		if created.Status != string(model.StatusCreated) || created.Version != int64(model.InitialVersion) {
			t.Errorf("unexpected new job: %+v", created)
		}
		var def map[string]any
		if err := json.Unmarshal(created.Definition, &def); err != nil || def["source"] != "a" {
			t.Errorf("definition not passed through as JSON: %s", created.Definition)
		}
	})

	t.Run("should reject an unknown queue type with 400", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"queue_type": "nope", "definition": "x"})
		expectStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("should reject a malformed body with 400", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, api.srv.URL+"/api/v1/jobs", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+api.token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		expectStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("should return 404 for an unknown job", func(t *testing.T) {
		resp := api.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("should update with the current version and reject a stale one", func(t *testing.T) {
		// --- Arrange ---
		job := decode[jobResponse](t, api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(2)))

		// --- Act ---
		resp := api.do(t, http.MethodPatch, "/api/v1/jobs/"+job.ID, map[string]any{"version": job.Version, "priority": 9})
		expectStatus(t, resp, http.StatusOK)
		updated := decode[jobResponse](t, resp)

		stale := api.do(t, http.MethodPatch, "/api/v1/jobs/"+job.ID, map[string]any{"version": job.Version, "priority": 3})

		// --- Assert ---
		if updated.Priority != 9 || updated.Version == job.Version {
			t.Errorf("unexpected update result: %+v", updated)
		}
		expectStatus(t, stale, http.StatusConflict)
	})

	t.Run("should reject an update without a version", func(t *testing.T) {
		job := decode[jobResponse](t, api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(3)))
		resp := api.do(t, http.MethodPatch, "/api/v1/jobs/"+job.ID, map[string]any{"priority": 1})
		expectStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("should refuse a status change through update", func(t *testing.T) {
		// --- Arrange ---
		job := decode[jobResponse](t, api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(5)))

		// --- Act ---
		resp := api.do(t, http.MethodPatch, "/api/v1/jobs/"+job.ID, map[string]any{"version": job.Version, "status": "completed"})

		// --- Assert ---
		expectStatus(t, resp, http.StatusBadRequest)
		got := decode[jobResponse](t, api.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
		if got.Status != "created" || got.Version != job.Version {
			t.Errorf("expected job untouched, got status=%s version=%d", got.Status, got.Version)
		}
	})

	t.Run("should flag a job for cancellation and list it", func(t *testing.T) {
		// --- Arrange ---
		job := decode[jobResponse](t, api.do(t, http.MethodPost, "/api/v1/jobs", storeCopy(4)))

		// --- Act ---
		resp := api.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
		expectStatus(t, resp, http.StatusAccepted)
		list := api.do(t, http.MethodGet, "/api/v1/jobs?queue_type=store_copy&cancel_requested=true", nil)

		// --- Assert ---
		expectStatus(t, list, http.StatusOK)
		body := decode[struct {
			Items []jobResponse `json:"items"`
		}](t, list)
		if len(body.Items) != 1 || body.Items[0].ID != job.ID || !body.Items[0].CancelRequested {
			t.Errorf("expected only %s flagged, got %+v", job.ID, body.Items)
		}
	})

	t.Run("should validate list parameters", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=abc", "cancel_requested=maybe", "status=weird"} {
			resp := api.do(t, http.MethodGet, "/api/v1/jobs?"+q, nil)
			expectStatus(t, resp, http.StatusBadRequest)
		}
	})
}

func TestServer_Groups(t *testing.T) {
	api := newTestAPI(t)

	enqueueGroup := func(t *testing.T) groupResponse {
		t.Helper()
		resp := api.do(t, http.MethodPost, "/api/v1/groups", map[string]any{
			"orchestrator": map[string]any{"queue_type": "import", "definition": map[string]any{"requestUri": "r1"}},
			"children": []map[string]any{
				{"queue_type": "import", "definition": map[string]any{"url": "u1"}},
				{"queue_type": "import", "definition": map[string]any{"url": "u2"}},
			},
		})
		expectStatus(t, resp, http.StatusCreated)
		return decode[groupResponse](t, resp)
	}

	t.Run("should create a group and read it back", func(t *testing.T) {
		// --- Act ---
		created := enqueueGroup(t)
		resp := api.do(t, http.MethodGet, "/api/v1/groups/"+created.Orchestrator.ID, nil)

		// --- Assert ---
		expectStatus(t, resp, http.StatusOK)
		view := decode[groupResponse](t, resp)
		if view.Status != string(model.GroupRunning) || len(view.Children) != 2 {
			t.Errorf("unexpected group: %+v", view)
		}
		for _, c := range view.Children {
			if c.GroupID != created.Orchestrator.ID {
				t.Errorf("child %s not attached to the orchestrator", c.ID)
			}
		}
	})

	t.Run("should report the failing child of a failed group", func(t *testing.T) {
		// --- Arrange ---
		group := enqueueGroup(t)
		ctx := context.Background()
		claimed, err := api.lease.AcquireBatch(ctx, model.QueueTypeImport, 10, time.Minute, "w1")
		if err != nil {
			t.Fatalf("AcquireBatch: %v", err)
		}
		var child *model.Job
		for _, j := range claimed {
			if j.GroupID == group.Orchestrator.ID && j.ID != group.Orchestrator.ID {
				child = j
				break
			}
		}
		if child == nil {
			t.Fatal("no child claimed")
		}
		if _, err := api.lease.FailJob(ctx, child.ID, "w1", child.Version, model.NewErrorResult(child.ID, errors.New("bad input")), model.FailOptions{}); err != nil {
			t.Fatalf("FailJob: %v", err)
		}

		// --- Act ---
		view := decode[groupResponse](t, api.do(t, http.MethodGet, "/api/v1/groups/"+group.Orchestrator.ID, nil))

		// --- Assert ---
		if view.Status != string(model.GroupFailed) {
			t.Fatalf("expected failed group, got %s", view.Status)
		}
		if view.Failure == nil || view.Failure.JobID != child.ID || view.Failure.Message != "bad input" {
			t.Errorf("unexpected failure detail: %+v", view.Failure)
		}
	})

	t.Run("should flag every open job of a cancelled group", func(t *testing.T) {
		group := enqueueGroup(t)

		resp := api.do(t, http.MethodPost, "/api/v1/groups/"+group.Orchestrator.ID+"/cancel", nil)
		expectStatus(t, resp, http.StatusAccepted)

		view := decode[groupResponse](t, api.do(t, http.MethodGet, "/api/v1/groups/"+group.Orchestrator.ID, nil))
		if !view.Orchestrator.CancelRequested {
			t.Error("orchestrator not flagged")
		}
		for _, c := range view.Children {
			if !c.CancelRequested {
				t.Errorf("child %s not flagged", c.ID)
			}
		}
	})

	t.Run("should refuse to cancel a group through a child id", func(t *testing.T) {
		group := enqueueGroup(t)
		resp := api.do(t, http.MethodPost, "/api/v1/groups/"+group.Children[0].ID+"/cancel", nil)
		expectStatus(t, resp, http.StatusBadRequest)
	})
}

func TestServer_Queues(t *testing.T) {
	api := newTestAPI(t)

	t.Run("should stop and resume a queue type", func(t *testing.T) {
		type state struct {
			QueueType string `json:"queue_type"`
			Stopped   bool   `json:"stopped"`
		}

		initial := decode[state](t, api.do(t, http.MethodGet, "/api/v1/queues/import", nil))
		stopped := decode[state](t, api.do(t, http.MethodPost, "/api/v1/queues/import/stop", nil))
		afterStop := decode[state](t, api.do(t, http.MethodGet, "/api/v1/queues/import", nil))
		decode[state](t, api.do(t, http.MethodPost, "/api/v1/queues/import/resume", nil))
		resumed := decode[state](t, api.do(t, http.MethodGet, "/api/v1/queues/import", nil))

		if initial.Stopped || !stopped.Stopped || !afterStop.Stopped || resumed.Stopped {
			t.Errorf("unexpected sequence: %v %v %v %v", initial, stopped, afterStop, resumed)
		}
	})

	t.Run("should return 404 for an unknown queue type", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/v1/queues/unknown/stop", nil)
		expectStatus(t, resp, http.StatusNotFound)
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidArgument), http.StatusBadRequest},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.Transient(errors.New("conn reset")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRecover(t *testing.T) {
	t.Run("should turn a panic into a 500 without leaking the message", func(t *testing.T) {
		h := Recover(newTestLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("secret detail")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
			t.Errorf("panic value leaked: %s", rec.Body.String())
		}
	})
}
