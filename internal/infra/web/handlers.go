package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

type enqueueRequest struct {
	QueueType      string          `json:"queue_type"`
	Definition     json.RawMessage `json:"definition"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Priority       int64           `json:"priority"`
	UnitID         int64           `json:"unit_id"`
	GroupID        string          `json:"group_id,omitempty"`
}

func (r enqueueRequest) toModel() model.EnqueueRequest {
	return model.EnqueueRequest{
		QueueType:      model.QueueType(r.QueueType),
		Definition:     []byte(r.Definition),
		GroupID:        r.GroupID,
		IdempotencyKey: r.IdempotencyKey,
		Priority:       r.Priority,
		UnitID:         r.UnitID,
	}
}

type groupRequest struct {
	Orchestrator enqueueRequest   `json:"orchestrator"`
	Children     []enqueueRequest `json:"children"`
}

type updateRequest struct {
	Version  int64  `json:"version"`
	Priority *int64 `json:"priority,omitempty"`
	UnitID   *int64 `json:"unit_id,omitempty"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	QueueType       string          `json:"queue_type"`
	GroupID         string          `json:"group_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Status          string          `json:"status"`
	Priority        int64           `json:"priority"`
	UnitID          int64           `json:"unit_id"`
	Worker          string          `json:"worker,omitempty"`
	Definition      json.RawMessage `json:"definition"`
	Result          json.RawMessage `json:"result,omitempty"`
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CancelRequested bool            `json:"cancel_requested"`
	Version         int64           `json:"version"`
}

type groupResponse struct {
	Status       string         `json:"status"`
	Orchestrator jobResponse    `json:"orchestrator"`
	Children     []jobResponse  `json:"children"`
	Failure      *failureDetail `json:"failure,omitempty"`
}

type failureDetail struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// rawJSON passes JSON payloads through and quotes anything else.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}

func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		QueueType:       string(j.QueueType),
		GroupID:         j.GroupID,
		IdempotencyKey:  j.IdempotencyKey,
		Status:          string(j.Status),
		Priority:        j.Priority,
		UnitID:          j.UnitID,
		Worker:          j.Worker,
		Definition:      rawJSON(j.Definition),
		Result:          rawJSON(j.Result),
		HeartbeatAt:     j.HeartbeatAt,
		StartedAt:       j.StartedAt,
		EndedAt:         j.EndedAt,
		CreatedAt:       j.CreatedAt,
		CancelRequested: j.CancelRequested,
		Version:         int64(j.Version),
	}
}

func toGroupResponse(v *model.GroupView) groupResponse {
	resp := groupResponse{
		Status:       string(v.Status),
		Orchestrator: toJobResponse(v.Orchestrator),
		Children:     lo.Map(v.Children, func(j *model.Job, _ int) jobResponse { return toJobResponse(j) }),
	}
	if v.Failure != nil {
		resp.Failure = &failureDetail{JobID: v.Failure.ID, Message: model.DecodeErrorResult(v.FailureResult())}
	}
	return resp
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), req.toModel())
	switch {
	case errors.Is(err, domain.ErrAlreadyExists) && job != nil:
		// Idempotent resubmission: the existing job is the answer.
		writeJSON(w, http.StatusOK, toJobResponse(job))
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

func (s *Server) enqueueGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	children := lo.Map(req.Children, func(c enqueueRequest, _ int) model.EnqueueRequest { return c.toModel() })
	view, err := s.jobs.EnqueueGroup(r.Context(), req.Orchestrator.toModel(), children)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists) && view != nil:
		writeJSON(w, http.StatusOK, toGroupResponse(view))
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, toGroupResponse(view))
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// listJobs accepts queue_type, status, cancel_requested and limit query
// parameters.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.JobFilter{
		QueueType:         model.QueueType(q.Get("queue_type")),
		Status:            model.Status(q.Get("status")),
		OrchestratorsOnly: q.Get("orchestrators") == "true",
		Limit:             100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSONError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("cancel_requested"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errors.New("cancel_requested must be a boolean"))
			return
		}
		filter.CancelRequested = &b
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": lo.Map(jobs, func(j *model.Job, _ int) jobResponse { return toJobResponse(j) }),
	})
}

// updateJob changes priority or unit id, guarded by the caller's version.
// Status is not writable here; use the cancel routes.
func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
		return
	}
	if req.Version <= 0 {
		writeJSONError(w, http.StatusBadRequest, errors.New("body must carry the expected version"))
		return
	}
	job, err := s.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.UnitID != nil {
		job.UnitID = *req.UnitID
	}

	version, err := s.jobs.Update(r.Context(), job, model.Version(req.Version))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job.Version = version
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.RequestCancellation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(view))
}

func (s *Server) cancelGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.CancelGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) queueState(w http.ResponseWriter, r *http.Request) {
	q := model.QueueType(chi.URLParam(r, "queueType"))
	if !q.Valid() {
		writeJSONError(w, http.StatusNotFound, errors.New("unknown queue type"))
		return
	}
	stopped, err := s.queues.CheckStop(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_type": q, "stopped": stopped})
}

func (s *Server) setStop(stopped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := model.QueueType(chi.URLParam(r, "queueType"))
		if !q.Valid() {
			writeJSONError(w, http.StatusNotFound, errors.New("unknown queue type"))
			return
		}
		if err := s.queues.SetStop(r.Context(), q, stopped); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.log.Info().Str("queue_type", string(q)).Bool("stopped", stopped).Msg("queue stop flag changed")
		writeJSON(w, http.StatusOK, map[string]any{"queue_type": q, "stopped": stopped})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSONError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
