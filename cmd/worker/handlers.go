package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"job-coordinator/internal/domain/model"
	portuc "job-coordinator/internal/domain/ports/usecase"
	"job-coordinator/internal/infra/logging"
	"job-coordinator/internal/infra/worker"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// sampleHandlers runs simulated import, reindex and store-copy work. The
// orchestrators fan out children and wait for their outcome.
type sampleHandlers struct {
	groups portuc.GroupCoordinator
	// wait is the polling interval of orchestrators waiting on children.
	wait time.Duration
	// unit is the simulated cost of one unit of work.
	unit time.Duration
	log  *zerolog.Logger
}

func (h *sampleHandlers) register(reg *worker.Registry, queueTypes []model.QueueType) error {
	for _, q := range queueTypes {
		var fn worker.HandlerFunc
		switch q {
		case model.QueueTypeImport:
			fn = h.importJob
		case model.QueueTypeReindex:
			fn = h.reindexJob
		case model.QueueTypeStoreCopy:
			fn = h.storeCopyJob
		default:
			return fmt.Errorf("no sample handler for queue type %q", q)
		}
		if err := reg.Register(q, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *sampleHandlers) importJob(ctx context.Context, job *model.Job) ([]byte, error) {
	def, err := model.DecodeDefinition(job.QueueType, job.Definition)
	if err != nil {
		return nil, err
	}
	switch d := def.(type) {
	case *model.ImportOrchestratorDefinition:
		defs := lo.Map(d.Inputs, func(in model.ImportInput, _ int) model.Definition {
			return &model.ImportProcessingDefinition{ResourceType: in.ResourceType, URL: in.URL}
		})
		return h.fanOut(ctx, job, defs)
	case *model.ImportProcessingDefinition:
		if d.URL == "" {
			// Without a source the whole import is meaningless.
			return nil, worker.FailGroup(fmt.Errorf("import of %s has no url", d.ResourceType))
		}
		if err := h.work(ctx, 1); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"resourceType": d.ResourceType, "url": d.URL, "processed": true})
	}
	return nil, fmt.Errorf("unexpected definition %T on import queue", def)
}

func (h *sampleHandlers) reindexJob(ctx context.Context, job *model.Job) ([]byte, error) {
	def, err := model.DecodeDefinition(job.QueueType, job.Definition)
	if err != nil {
		return nil, err
	}
	switch d := def.(type) {
	case *model.ReindexOrchestratorDefinition:
		defs := lo.Map(d.ResourceTypes, func(rt string, _ int) model.Definition {
			return &model.ReindexProcessingDefinition{
				ResourceType:    rt,
				SearchParamHash: d.SearchParamHash,
				EndID:           d.RangeSize,
			}
		})
		return h.fanOut(ctx, job, defs)
	case *model.ReindexProcessingDefinition:
		if d.EndID < d.StartID {
			return nil, fmt.Errorf("reindex range %d-%d is inverted", d.StartID, d.EndID)
		}
		if err := h.work(ctx, 1); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"resourceType": d.ResourceType, "reindexed": d.EndID - d.StartID})
	}
	return nil, fmt.Errorf("unexpected definition %T on reindex queue", def)
}

func (h *sampleHandlers) storeCopyJob(ctx context.Context, job *model.Job) ([]byte, error) {
	def, err := model.DecodeDefinition(job.QueueType, job.Definition)
	if err != nil {
		return nil, err
	}
	d, ok := def.(*model.StoreCopyDefinition)
	if !ok {
		return nil, fmt.Errorf("unexpected definition %T on store copy queue", def)
	}
	if d.Source == d.Target {
		return nil, errors.New("store copy source and target are the same")
	}
	if err := h.work(ctx, 1); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"copied": d.EndID - d.StartID, "target": d.Target})
}

// fanOut enqueues the children of an orchestrator and waits until they
// settle. Re-running after a reclaim finds the existing children.
func (h *sampleHandlers) fanOut(ctx context.Context, job *model.Job, defs []model.Definition) ([]byte, error) {
	if !job.IsOrchestrator() {
		return nil, fmt.Errorf("orchestrator %s was not enqueued as a group", job.ID)
	}
	log := logging.With(ctx, h.log)
	// Children sort ahead of orchestrators still queued, so started groups
	// drain first.
	children := make([]model.EnqueueRequest, 0, len(defs))
	for i, d := range defs {
		req, err := model.NewEnqueueRequest(d, job.Priority-1, int64(i))
		if err != nil {
			return nil, err
		}
		children = append(children, req)
	}
	kids, err := h.groups.EnqueueChildren(ctx, job.GroupID, children)
	if err != nil {
		return nil, fmt.Errorf("enqueue children: %w", err)
	}
	log.Info().Int("children", len(kids)).Msg("children enqueued")

	ticker := time.NewTicker(h.wait)
	defer ticker.Stop()
	for {
		status, failed, err := h.groups.ChildrenOutcome(ctx, job.GroupID)
		if err != nil {
			log.Warn().Err(err).Msg("reading children outcome failed")
		}
		switch status {
		case model.GroupCompleted:
			return json.Marshal(map[string]any{"children": len(kids)})
		case model.GroupFailed:
			return nil, worker.FailGroup(fmt.Errorf("child %s failed: %s", failed.ID, model.DecodeErrorResult(failed.Result)))
		case model.GroupCancelled:
			// Our own cancellation arrives with the next heartbeat.
			return nil, h.awaitCancel(ctx, errors.New("children were cancelled"))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *sampleHandlers) awaitCancel(ctx context.Context, fallback error) error {
	t := time.NewTimer(h.wait * 10)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fallback
	}
}

func (h *sampleHandlers) work(ctx context.Context, units int) error {
	t := time.NewTimer(time.Duration(units) * h.unit)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
