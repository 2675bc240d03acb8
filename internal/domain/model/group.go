package model

import "sort"

// GroupStatus is derived from the orchestrator and its children on every read
// and never persisted.
type GroupStatus string

const (
	GroupRunning   GroupStatus = "running"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupCancelled GroupStatus = "cancelled"
)

// GroupView is an orchestrator with its children and their aggregate outcome.
type GroupView struct {
	Orchestrator *Job
	Children     []*Job
	Status       GroupStatus
	// Failure is the job whose result explains a failed group.
	Failure *Job
}

// FailureResult is the error payload surfaced for a failed group.
func (g *GroupView) FailureResult() []byte {
	if g == nil || g.Failure == nil {
		return nil
	}
	return g.Failure.Result
}

// SortByCreation orders jobs by creation time, then by ID.
func SortByCreation(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// Aggregate computes the group outcome. Precedence is strictly
// Cancelled(orchestrator) > Failed > Completed > Running. A failed child whose
// cancellation was requested counts as cancellation fallout, not a failure,
// until the orchestrator has completed; after that it fails the group.
func Aggregate(orchestrator *Job, children []*Job) *GroupView {
	ordered := make([]*Job, len(children))
	copy(ordered, children)
	SortByCreation(ordered)

	view := &GroupView{Orchestrator: orchestrator, Children: ordered}

	switch {
	case orchestrator.Status == StatusCancelled:
		view.Status = GroupCancelled
		return view
	case orchestrator.Status == StatusFailed:
		view.Status = GroupFailed
		view.Failure = orchestrator
		return view
	}

	failed := firstFailure(ordered)
	if failed == nil && orchestrator.Status == StatusCompleted {
		failed = firstFailed(ordered)
	}
	if failed != nil {
		view.Status = GroupFailed
		view.Failure = failed
		return view
	}

	if orchestrator.Status == StatusCompleted && allCompleted(ordered) {
		view.Status = GroupCompleted
		return view
	}
	view.Status = GroupRunning
	return view
}

// AggregateChildren is the outcome of the children alone, as seen by an
// orchestrator deciding its own terminal write. Cancelled children make the
// outcome cancelled once nothing failed and everything is terminal.
func AggregateChildren(children []*Job) (GroupStatus, *Job) {
	ordered := make([]*Job, len(children))
	copy(ordered, children)
	SortByCreation(ordered)

	if failed := firstFailure(ordered); failed != nil {
		return GroupFailed, failed
	}
	cancelled := false
	for _, c := range ordered {
		if !c.Status.Terminal() {
			return GroupRunning, nil
		}
		if c.Status == StatusCancelled || c.Status == StatusFailed {
			cancelled = true
		}
	}
	if cancelled {
		return GroupCancelled, nil
	}
	return GroupCompleted, nil
}

func firstFailure(ordered []*Job) *Job {
	for _, c := range ordered {
		if c.Status == StatusFailed && !c.CancelRequested {
			return c
		}
	}
	return nil
}

func firstFailed(ordered []*Job) *Job {
	for _, c := range ordered {
		if c.Status == StatusFailed {
			return c
		}
	}
	return nil
}

func allCompleted(jobs []*Job) bool {
	for _, j := range jobs {
		if j.Status != StatusCompleted {
			return false
		}
	}
	return true
}
