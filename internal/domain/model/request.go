package model

import "fmt"

// EnqueueRequest describes one job to create.
type EnqueueRequest struct {
	QueueType  QueueType
	Definition []byte
	// GroupID attaches the job to an existing orchestrator. Empty for a
	// standalone job; ignored for the orchestrator of EnqueueGroup.
	GroupID string
	// IdempotencyKey deduplicates submissions within a queue type. When
	// empty it is derived from the definition (and the group for children).
	IdempotencyKey string
	Priority       int64
	UnitID         int64
}

// NewEnqueueRequest encodes d and targets the queue it belongs to.
func NewEnqueueRequest(d Definition, priority, unitID int64) (EnqueueRequest, error) {
	raw, err := EncodeDefinition(d)
	if err != nil {
		return EnqueueRequest{}, err
	}
	return EnqueueRequest{
		QueueType:  QueueTypeOf(d),
		Definition: raw,
		Priority:   priority,
		UnitID:     unitID,
	}, nil
}

// ChildKey is the default idempotency key of a child: the same definition
// may appear in different groups.
func ChildKey(groupID string, definition []byte) string {
	return DefinitionHash([]byte(fmt.Sprintf("%s:%s", groupID, definition)))
}

// FailOptions tunes FailJob.
type FailOptions struct {
	// CancelGroup requests cancellation of every non-terminal job in the
	// failing job's group.
	CancelGroup bool
}
