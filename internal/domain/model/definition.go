package model

import (
	"encoding/json"
	"fmt"

	"job-coordinator/internal/domain"
)

// DefinitionType discriminates payloads inside one queue type. The stored
// definition is opaque to the coordination core; only handlers decode it.
type DefinitionType string

const (
	DefImportOrchestrator  DefinitionType = "import-orchestrator"
	DefImportProcessing    DefinitionType = "import-processing"
	DefReindexOrchestrator DefinitionType = "reindex-orchestrator"
	DefReindexProcessing   DefinitionType = "reindex-processing"
	DefStoreCopy           DefinitionType = "store-copy"
)

var definitionQueues = map[DefinitionType]QueueType{
	DefImportOrchestrator:  QueueTypeImport,
	DefImportProcessing:    QueueTypeImport,
	DefReindexOrchestrator: QueueTypeReindex,
	DefReindexProcessing:   QueueTypeReindex,
	DefStoreCopy:           QueueTypeStoreCopy,
}

type Definition interface {
	DefinitionType() DefinitionType
}

type ImportOrchestratorDefinition struct {
	RequestURI string        `json:"requestUri"`
	Inputs     []ImportInput `json:"inputs"`
}

type ImportInput struct {
	ResourceType string `json:"resourceType"`
	URL          string `json:"url"`
}

type ImportProcessingDefinition struct {
	ResourceType string `json:"resourceType"`
	URL          string `json:"url"`
	Offset       int64  `json:"offset"`
	BytesToRead  int64  `json:"bytesToRead"`
}

type ReindexOrchestratorDefinition struct {
	ResourceTypes   []string `json:"resourceTypes"`
	SearchParamHash string   `json:"searchParamHash"`
	RangeSize       int64    `json:"rangeSize"`
}

type ReindexProcessingDefinition struct {
	ResourceType    string `json:"resourceType"`
	SearchParamHash string `json:"searchParamHash"`
	StartID         int64  `json:"startId"`
	EndID           int64  `json:"endId"`
}

type StoreCopyDefinition struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	ResourceType string `json:"resourceType"`
	StartID      int64  `json:"startId"`
	EndID        int64  `json:"endId"`
}

func (ImportOrchestratorDefinition) DefinitionType() DefinitionType  { return DefImportOrchestrator }
func (ImportProcessingDefinition) DefinitionType() DefinitionType    { return DefImportProcessing }
func (ReindexOrchestratorDefinition) DefinitionType() DefinitionType { return DefReindexOrchestrator }
func (ReindexProcessingDefinition) DefinitionType() DefinitionType   { return DefReindexProcessing }
func (StoreCopyDefinition) DefinitionType() DefinitionType           { return DefStoreCopy }

type envelope struct {
	Type DefinitionType  `json:"type"`
	Body json.RawMessage `json:"body"`
}

// QueueTypeOf returns the queue a definition must be enqueued on.
func QueueTypeOf(d Definition) QueueType { return definitionQueues[d.DefinitionType()] }

// EncodeDefinition serializes d with its type tag.
func EncodeDefinition(d Definition) ([]byte, error) {
	if _, ok := definitionQueues[d.DefinitionType()]; !ok {
		return nil, fmt.Errorf("definition type %q: %w", d.DefinitionType(), domain.ErrInvalidArgument)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return json.Marshal(envelope{Type: d.DefinitionType(), Body: body})
}

// DecodeDefinition parses a stored definition of queue type q.
func DecodeDefinition(q QueueType, raw []byte) (Definition, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if definitionQueues[env.Type] != q {
		return nil, fmt.Errorf("definition type %q on queue %q: %w", env.Type, q, domain.ErrInvalidArgument)
	}

	var d Definition
	switch env.Type {
	case DefImportOrchestrator:
		d = &ImportOrchestratorDefinition{}
	case DefImportProcessing:
		d = &ImportProcessingDefinition{}
	case DefReindexOrchestrator:
		d = &ReindexOrchestratorDefinition{}
	case DefReindexProcessing:
		d = &ReindexProcessingDefinition{}
	case DefStoreCopy:
		d = &StoreCopyDefinition{}
	}
	if err := json.Unmarshal(env.Body, d); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
	}
	return d, nil
}

// ErrorResult is the payload written by FailJob.
type ErrorResult struct {
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

func NewErrorResult(jobID string, err error) []byte {
	b, _ := json.Marshal(ErrorResult{Message: err.Error(), JobID: jobID})
	return b
}

// DecodeErrorResult returns the message of an ErrorResult payload, or the raw
// payload when it is not one.
func DecodeErrorResult(raw []byte) string {
	var er ErrorResult
	if err := json.Unmarshal(raw, &er); err != nil || er.Message == "" {
		return string(raw)
	}
	return er.Message
}
