package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Principal identifies the actor on whose behalf an operation runs
type Principal struct {
	ID         string   `json:"id"`
	Roles      []string `json:"roles,omitempty"`
	Automation bool     `json:"automation,omitempty"`
}

// HasRole reports whether the principal carries the named role
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// SystemPrincipal is used by background sweeps that act without a user
var SystemPrincipal = Principal{
	ID:         "system:wesflow",
	Roles:      []string{"service"},
	Automation: true,
}

// InputKind distinguishes the blob references attached to an execution
type InputKind string

const (
	InputKindSamplesheet InputKind = "samplesheet"
	InputKindAttachment  InputKind = "attachment"
	InputKindOutput      InputKind = "output"
)

// Input is a blob reference owned by an execution or by one of its samples
type Input struct {
	ID        string    `json:"id" db:"id"`
	Kind      InputKind `json:"kind" db:"kind"`
	Filename  string    `json:"filename" db:"filename"`
	BlobKey   string    `json:"blob_key" db:"blob_key"`
	ByteSize  int64     `json:"byte_size" db:"byte_size"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SamplesheetColumn declares one column of the rendered sample sheet.
// File columns hold the source blob key of an attachment; preparation
// replaces it with the URL of the copy placed in the run directory.
type SamplesheetColumn struct {
	Name string `json:"name" validate:"required"`
	File bool   `json:"file,omitempty"`
}

// DefaultSamplesheetColumns is the paired-end layout used when an execution
// does not declare its own columns
var DefaultSamplesheetColumns = []SamplesheetColumn{
	{Name: "sample"},
	{Name: "fastq_1", File: true},
	{Name: "fastq_2", File: true},
}

// SamplesWorkflowExecution joins a sample to a workflow execution
type SamplesWorkflowExecution struct {
	ID                string            `json:"id"`
	SampleID          string            `json:"sample_id"`
	SamplesheetParams map[string]string `json:"samplesheet_params,omitempty"`
	Inputs            []Input           `json:"inputs,omitempty"`
}

// WorkflowExecution is the aggregate root of one pipeline run
type WorkflowExecution struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Submitter string `json:"submitter"`

	State State  `json:"state"`
	RunID string `json:"run_id,omitempty"`

	WorkflowURL              string            `json:"workflow_url"`
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowEngine           string            `json:"workflow_engine"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version"`
	WorkflowEngineParameters map[string]string `json:"workflow_engine_parameters,omitempty"`
	WorkflowParams           map[string]any    `json:"workflow_params,omitempty"`
	Tags                     map[string]string `json:"tags,omitempty"`
	Metadata                 map[string]any    `json:"metadata,omitempty"`

	SamplesheetColumns []SamplesheetColumn `json:"samplesheet_columns,omitempty"`
	BlobRunDirectory   string              `json:"blob_run_directory,omitempty"`
	Cleaned            bool                `json:"cleaned"`

	Inputs  []Input                    `json:"inputs,omitempty"`
	Samples []SamplesWorkflowExecution `json:"samples,omitempty"`

	// Version is bumped on every persisted update and guards concurrent writers
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Columns returns the declared sample sheet columns or the default layout
func (e *WorkflowExecution) Columns() []SamplesheetColumn {
	if len(e.SamplesheetColumns) == 0 {
		return DefaultSamplesheetColumns
	}
	return e.SamplesheetColumns
}

// HasRunDirectory reports whether preparation assigned a blob namespace
func (e *WorkflowExecution) HasRunDirectory() bool {
	return e.BlobRunDirectory != ""
}

// Clone returns a deep copy so callers can stage changes without touching
// the stored aggregate
func (e *WorkflowExecution) Clone() (*WorkflowExecution, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}

	var clone WorkflowExecution
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &clone, nil
}

// MetadataString returns a metadata value rendered as a string
func (e *WorkflowExecution) MetadataString(key string) string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// NewExecutionRequest carries everything needed to create an execution
type NewExecutionRequest struct {
	Name                     string              `json:"name" validate:"required,max=255"`
	WorkflowURL              string              `json:"workflow_url" validate:"required"`
	WorkflowType             string              `json:"workflow_type"`
	WorkflowTypeVersion      string              `json:"workflow_type_version"`
	WorkflowEngine           string              `json:"workflow_engine"`
	WorkflowEngineVersion    string              `json:"workflow_engine_version"`
	WorkflowEngineParameters map[string]string   `json:"workflow_engine_parameters"`
	WorkflowParams           map[string]any      `json:"workflow_params"`
	Tags                     map[string]string   `json:"tags"`
	Metadata                 map[string]any      `json:"metadata"`
	SamplesheetColumns       []SamplesheetColumn `json:"samplesheet_columns" validate:"omitempty,dive"`
	Samples                  []NewSample         `json:"samples" validate:"required,min=1,dive"`
}

// NewSample names one sample of a new execution and its sample sheet values
type NewSample struct {
	SampleID          string            `json:"sample_id" validate:"required"`
	SamplesheetParams map[string]string `json:"samplesheet_params"`
}
