package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowExecution(t *testing.T) {
	t.Run("Default Columns", func(t *testing.T) {
		exec := &WorkflowExecution{}
		cols := exec.Columns()
		require.Len(t, cols, 3)
		assert.Equal(t, "sample", cols[0].Name)
		assert.True(t, cols[1].File)
		assert.True(t, cols[2].File)
	})

	t.Run("Declared Columns", func(t *testing.T) {
		exec := &WorkflowExecution{SamplesheetColumns: []SamplesheetColumn{{Name: "sample"}, {Name: "bam", File: true}}}
		assert.Equal(t, "bam", exec.Columns()[1].Name)
	})

	t.Run("Clone Is Deep", func(t *testing.T) {
		exec := &WorkflowExecution{
			ID:             "exec-1",
			State:          StatePrepared,
			WorkflowParams: map[string]any{"input": "s3://bucket/run/samplesheet.csv"},
			Samples: []SamplesWorkflowExecution{
				{ID: "swe-1", SampleID: "S1", SamplesheetParams: map[string]string{"fastq_1": "a.fq"}},
			},
		}

		clone, err := exec.Clone()
		require.NoError(t, err)

		clone.WorkflowParams["input"] = "changed"
		clone.Samples[0].SamplesheetParams["fastq_1"] = "changed"
		clone.State = StateSubmitted

		assert.Equal(t, "s3://bucket/run/samplesheet.csv", exec.WorkflowParams["input"])
		assert.Equal(t, "a.fq", exec.Samples[0].SamplesheetParams["fastq_1"])
		assert.Equal(t, StatePrepared, exec.State)
	})

	t.Run("Metadata String", func(t *testing.T) {
		exec := &WorkflowExecution{Metadata: map[string]any{"workflow_name": "rnaseq", "workflow_version": 3}}
		assert.Equal(t, "rnaseq", exec.MetadataString("workflow_name"))
		assert.Equal(t, "3", exec.MetadataString("workflow_version"))
		assert.Equal(t, "", exec.MetadataString("missing"))
	})
}

func TestPrincipal(t *testing.T) {
	p := Principal{ID: "alice", Roles: []string{"admin"}}
	assert.True(t, p.HasRole("admin"))
	assert.False(t, p.HasRole("service"))

	assert.True(t, SystemPrincipal.Automation)
	assert.True(t, SystemPrincipal.HasRole("service"))
}
