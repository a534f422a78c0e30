package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// Prepare stages the run inputs in a fresh run directory: every attachment
// is copied to {run}/input/Sample_{id}/{filename} and the rendered sample
// sheet is uploaded to {run}/samplesheet.csv. On success the execution is
// prepared with workflow_params input and outdir pointing into the run. On
// failure the uploaded blobs are removed and the execution stays initial.
func (s *Service) Prepare(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionPrepare, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		return s.prepare(ctx, principal, exec), nil
	})
}

// preparation tracks what one attempt has uploaded so far
type preparation struct {
	runDir   string
	uploaded []string
}

func (s *Service) prepare(ctx context.Context, principal models.Principal, exec *models.WorkflowExecution) *Result {
	if !models.CanTransition(exec.State, models.EventPrepare) {
		return failure(KindInvalidState, exec, "cannot prepare execution in state %s", exec.State)
	}
	if len(exec.Samples) == 0 {
		return failure(KindValidation, exec, "no samples transferred")
	}

	staged, err := exec.Clone()
	if err != nil {
		return failure(KindStorage, exec, "%v", err)
	}

	p := &preparation{runDir: blobstore.NewRunDirectory()}
	if res := s.stage(ctx, exec, staged, p); res != nil {
		s.rollback(ctx, exec, p)
		return res
	}

	tr, err := staged.Apply(models.EventPrepare)
	if err != nil {
		s.rollback(ctx, exec, p)
		return failure(KindInvalidState, exec, "%v", err)
	}

	res := s.commit(ctx, principal, staged, tr)
	if !res.OK {
		s.rollback(ctx, exec, p)
		res.State = exec.State
	}
	return res
}

// stage uploads the attachments and the sample sheet and records them on staged
func (s *Service) stage(ctx context.Context, exec, staged *models.WorkflowExecution, p *preparation) *Result {
	columns := staged.Columns()
	header := make([]string, len(columns))
	for i, col := range columns {
		header[i] = col.Name
	}
	rows := [][]string{header}

	attachments := 0
	staging := make(map[string]string)
	for i := range staged.Samples {
		sample := &staged.Samples[i]
		sample.Inputs = nil
		prefix := blobstore.SamplePrefix(sample.SampleID)

		row := make([]string, len(columns))
		row[0] = sample.SampleID
		for c, col := range columns[1:] {
			value := sample.SamplesheetParams[col.Name]
			if !col.File || value == "" {
				row[c+1] = value
				continue
			}

			// another run's inputs and outputs are not attachments
			if blobstore.IsRunKey(value) {
				return failure(KindValidation, exec, "attachment %s of sample %s lies in a run directory", value, sample.SampleID)
			}
			filename := blobstore.BaseName(value)
			key := blobstore.Key(p.runDir, prefix, filename)
			if src, taken := staging[key]; taken {
				return failure(KindValidation, exec, "attachments %s and %s of sample %s both stage to %s", src, value, sample.SampleID, key)
			}
			staging[key] = value
			if err := s.blobs.Copy(ctx, value, key); err != nil {
				if errors.Is(err, blobstore.ErrNotFound) {
					return failure(KindValidation, exec, "attachment %s of sample %s not found", value, sample.SampleID)
				}
				return failure(KindStorage, exec, "failed to copy attachment %s: %v", value, err)
			}
			p.uploaded = append(p.uploaded, key)
			attachments++

			sample.Inputs = append(sample.Inputs, models.Input{
				ID:        uuid.NewString(),
				Kind:      models.InputKindAttachment,
				Filename:  filename,
				BlobKey:   key,
				CreatedAt: time.Now().UTC(),
			})
			row[c+1] = s.blobs.URL(key)
		}
		rows = append(rows, row)

		if err := s.recordSizes(ctx, p.runDir, prefix, sample.Inputs); err != nil {
			return failure(KindStorage, exec, "failed to list inputs of sample %s: %v", sample.SampleID, err)
		}
	}

	if attachments == 0 {
		return failure(KindValidation, exec, "no samples transferred")
	}

	sheet, err := renderSamplesheet(rows)
	if err != nil {
		return failure(KindValidation, exec, "failed to render sample sheet: %v", err)
	}

	sheetKey := blobstore.Key(p.runDir, "", blobstore.SamplesheetFilename)
	if err := s.blobs.Upload(ctx, sheetKey, bytes.NewReader(sheet), int64(len(sheet)), "text/csv"); err != nil {
		return failure(KindStorage, exec, "failed to upload sample sheet: %v", err)
	}
	p.uploaded = append(p.uploaded, sheetKey)

	for range p.uploaded {
		_ = telemetry.IncrementCounter(ctx, "wesflow_blobs_uploaded_total", attribute.String("operation", "prepare"))
	}

	staged.Inputs = append(withoutKind(staged.Inputs, models.InputKindSamplesheet), models.Input{
		ID:        uuid.NewString(),
		Kind:      models.InputKindSamplesheet,
		Filename:  blobstore.SamplesheetFilename,
		BlobKey:   sheetKey,
		ByteSize:  int64(len(sheet)),
		CreatedAt: time.Now().UTC(),
	})

	staged.BlobRunDirectory = p.runDir
	if staged.WorkflowParams == nil {
		staged.WorkflowParams = make(map[string]any)
	}
	staged.WorkflowParams["input"] = s.blobs.URL(sheetKey)
	staged.WorkflowParams["outdir"] = s.blobs.URL(blobstore.Key(p.runDir, blobstore.OutputPrefix, ""))
	return nil
}

func (s *Service) recordSizes(ctx context.Context, runDir, prefix string, inputs []models.Input) error {
	if len(inputs) == 0 {
		return nil
	}
	objects, err := s.blobs.List(ctx, blobstore.Key(runDir, prefix, ""))
	if err != nil {
		return err
	}
	sizes := make(map[string]int64, len(objects))
	for _, obj := range objects {
		sizes[obj.Key] = obj.Size
	}
	for i := range inputs {
		inputs[i].ByteSize = sizes[inputs[i].BlobKey]
	}
	return nil
}

// rollback removes what a failed attempt uploaded. It runs detached from
// ctx so a canceled request still cleans up after itself.
func (s *Service) rollback(ctx context.Context, exec *models.WorkflowExecution, p *preparation) {
	if len(p.uploaded) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	for _, key := range p.uploaded {
		if err := s.blobs.Delete(cleanupCtx, key); err != nil {
			s.logger.Warn(ctx, "Failed to roll back uploaded blob",
				append(logging.Execution(exec.ID, string(exec.State)), zap.String("key", key), zap.Error(err))...)
		}
	}
	s.logger.Info(ctx, "Preparation rolled back",
		append(logging.Execution(exec.ID, string(exec.State)),
			zap.String("run_directory", p.runDir),
			zap.Int("blobs", len(p.uploaded)))...)
}

func renderSamplesheet(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write sample sheet: %w", err)
	}
	return buf.Bytes(), nil
}

func withoutKind(inputs []models.Input, kind models.InputKind) []models.Input {
	out := inputs[:0:0]
	for _, in := range inputs {
		if in.Kind != kind {
			out = append(out, in)
		}
	}
	return out
}
