package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

// Complete records the run outputs and finalizes the execution. Blobs the
// engine wrote under {run}/output/ are copied to outputs/{execution}/ so
// they outlive cleanup of the run directory, and recorded as output inputs.
// Any failure leaves the execution completing; a retry copies again.
func (s *Service) Complete(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionComplete, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		staged, tr, rejected := s.apply(ctx, exec, models.EventFinalize)
		if rejected != nil {
			return rejected, nil
		}

		copied := 0
		if exec.HasRunDirectory() {
			outputPrefix := blobstore.Key(exec.BlobRunDirectory, blobstore.OutputPrefix, "")
			objects, err := s.blobs.List(ctx, outputPrefix)
			if err != nil {
				return failure(KindStorage, exec, "failed to list run outputs: %v", err), nil
			}

			recorded := make(map[string]bool)
			for _, in := range staged.Inputs {
				if in.Kind == models.InputKindOutput {
					recorded[in.BlobKey] = true
				}
			}

			for _, obj := range objects {
				rel := strings.TrimPrefix(obj.Key, outputPrefix)
				if rel == "" {
					continue
				}
				dst := blobstore.DurableOutputKey(exec.ID, rel)
				if err := s.blobs.Copy(ctx, obj.Key, dst); err != nil {
					return failure(KindStorage, exec, "failed to keep output %s: %v", rel, err), nil
				}
				copied++
				if recorded[dst] {
					continue
				}
				staged.Inputs = append(staged.Inputs, models.Input{
					ID:        uuid.NewString(),
					Kind:      models.InputKindOutput,
					Filename:  rel,
					BlobKey:   dst,
					ByteSize:  obj.Size,
					CreatedAt: time.Now().UTC(),
				})
			}
		}

		res := s.commit(ctx, principal, staged, tr)
		if res.OK {
			s.logger.Info(ctx, "Execution outputs recorded",
				append(logging.Execution(exec.ID, string(staged.State)),
					zap.String("run_id", exec.RunID),
					zap.Int("outputs", copied))...)
		}
		return res, nil
	})
}
