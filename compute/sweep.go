package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"context"
	"time"

	"github.com/whisthq/whist/backend/workspaces/types"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// SweepResult is the outcome of reclaiming one workspace.
type SweepResult struct {
	ID  types.WorkspaceID
	Err error
}

// SweepIdle deletes, one at a time, every workspace in idx idle for longer
// than timeout at now. A failure is recorded and the sweep moves on.
func SweepIdle(ctx context.Context, idx *Index, now time.Time, timeout time.Duration, deleteFn func(context.Context, types.WorkspaceID) error) []SweepResult {
	idle := idx.IdleSince(now, timeout)
	results := make([]SweepResult, 0, len(idle))

	for _, id := range idle {
		if ctx.Err() != nil {
			results = append(results, SweepResult{ID: id, Err: ctx.Err()})
			continue
		}
		err := deleteFn(ctx, id)
		if err != nil {
			logger.Warnw("Failed to delete idle workspace", zap.String("workspace_id", string(id)), zap.Error(err))
		}
		results = append(results, SweepResult{ID: id, Err: err})
	}
	return results
}

// Succeeded returns the ids of the results without an error.
func Succeeded(results []SweepResult) []types.WorkspaceID {
	ids := []types.WorkspaceID{}
	for _, r := range results {
		if r.Err == nil {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
