// Package reaper deletes workspaces that have been idle for too long. It
// runs each backend's own idle cleanup on a fixed schedule; the backends
// decide what idle means from their activity timestamps.
package reaper // import "github.com/whisthq/whist/backend/workspaces/reaper"

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/whisthq/whist/backend/workspaces/metrics"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// IdleCleaner is implemented by every compute backend.
type IdleCleaner interface {
	CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID
}

// Target is a backend swept by the reaper, named for the logs.
type Target struct {
	Name    string
	Cleaner IdleCleaner
}

// Reaper runs the idle cleanup of its targets every interval.
type Reaper struct {
	targets  []Target
	timeout  time.Duration
	interval time.Duration

	lock      sync.Mutex
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
}

// New returns a reaper deleting workspaces idle for longer than timeout.
func New(timeout, interval time.Duration, targets ...Target) *Reaper {
	return &Reaper{targets: targets, timeout: timeout, interval: interval}
}

// Sweep runs one cleanup pass over every target in turn and returns the ids
// it deleted.
func (r *Reaper) Sweep(ctx context.Context) []types.WorkspaceID {
	metrics.ReaperSweeps.Inc()

	var deleted []types.WorkspaceID
	for _, target := range r.targets {
		if ctx.Err() != nil {
			break
		}
		ids := target.Cleaner.CleanupIdleWorkspaces(ctx, r.timeout)
		if len(ids) == 0 {
			continue
		}
		metrics.ReaperDeleted.Add(float64(len(ids)))
		logger.Infow("Deleted idle workspaces",
			zap.String("target", target.Name),
			zap.Int("count", len(ids)),
			zap.String("workspace_ids", utils.PrintSlice(ids, 20)))
		deleted = append(deleted, ids...)
	}
	return deleted
}

// Start schedules Sweep every interval. A sweep that overruns the interval
// delays the next one instead of overlapping with it.
func (r *Reaper) Start(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.scheduler != nil {
		return utils.MakeError("reaper already started")
	}
	if r.interval <= 0 {
		return utils.MakeError("invalid reap interval %s", r.interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(r.interval).SingletonMode().Do(func() {
		r.Sweep(ctx)
	})
	if err != nil {
		cancel()
		return utils.MakeError("error scheduling idle sweep: %s", err)
	}

	s.StartAsync()
	r.scheduler, r.cancel = s, cancel
	logger.Infof("Reaping workspaces idle for %s every %s", r.timeout, r.interval)
	return nil
}

// Stop cancels the sweep in progress, if any, and stops the schedule.
func (r *Reaper) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.scheduler == nil {
		return
	}
	r.cancel()
	r.scheduler.Stop()
	r.scheduler, r.cancel = nil, nil
}
