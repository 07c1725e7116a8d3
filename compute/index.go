package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"sort"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/workspaces/types"
)

// Index tracks the workspaces a manager owns. It is local to one process;
// when more than one orchestration instance runs, the persisted store is the
// source of truth and an Index is only a cache of this process's workspaces.
//
// Index hands out copies, so callers can't mutate tracked state by accident.
type Index struct {
	lock       sync.RWMutex
	workspaces map[types.WorkspaceID]*WorkspaceInfo
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{workspaces: make(map[types.WorkspaceID]*WorkspaceInfo)}
}

// Put tracks (or replaces) a workspace.
func (idx *Index) Put(info *WorkspaceInfo) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	idx.workspaces[info.ID] = info.Clone()
}

// Get returns a copy of the tracked workspace, or nil.
func (idx *Index) Get(id types.WorkspaceID) *WorkspaceInfo {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	return idx.workspaces[id].Clone()
}

// Has reports whether id is tracked.
func (idx *Index) Has(id types.WorkspaceID) bool {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	_, ok := idx.workspaces[id]
	return ok
}

// Update applies fn to the tracked workspace under the write lock and
// returns a copy of the result. It returns nil if id isn't tracked.
func (idx *Index) Update(id types.WorkspaceID, fn func(*WorkspaceInfo)) *WorkspaceInfo {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	w, ok := idx.workspaces[id]
	if !ok {
		return nil
	}
	fn(w)
	return w.Clone()
}

// Touch bumps LastActivity to now. It reports whether id is tracked.
func (idx *Index) Touch(id types.WorkspaceID, now time.Time) bool {
	return idx.Update(id, func(w *WorkspaceInfo) {
		w.LastActivity = now
	}) != nil
}

// Remove forgets a workspace.
func (idx *Index) Remove(id types.WorkspaceID) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	delete(idx.workspaces, id)
}

// Len returns the number of tracked workspaces.
func (idx *Index) Len() int {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	return len(idx.workspaces)
}

// List returns copies of the tracked workspaces matching both filters,
// oldest first. Empty filters match everything.
func (idx *Index) List(userID types.UserID, sessionID types.SessionID) []*WorkspaceInfo {
	idx.lock.RLock()
	defer idx.lock.RUnlock()

	out := make([]*WorkspaceInfo, 0, len(idx.workspaces))
	for _, w := range idx.workspaces {
		if userID != "" && w.UserID != userID {
			continue
		}
		if sessionID != "" && w.SessionID != sessionID {
			continue
		}
		out = append(out, w.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IdleSince returns the ids of workspaces whose last activity is more than
// timeout before now.
func (idx *Index) IdleSince(now time.Time, timeout time.Duration) []types.WorkspaceID {
	var idle []types.WorkspaceID
	for _, w := range idx.List("", "") {
		if now.Sub(w.LastActivity) > timeout {
			idle = append(idle, w.ID)
		}
	}
	return idle
}
