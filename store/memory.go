package store // import "github.com/whisthq/whist/backend/workspaces/store"

import (
	"context"
	"sync"

	"github.com/whisthq/whist/backend/workspaces/types"
)

// Memory is a Store that lives in process memory. It backs local
// development and tests.
type Memory struct {
	lock       sync.RWMutex
	workspaces map[types.WorkspaceID]*WorkspaceRecord
	sessions   map[types.SessionID]SessionSettings
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[types.WorkspaceID]*WorkspaceRecord),
		sessions:   make(map[types.SessionID]SessionSettings),
	}
}

func (m *Memory) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*WorkspaceRecord, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	rec, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *Memory) SaveWorkspace(ctx context.Context, rec *WorkspaceRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.workspaces[rec.WorkspaceID] = rec.clone()
	return nil
}

func (m *Memory) DeleteWorkspace(ctx context.Context, id types.WorkspaceID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.workspaces, id)
	return nil
}

func (m *Memory) GetSessionSettings(ctx context.Context, id types.SessionID) (SessionSettings, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.sessions[id], nil
}

func (m *Memory) UpdateSessionSettings(ctx context.Context, id types.SessionID, settings SessionSettings) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sessions[id] = settings
	return nil
}
