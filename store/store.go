// Package store persists the records the router routes on: which backend or
// local pod hosts a workspace, the config it was created with, and per
// session settings. It is the source of truth across restarts of both the
// service and the pods; every manager's in-process index is only a cache.
package store // import "github.com/whisthq/whist/backend/workspaces/store"

import (
	"context"
	"errors"
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// ErrNotFound is returned for workspaces that have no record.
var ErrNotFound = errors.New("record not found")

// WorkspaceRecord is the persisted routing record of a workspace. Exactly
// one of LocalPodID and ComputeEndpoint decides where it lives: a set
// LocalPodID wins.
type WorkspaceRecord struct {
	WorkspaceID     types.WorkspaceID       `json:"workspace_id"`
	UserID          types.UserID            `json:"user_id"`
	SessionID       types.SessionID         `json:"session_id"`
	LocalPodID      types.PodID             `json:"local_pod_id,omitempty"`
	ComputeEndpoint types.Endpoint          `json:"compute_endpoint,omitempty"`
	Tier            types.Tier              `json:"tier"`
	Config          compute.WorkspaceConfig `json:"config"`
	CreatedAt       time.Time               `json:"created_at"`
}

// IsLocalPod reports whether the workspace is hosted by a local pod.
func (r *WorkspaceRecord) IsLocalPod() bool {
	return r.LocalPodID != ""
}

func (r *WorkspaceRecord) clone() *WorkspaceRecord {
	c := *r
	c.Config.Repos = append([]string(nil), r.Config.Repos...)
	if r.Config.EnvVars != nil {
		c.Config.EnvVars = make(map[string]string, len(r.Config.EnvVars))
		for k, v := range r.Config.EnvVars {
			c.Config.EnvVars[k] = v
		}
	}
	return &c
}

// SessionSettings are the persisted settings of a session.
type SessionSettings struct {
	// MountPath overrides the working directory of the session's local
	// pod workspaces.
	MountPath string `json:"mount_path,omitempty"`
}

// Store is the persistence the router needs.
type Store interface {
	// GetWorkspace returns ErrNotFound for unknown workspaces.
	GetWorkspace(ctx context.Context, id types.WorkspaceID) (*WorkspaceRecord, error)
	// SaveWorkspace inserts or replaces the record.
	SaveWorkspace(ctx context.Context, rec *WorkspaceRecord) error
	// DeleteWorkspace is a no-op for unknown workspaces.
	DeleteWorkspace(ctx context.Context, id types.WorkspaceID) error
	// GetSessionSettings returns empty settings for unknown sessions.
	GetSessionSettings(ctx context.Context, id types.SessionID) (SessionSettings, error)
	UpdateSessionSettings(ctx context.Context, id types.SessionID, settings SessionSettings) error
}
