package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"context"
	"time"

	"github.com/whisthq/whist/backend/workspaces/types"
)

// cloudEndpoints is the order in which cloud backends are swept.
var cloudEndpoints = []types.Endpoint{types.EndpointServerless, types.EndpointInstancePool}

// Backends holds the configured cloud managers by endpoint. An endpoint
// without a manager isn't configured.
type Backends map[types.Endpoint]Manager

// NewBackends registers the cloud managers. Either may be nil if it isn't
// configured, in which case tiers that need it fail with a config error.
func NewBackends(serverless, instancePool Manager) Backends {
	b := make(Backends, 2)
	if serverless != nil {
		b[types.EndpointServerless] = serverless
	}
	if instancePool != nil {
		b[types.EndpointInstancePool] = instancePool
	}
	return b
}

// Backend returns the manager for endpoint.
func (b Backends) Backend(endpoint types.Endpoint) (Manager, bool) {
	m, ok := b[endpoint]
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

// CleanupIdleWorkspaces sweeps each configured backend in turn and returns
// every id deleted.
func (b Backends) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	deleted := []types.WorkspaceID{}
	for _, endpoint := range cloudEndpoints {
		if ctx.Err() != nil {
			break
		}
		if m, ok := b.Backend(endpoint); ok {
			deleted = append(deleted, m.CleanupIdleWorkspaces(ctx, timeout)...)
		}
	}
	return deleted
}
