// Package router is the single entry point for workspace operations. It hides
// whether a workspace runs on a cloud backend or on a connected local pod,
// and it keeps working when a pod has restarted and forgotten everything:
// every request to a pod carries the state the pod needs, resolved from the
// persisted records.
package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"context"
	"errors"
	"time"

	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/metrics"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	"github.com/whisthq/whist/backend/workspaces/store"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// ErrPodNotConnected is wrapped by every error caused by a workspace's pod
// being offline. Such calls fail fast; they never fall back to the cloud.
var ErrPodNotConnected = rpc.ErrNotConnected

// DefaultRPCTimeout bounds pod calls when Config.RPCTimeout is unset.
const DefaultRPCTimeout = 30 * time.Second

// Caller is the part of the RPC hub the router uses.
type Caller interface {
	Call(ctx context.Context, pod types.PodID, method rpc.Method, params interface{}, out interface{}, timeout time.Duration) error
	IsConnected(pod types.PodID) bool
}

// Config holds the dependencies of a Router.
type Config struct {
	Store  store.Store
	Caller Caller
	// Backends are the cloud managers by endpoint.
	Backends compute.Backends
	// DefaultEndpoint hosts cloud workspaces whose tier doesn't need the
	// instance pool, and records that predate endpoint assignment.
	DefaultEndpoint types.Endpoint
	Catalog         *catalog.Catalog
	RPCTimeout      time.Duration
}

// Router routes workspace operations to the backend or pod hosting them.
type Router struct {
	store           store.Store
	caller          Caller
	backends        compute.Backends
	defaultEndpoint types.Endpoint
	catalog         *catalog.Catalog
	rpcTimeout      time.Duration
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, utils.MakeError("router needs a store")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.DefaultEndpoint == "" {
		cfg.DefaultEndpoint = types.EndpointServerless
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	backends := make(compute.Backends, len(cfg.Backends))
	for endpoint, m := range cfg.Backends {
		if m != nil {
			backends[endpoint] = m
		}
	}
	return &Router{
		store:           cfg.Store,
		caller:          cfg.Caller,
		backends:        backends,
		defaultEndpoint: cfg.DefaultEndpoint,
		catalog:         cfg.Catalog,
		rpcTimeout:      cfg.RPCTimeout,
	}, nil
}

// target is where a workspace's operations go: a connected pod, or a cloud
// manager.
type target struct {
	rec   *store.WorkspaceRecord
	pod   types.PodID
	cloud compute.Manager
}

func (t *target) isPod() bool {
	return t.pod != ""
}

func podNotConnected(op string, id types.WorkspaceID, pod types.PodID) error {
	return &compute.Error{
		Kind:        compute.KindConnectivity,
		Op:          op,
		WorkspaceID: id,
		Err:         utils.MakeError("pod %s: %w", pod, ErrPodNotConnected),
	}
}

// record loads the routing record of a workspace.
func (r *Router) record(ctx context.Context, op string, id types.WorkspaceID) (*store.WorkspaceRecord, error) {
	rec, err := r.store.GetWorkspace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, compute.NotFoundError(op, id)
	}
	if err != nil {
		return nil, compute.InternalError(op, id, "error loading workspace record: %s", err)
	}
	return rec, nil
}

// cloudBackend returns the manager of a cloud endpoint.
func (r *Router) cloudBackend(op string, id types.WorkspaceID, endpoint types.Endpoint) (compute.Manager, error) {
	if endpoint == "" {
		endpoint = r.defaultEndpoint
	}
	m, ok := r.backends.Backend(endpoint)
	if !ok {
		return nil, compute.ConfigError(op, id, "compute endpoint %s is not configured", endpoint)
	}
	return m, nil
}

// routeRecord decides where rec's operations go. A pod that isn't
// connected is an error.
func (r *Router) routeRecord(op string, rec *store.WorkspaceRecord) (*target, error) {
	if rec.IsLocalPod() {
		if r.caller == nil || !r.caller.IsConnected(rec.LocalPodID) {
			return nil, podNotConnected(op, rec.WorkspaceID, rec.LocalPodID)
		}
		return &target{rec: rec, pod: rec.LocalPodID}, nil
	}
	m, err := r.cloudBackend(op, rec.WorkspaceID, rec.ComputeEndpoint)
	if err != nil {
		return nil, err
	}
	return &target{rec: rec, cloud: m}, nil
}

func (r *Router) route(ctx context.Context, op string, id types.WorkspaceID) (*target, error) {
	rec, err := r.record(ctx, op, id)
	if err != nil {
		return nil, err
	}
	return r.routeRecord(op, rec)
}

// call makes an RPC to the target's pod.
func (r *Router) call(ctx context.Context, t *target, method rpc.Method, params interface{}, out interface{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.rpcTimeout
	}
	return r.caller.Call(ctx, t.pod, method, params, out, timeout)
}

// endpointLabel is the backend label of t in metrics.
func (t *target) endpointLabel() string {
	if t.isPod() {
		return string(types.EndpointLocalPod)
	}
	return string(t.rec.ComputeEndpoint)
}

// observe counts err against op. It returns err unchanged.
func observe(op string, err error) error {
	if err != nil {
		metrics.OpErrors.WithLabelValues(op, string(compute.KindOf(err))).Inc()
	}
	return err
}

// CreateRequest is everything needed to create a workspace.
type CreateRequest struct {
	// WorkspaceID is optional; one is generated when empty.
	WorkspaceID types.WorkspaceID
	UserID      types.UserID
	SessionID   types.SessionID
	Config      compute.WorkspaceConfig
	// LocalPodID places the workspace on a pod instead of the cloud.
	LocalPodID types.PodID
}

// EndpointFor returns the cloud endpoint a tier is hosted on.
func (r *Router) EndpointFor(tier types.Tier) types.Endpoint {
	if r.catalog.Spec(tier).RequiresInstanceBackend {
		return types.EndpointInstancePool
	}
	return r.defaultEndpoint
}

// CreateWorkspace creates the workspace where req asks and persists its
// routing record. The backend is chosen here once; every later call is
// dispatched on the record.
func (r *Router) CreateWorkspace(ctx context.Context, req CreateRequest) (*compute.WorkspaceInfo, error) {
	const op = "create_workspace"
	id := compute.ResolveWorkspaceID(req.WorkspaceID)
	rec := &store.WorkspaceRecord{
		WorkspaceID: id,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		LocalPodID:  req.LocalPodID,
		Tier:        r.catalog.Spec(req.Config.Tier).Tier,
		Config:      req.Config,
		CreatedAt:   time.Now().UTC(),
	}
	if rec.IsLocalPod() {
		rec.ComputeEndpoint = types.EndpointLocalPod
	} else {
		rec.ComputeEndpoint = r.EndpointFor(req.Config.Tier)
	}

	info, err := r.createOn(ctx, op, rec)
	if err != nil {
		return nil, observe(op, err)
	}
	if err := r.store.SaveWorkspace(ctx, rec); err != nil {
		logger.Errorw("Failed to persist workspace record, deleting the workspace again",
			zap.String("workspace_id", string(id)), zap.Error(err))
		if t, routeErr := r.routeRecord(op, rec); routeErr == nil {
			if delErr := r.deleteOn(ctx, t, false); delErr != nil {
				logger.Warnw("Failed to delete unpersisted workspace", zap.String("workspace_id", string(id)), zap.Error(delErr))
			}
		}
		return nil, observe(op, compute.InternalError(op, id, "error saving workspace record: %s", err))
	}

	metrics.WorkspacesCreated.WithLabelValues(string(rec.ComputeEndpoint)).Inc()
	logger.Infow("Created workspace",
		zap.String("workspace_id", string(id)),
		zap.String("user_id", string(rec.UserID)),
		zap.String("backend", string(rec.ComputeEndpoint)),
		zap.String("pod_id", string(rec.LocalPodID)),
		zap.String("tier", string(rec.Tier)))
	return info, nil
}

// createOn creates the workspace of rec on its backend.
func (r *Router) createOn(ctx context.Context, op string, rec *store.WorkspaceRecord) (*compute.WorkspaceInfo, error) {
	t, err := r.routeRecord(op, rec)
	if err != nil {
		return nil, err
	}
	if t.isPod() {
		var info compute.WorkspaceInfo
		params := rpc.CreateParams{WorkspaceID: rec.WorkspaceID, UserID: rec.UserID, SessionID: rec.SessionID, Config: rec.Config}
		if err := r.call(ctx, t, rpc.MethodWorkspaceCreate, params, &info, 0); err != nil {
			return nil, err
		}
		return &info, nil
	}
	return t.cloud.CreateWorkspace(ctx, rec.UserID, rec.SessionID, rec.Config, rec.WorkspaceID)
}

// GetWorkspace refreshes the workspace from its backend. A pod that has
// forgotten the workspace, for instance after a restart, yields nil.
func (r *Router) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "get_workspace"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	if t.isPod() {
		var res rpc.GetResult
		if err := r.call(ctx, t, rpc.MethodWorkspaceGet, rpc.WorkspaceParams{WorkspaceID: id}, &res, 0); err != nil {
			return nil, observe(op, err)
		}
		return res.Workspace, nil
	}
	info, err := t.cloud.GetWorkspace(ctx, id)
	return info, observe(op, err)
}

// UpdateWorkspace merges update into the persisted config. The git identity
// is applied to the live workspace right away; a tier change takes effect
// on the next restart.
func (r *Router) UpdateWorkspace(ctx context.Context, id types.WorkspaceID, update compute.WorkspaceUpdate) (*compute.WorkspaceInfo, error) {
	const op = "update_workspace"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}

	var info *compute.WorkspaceInfo
	if t.isPod() {
		info = new(compute.WorkspaceInfo)
		if err := r.call(ctx, t, rpc.MethodWorkspaceUpdate, rpc.UpdateParams{WorkspaceID: id, Update: update}, info, 0); err != nil {
			return nil, observe(op, err)
		}
	} else {
		if update.GitIdentity != nil {
			if cmd := compute.GitIdentityCommand(*update.GitIdentity); cmd != "" {
				res, err := t.cloud.ExecCommand(ctx, id, cmd, "", compute.DefaultExecTimeout)
				if err != nil {
					return nil, observe(op, err)
				}
				if !res.Succeeded() {
					return nil, observe(op, compute.InternalError(op, id, "error setting git identity: exit code %d", res.ExitCode))
				}
			}
		}
		if info, err = t.cloud.GetWorkspace(ctx, id); err != nil {
			return nil, observe(op, err)
		}
	}

	t.rec.Config = update.Apply(t.rec.Config)
	if update.Tier != "" {
		t.rec.Tier = r.catalog.Spec(update.Tier).Tier
	}
	if err := r.store.SaveWorkspace(ctx, t.rec); err != nil {
		return nil, observe(op, compute.InternalError(op, id, "error saving workspace record: %s", err))
	}
	return info, nil
}

// StopWorkspace stops the workspace. It is idempotent.
func (r *Router) StopWorkspace(ctx context.Context, id types.WorkspaceID) error {
	const op = "stop_workspace"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return observe(op, err)
	}
	if t.isPod() {
		return observe(op, r.call(ctx, t, rpc.MethodWorkspaceStop, rpc.WorkspaceParams{WorkspaceID: id}, nil, 0))
	}
	return observe(op, t.cloud.StopWorkspace(ctx, id))
}

func (r *Router) deleteOn(ctx context.Context, t *target, preserveFiles bool) error {
	id := t.rec.WorkspaceID
	if t.isPod() {
		return r.call(ctx, t, rpc.MethodWorkspaceDelete, rpc.DeleteParams{WorkspaceID: id, PreserveFiles: preserveFiles}, nil, 0)
	}
	return t.cloud.DeleteWorkspace(ctx, id, preserveFiles)
}

// DeleteWorkspace deletes the workspace and its record. Deleting an unknown
// workspace, or deleting twice, is not an error.
func (r *Router) DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error {
	const op = "delete_workspace"
	t, err := r.route(ctx, op, id)
	if compute.IsKind(err, compute.KindNotFound) {
		return nil
	}
	if err != nil {
		return observe(op, err)
	}
	if err := r.deleteOn(ctx, t, preserveFiles); err != nil {
		return observe(op, err)
	}
	if err := r.store.DeleteWorkspace(ctx, id); err != nil {
		return observe(op, compute.InternalError(op, id, "error deleting workspace record: %s", err))
	}
	metrics.WorkspacesDeleted.WithLabelValues(t.endpointLabel()).Inc()
	logger.Infow("Deleted workspace", zap.String("workspace_id", string(id)), zap.Bool("preserve_files", preserveFiles))
	return nil
}

// RestartWorkspace deletes the workspace, keeping its files, and creates it
// again with the same id and its persisted config. There is no in-place
// resume. A cloud workspace whose tier changed since it was created moves to
// the endpoint hosting the new tier; that endpoint must be configured before
// anything is deleted.
func (r *Router) RestartWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "restart_workspace"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}

	rec := *t.rec
	rec.Config.Tier = rec.Tier
	if !rec.IsLocalPod() {
		rec.ComputeEndpoint = r.EndpointFor(rec.Tier)
		if _, err := r.cloudBackend(op, id, rec.ComputeEndpoint); err != nil {
			return nil, observe(op, err)
		}
	}

	if err := r.deleteOn(ctx, t, true); err != nil {
		return nil, observe(op, err)
	}
	info, err := r.createOn(ctx, op, &rec)
	if err != nil {
		return nil, observe(op, err)
	}
	if err := r.store.SaveWorkspace(ctx, &rec); err != nil {
		return nil, observe(op, compute.InternalError(op, id, "error saving workspace record: %s", err))
	}
	logger.Infow("Restarted workspace",
		zap.String("workspace_id", string(id)),
		zap.String("tier", string(rec.Tier)),
		zap.String("backend", string(rec.ComputeEndpoint)))
	return info, nil
}

// Heartbeat records activity on the workspace.
func (r *Router) Heartbeat(ctx context.Context, id types.WorkspaceID) error {
	const op = "heartbeat"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return observe(op, err)
	}
	if t.isPod() {
		return observe(op, r.call(ctx, t, rpc.MethodWorkspaceHeartbeat, rpc.WorkspaceParams{WorkspaceID: id}, nil, 0))
	}
	return observe(op, t.cloud.Heartbeat(ctx, id))
}

// IsLocalPodWorkspace reports whether the workspace is hosted by a pod.
func (r *Router) IsLocalPodWorkspace(ctx context.Context, id types.WorkspaceID) (bool, error) {
	rec, err := r.record(ctx, "is_local_pod_workspace", id)
	if err != nil {
		return false, err
	}
	return rec.IsLocalPod(), nil
}

// CleanupIdleWorkspaces deletes the cloud workspaces idle for longer than
// timeout, then their records. Local pods reap their own workspaces.
func (r *Router) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	deleted := r.backends.CleanupIdleWorkspaces(ctx, timeout)
	for _, id := range deleted {
		if err := r.store.DeleteWorkspace(ctx, id); err != nil {
			logger.Warnw("Failed to delete the record of an idle workspace",
				zap.String("workspace_id", string(id)), zap.Error(err))
		}
	}
	return deleted
}
