// Package localpod implements the compute contract against the Docker Engine
// of a user-owned machine. The pod process runs next to the engine and is
// only reachable through the RPC connection it opens to the service, so
// everything here runs on the pod.
package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	dockernat "github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Container labels. Every container we create carries all of them, which
// is how orphans are found and how a restarted pod re-adopts its
// workspaces.
const (
	LabelManaged   = "whist.workspace.managed"
	LabelID        = "whist.workspace.id"
	LabelUser      = "whist.workspace.user"
	LabelSession   = "whist.workspace.session"
	LabelTier      = "whist.workspace.tier"
	LabelCreatedAt = "whist.workspace.created_at"
)

// ContainerWorkingDir is where the workspace's mount directory appears
// inside the container, and the pod's default working directory.
const ContainerWorkingDir = "/workspace"

// ShutdownPolicy decides what Shutdown does with running containers.
type ShutdownPolicy string

// Shutdown policies.
const (
	// ShutdownStop stops and removes every tracked container.
	ShutdownStop ShutdownPolicy = "stop"
	// ShutdownLeave leaves containers running so that the next pod process
	// can re-adopt them with Reattach.
	ShutdownLeave ShutdownPolicy = "leave"
)

// DefaultPreviewPorts are exposed on every container.
var DefaultPreviewPorts = []int{3000, 5173, 8000, 8080}

// Config is the configuration of a pod's manager.
type Config struct {
	// MaxWorkspaces is the concurrent workspace ceiling.
	MaxWorkspaces int
	// MountRoot holds one directory per workspace, bind-mounted at
	// ContainerWorkingDir.
	MountRoot string
	// Network is the Docker network containers join. Empty means the
	// default bridge.
	Network        string
	ShutdownPolicy ShutdownPolicy
	// GPUs is the number of GPUs the pod has. GPU tiers are refused when
	// it is zero.
	GPUs         int
	PreviewPorts []int
	StopTimeout  time.Duration
}

// Manager runs workspaces as containers on the pod.
type Manager struct {
	cfg     Config
	catalog *catalog.Catalog
	docker  dockerclient.CommonAPIClient
	index   *compute.Index
	http    *http.Client
	now     func() time.Time

	// reserveLock guards reserved, the creates that passed the ceiling
	// check but aren't in the index yet.
	reserveLock sync.Mutex
	reserved    int
}

// New returns a manager driving docker.
func New(cfg Config, cat *catalog.Catalog, docker dockerclient.CommonAPIClient) *Manager {
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = ShutdownStop
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.PreviewPorts == nil {
		cfg.PreviewPorts = DefaultPreviewPorts
	}
	return &Manager{
		cfg:     cfg,
		catalog: cat,
		docker:  docker,
		index:   compute.NewIndex(),
		http:    &http.Client{Timeout: compute.DefaultProxyTimeout},
		now:     time.Now,
	}
}

var containerNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName returns the Docker name of a workspace's container.
func ContainerName(id types.WorkspaceID) string {
	return containerNameRegex.ReplaceAllString("workspace-"+string(id), "-")
}

func (m *Manager) mountDir(id types.WorkspaceID) string {
	return filepath.Join(m.cfg.MountRoot, containerNameRegex.ReplaceAllString(string(id), "-"))
}

// reserve takes a slot under the ceiling. The returned function gives it
// back.
func (m *Manager) reserve(op string, id types.WorkspaceID) (func(), error) {
	m.reserveLock.Lock()
	defer m.reserveLock.Unlock()
	if m.cfg.MaxWorkspaces > 0 && m.index.Len()+m.reserved >= m.cfg.MaxWorkspaces {
		return nil, compute.LimitError(op, id, "pod is at its limit of %d concurrent workspaces", m.cfg.MaxWorkspaces)
	}
	m.reserved++
	return func() {
		m.reserveLock.Lock()
		m.reserved--
		m.reserveLock.Unlock()
	}, nil
}

// CreateWorkspace creates and starts a container for the workspace.
func (m *Manager) CreateWorkspace(ctx context.Context, userID types.UserID, sessionID types.SessionID, cfg compute.WorkspaceConfig, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "create_workspace"
	id = compute.ResolveWorkspaceID(id)
	if m.index.Has(id) {
		return nil, compute.ConfigError(op, id, "workspace already exists on this pod")
	}

	release, err := m.reserve(op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	spec := m.catalog.Spec(cfg.Tier)
	limits := LimitsFor(spec)
	if limits.GPU && m.cfg.GPUs == 0 {
		return nil, compute.ConfigError(op, id, "tier %s needs a GPU and this pod has none", spec.Tier)
	}
	resources, err := limits.Resources()
	if err != nil {
		return nil, compute.ConfigError(op, id, "%s", err)
	}

	// Only GPU tiers get an accelerator image; nothing else on a pod can
	// use one.
	imageSpec := spec
	if !limits.GPU {
		imageSpec.Accelerator = catalog.AcceleratorNone
	}
	image := m.catalog.SelectImage(cfg.BaseImage, imageSpec)
	if image == "" {
		return nil, compute.ConfigError(op, id, "no image for tier %s", spec.Tier)
	}
	platform := &v1.Platform{Architecture: spec.Architecture.Platform(), OS: "linux"}

	contextFields := []zap.Field{
		zap.String("workspace_id", string(id)),
		zap.String("user_id", string(userID)),
		zap.String("tier", string(spec.Tier)),
		zap.String("image", image),
	}

	mountDir := m.mountDir(id)
	preCreateGroup, preCreateCtx := errgroup.WithContext(ctx)
	preCreateGroup.Go(func() error {
		return m.ensureImage(preCreateCtx, op, id, image, platform)
	})
	preCreateGroup.Go(func() error {
		if err := os.MkdirAll(mountDir, 0755); err != nil {
			return compute.InternalError(op, id, "error creating mount directory %s: %s", mountDir, err)
		}
		return nil
	})
	if err := preCreateGroup.Wait(); err != nil {
		return nil, err
	}

	now := m.now()
	config := dockercontainer.Config{
		Image:        image,
		Cmd:          []string{"sleep", "infinity"},
		Env:          envList(compute.ContainerEnvironment(id, cfg)),
		WorkingDir:   ContainerWorkingDir,
		ExposedPorts: m.exposedPorts(),
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelID:        string(id),
			LabelUser:      string(userID),
			LabelSession:   string(sessionID),
			LabelTier:      string(spec.Tier),
			LabelCreatedAt: strconv.FormatInt(now.Unix(), 10),
		},
	}
	hostConfig := dockercontainer.HostConfig{
		Binds:         []string{mountDir + ":" + ContainerWorkingDir},
		RestartPolicy: dockercontainer.RestartPolicy{Name: "unless-stopped"},
		Resources:     resources,
	}
	if m.cfg.Network != "" {
		hostConfig.NetworkMode = dockercontainer.NetworkMode(m.cfg.Network)
	}

	body, err := m.docker.ContainerCreate(ctx, &config, &hostConfig, nil, platform, ContainerName(id))
	if err != nil {
		return nil, classifyDocker(op, id, err)
	}
	logger.Infow("Created workspace container", append(contextFields, zap.String("container_id", body.ID))...)

	// If starting the container fails, we remove it again so that it's
	// not left behind as an orphan.
	var createFailed = true
	defer func() {
		if createFailed {
			if err := m.docker.ContainerRemove(context.Background(), body.ID, dockertypes.ContainerRemoveOptions{Force: true}); err != nil {
				logger.Warningf("Failed to remove container %s of workspace %s after a failed create: %s", body.ID, id, err)
			}
		}
	}()

	if err := m.docker.ContainerStart(ctx, body.ID, dockertypes.ContainerStartOptions{}); err != nil {
		return nil, classifyDocker(op, id, err)
	}
	createFailed = false

	info := &compute.WorkspaceInfo{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		Status:        compute.StatusCreating,
		Tier:          spec.Tier,
		Backend:       types.EndpointLocalPod,
		BackendHandle: body.ID,
		CreatedAt:     now,
		LastActivity:  now,
		Metadata: map[string]string{
			"image":     image,
			"mount_dir": mountDir,
		},
	}
	m.index.Put(info)

	logger.Infow("Started workspace container", contextFields...)
	return info.Clone(), nil
}

func (m *Manager) exposedPorts() dockernat.PortSet {
	ports := dockernat.PortSet{}
	for _, p := range m.cfg.PreviewPorts {
		ports[dockernat.Port(strconv.Itoa(p)+"/tcp")] = struct{}{}
	}
	return ports
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range utils.SortedKeys(env) {
		list = append(list, k+"="+env[k])
	}
	return list
}

// ensureImage pulls image unless the engine already has it.
func (m *Manager) ensureImage(ctx context.Context, op string, id types.WorkspaceID, image string, platform *v1.Platform) error {
	if _, _, err := m.docker.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return classifyDocker(op, id, err)
	}

	logger.Infof("Pulling image %s for workspace %s", image, id)
	rc, err := m.docker.ImagePull(ctx, image, dockertypes.ImagePullOptions{Platform: platform.OS + "/" + platform.Architecture})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) || errdefs.IsInvalidParameter(err) {
			return compute.ConfigError(op, id, "image %s not found: %s", image, err)
		}
		return classifyDocker(op, id, err)
	}
	defer rc.Close()

	// Errors such as a missing manifest only show up in the progress stream.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, discard{}, 0, false, nil); err != nil {
		if _, ok := err.(*jsonmessage.JSONError); ok {
			return compute.ConfigError(op, id, "error pulling image %s: %s", image, err)
		}
		return classifyDocker(op, id, err)
	}
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// classifyDocker turns an engine error into a compute error.
func classifyDocker(op string, id types.WorkspaceID, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return compute.NotFoundError(op, id)
	case errdefs.IsInvalidParameter(err), errdefs.IsConflict(err), errdefs.IsForbidden(err):
		return compute.ConfigError(op, id, "%s", err)
	case errdefs.IsDeadline(err):
		return compute.TimeoutError(op, id, "%s", err)
	case errdefs.IsUnavailable(err), dockerclient.IsErrConnectionFailed(err):
		return compute.UnreachableError(op, id, "docker engine unavailable: %s", err)
	default:
		return compute.InternalError(op, id, "%s", err)
	}
}

// GetWorkspace refreshes the workspace from ContainerInspect.
func (m *Manager) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "get_workspace"
	current := m.index.Get(id)
	if current == nil {
		return nil, nil
	}

	inspect, err := m.docker.ContainerInspect(ctx, current.BackendHandle)
	if errdefs.IsNotFound(err) {
		return m.index.Update(id, func(w *compute.WorkspaceInfo) {
			w.Status = compute.StatusStopped
			w.Host = ""
		}), nil
	}
	if err != nil {
		return nil, classifyDocker(op, id, err)
	}

	status := compute.StatusStopped
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		status = mapContainerState(inspect.State.Status)
	}
	host := containerIP(inspect)
	return m.index.Update(id, func(w *compute.WorkspaceInfo) {
		w.Status = compute.Advance(w.Status, status)
		if w.Status == compute.StatusRunning {
			w.Host = host
		} else if w.Status == compute.StatusStopped {
			w.Host = ""
		}
	}), nil
}

func mapContainerState(state string) compute.Status {
	switch state {
	case "created", "restarting":
		return compute.StatusCreating
	case "running":
		return compute.StatusRunning
	default:
		return compute.StatusStopped
	}
}

// containerIP returns the container's address on its first network.
func containerIP(inspect dockertypes.ContainerJSON) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress
	}
	for _, name := range utils.SortedKeys(inspect.NetworkSettings.Networks) {
		if ep := inspect.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

// StopWorkspace stops the container. Unknown workspaces are a no-op.
func (m *Manager) StopWorkspace(ctx context.Context, id types.WorkspaceID) error {
	const op = "stop_workspace"
	current := m.index.Get(id)
	if current == nil || current.Status == compute.StatusStopped {
		return nil
	}

	timeout := m.cfg.StopTimeout
	if err := m.docker.ContainerStop(ctx, current.BackendHandle, &timeout); err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker(op, id, err)
	}
	m.index.Update(id, func(w *compute.WorkspaceInfo) {
		w.Status = compute.StatusStopped
		w.Host = ""
	})
	return nil
}

// DeleteWorkspace stops and removes the container and forgets the
// workspace. Unless preserveFiles is set, the mount directory goes too.
func (m *Manager) DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error {
	const op = "delete_workspace"
	current := m.index.Get(id)
	if current == nil {
		return nil
	}
	if err := m.StopWorkspace(ctx, id); err != nil {
		return err
	}
	if err := m.docker.ContainerRemove(ctx, current.BackendHandle, dockertypes.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker(op, id, err)
	}
	m.index.Remove(id)

	if !preserveFiles {
		if err := os.RemoveAll(m.mountDir(id)); err != nil {
			logger.Warningf("Failed to remove mount directory of workspace %s: %s", id, err)
		}
	}
	logger.Infow("Deleted workspace container", zap.String("workspace_id", string(id)))
	return nil
}

// ListWorkspaces filters the in-process index.
func (m *Manager) ListWorkspaces(userID types.UserID, sessionID types.SessionID) []*compute.WorkspaceInfo {
	return m.index.List(userID, sessionID)
}

// WorkingDir returns the pod's default working directory for a workspace.
func (m *Manager) WorkingDir(id types.WorkspaceID) string {
	if !m.index.Has(id) {
		return ""
	}
	return ContainerWorkingDir
}

// UpdateWorkspace applies update to a live workspace. Only the git identity
// can change in place; the rest is recorded for the next create.
func (m *Manager) UpdateWorkspace(ctx context.Context, id types.WorkspaceID, update compute.WorkspaceUpdate) (*compute.WorkspaceInfo, error) {
	const op = "update_workspace"
	if !m.index.Has(id) {
		return nil, compute.NotFoundError(op, id)
	}
	if update.GitIdentity != nil {
		if cmd := compute.GitIdentityCommand(*update.GitIdentity); cmd != "" {
			res, err := m.ExecCommand(ctx, id, cmd, "", compute.DefaultExecTimeout)
			if err != nil {
				return nil, err
			}
			if !res.Succeeded() {
				return nil, compute.InternalError(op, id, "error setting git identity: exit code %d: %s", res.ExitCode, res.Stderr)
			}
		}
	}
	return m.index.Update(id, func(w *compute.WorkspaceInfo) {
		if update.Tier != "" {
			if w.Metadata == nil {
				w.Metadata = make(map[string]string)
			}
			w.Metadata["pending_tier"] = string(update.Tier)
		}
	}), nil
}

// Heartbeat records activity on the workspace.
func (m *Manager) Heartbeat(ctx context.Context, id types.WorkspaceID) error {
	if !m.index.Touch(id, m.now()) {
		return compute.NotFoundError("heartbeat", id)
	}
	return nil
}

// CleanupIdleWorkspaces deletes idle workspaces one at a time, keeping their
// files.
func (m *Manager) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	results := compute.SweepIdle(ctx, m.index, m.now(), timeout, func(ctx context.Context, id types.WorkspaceID) error {
		return m.DeleteWorkspace(ctx, id, true)
	})
	return compute.Succeeded(results)
}

// Count returns how many workspaces the pod tracks.
func (m *Manager) Count() int {
	return m.index.Len()
}

// MaxWorkspaces is the pod's concurrent workspace ceiling.
func (m *Manager) MaxWorkspaces() int {
	return m.cfg.MaxWorkspaces
}
