package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"context"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// managedContainers lists every container we created, running or not.
func (m *Manager) managedContainers(ctx context.Context) ([]dockertypes.Container, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManaged+"=true")
	containers, err := m.docker.ContainerList(ctx, dockertypes.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classifyDocker("list_containers", "", err)
	}
	return containers, nil
}

// OrphanResult is the outcome of removing one orphaned container.
type OrphanResult struct {
	ContainerID string
	WorkspaceID types.WorkspaceID
	Err         error
}

// SweepOrphans stops and removes every managed container that isn't in the
// index, such as the ones left behind when a previous pod process crashed.
// A failure on one container is recorded and the sweep moves on.
func (m *Manager) SweepOrphans(ctx context.Context) ([]OrphanResult, error) {
	containers, err := m.managedContainers(ctx)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]bool)
	for _, w := range m.index.List("", "") {
		tracked[w.BackendHandle] = true
	}

	var results []OrphanResult
	for _, c := range containers {
		if tracked[c.ID] {
			continue
		}
		id := types.WorkspaceID(c.Labels[LabelID])
		res := OrphanResult{ContainerID: c.ID, WorkspaceID: id, Err: m.removeContainer(ctx, c.ID)}
		if res.Err != nil {
			logger.Warnw("Failed to remove orphaned container",
				zap.String("container_id", c.ID), zap.String("workspace_id", string(id)), zap.Error(res.Err))
		} else {
			logger.Infow("Removed orphaned container",
				zap.String("container_id", c.ID), zap.String("workspace_id", string(id)))
		}
		results = append(results, res)
	}
	return results, nil
}

// removeContainer stops then removes a container. Containers that are
// already gone count as removed.
func (m *Manager) removeContainer(ctx context.Context, containerID string) error {
	timeout := m.cfg.StopTimeout
	if err := m.docker.ContainerStop(ctx, containerID, &timeout); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err := m.docker.ContainerRemove(ctx, containerID, dockertypes.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Reattach rebuilds the index from the labels of running managed
// containers, so that containers left running by a previous pod process
// are adopted instead of swept. It returns the adopted workspace ids.
func (m *Manager) Reattach(ctx context.Context) ([]types.WorkspaceID, error) {
	containers, err := m.managedContainers(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var adopted []types.WorkspaceID
	for _, c := range containers {
		id := types.WorkspaceID(c.Labels[LabelID])
		if id == "" || c.State != "running" || m.index.Has(id) {
			continue
		}

		created := time.Unix(c.Created, 0)
		if unix, err := strconv.ParseInt(c.Labels[LabelCreatedAt], 10, 64); err == nil {
			created = time.Unix(unix, 0)
		}
		info := &compute.WorkspaceInfo{
			ID:            id,
			UserID:        types.UserID(c.Labels[LabelUser]),
			SessionID:     types.SessionID(c.Labels[LabelSession]),
			Status:        compute.StatusRunning,
			Tier:          types.Tier(c.Labels[LabelTier]),
			Backend:       types.EndpointLocalPod,
			BackendHandle: c.ID,
			CreatedAt:     created,
			LastActivity:  now,
			Metadata: map[string]string{
				"image":     c.Image,
				"mount_dir": m.mountDir(id),
			},
		}
		if c.NetworkSettings != nil {
			for _, name := range utils.SortedKeys(c.NetworkSettings.Networks) {
				if ep := c.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
					info.Host = ep.IPAddress
					break
				}
			}
		}
		m.index.Put(info)
		adopted = append(adopted, id)
		logger.Infow("Reattached workspace container",
			zap.String("workspace_id", string(id)), zap.String("container_id", c.ID), zap.String("name", strings.Join(c.Names, ",")))
	}
	return adopted, nil
}

// Shutdown applies the configured ShutdownPolicy to every tracked
// workspace and forgets them all.
func (m *Manager) Shutdown(ctx context.Context) {
	workspaces := m.index.List("", "")
	logger.Infof("Shutting down local pod manager with policy %q and %d workspaces", m.cfg.ShutdownPolicy, len(workspaces))

	for _, w := range workspaces {
		if m.cfg.ShutdownPolicy == ShutdownStop {
			if err := m.removeContainer(ctx, w.BackendHandle); err != nil {
				logger.Warnw("Failed to stop workspace container on shutdown",
					zap.String("workspace_id", string(w.ID)), zap.Error(err))
			}
		}
		m.index.Remove(w.ID)
	}
}
