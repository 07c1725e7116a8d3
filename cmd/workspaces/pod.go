package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/config"
	"github.com/whisthq/whist/backend/workspaces/localpod"
	"github.com/whisthq/whist/backend/workspaces/metadata"
	"github.com/whisthq/whist/backend/workspaces/reaper"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// podShutdownTimeout bounds applying the shutdown policy on exit.
const podShutdownTimeout = time.Minute

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Run a local pod that hosts workspaces in Docker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging("workspaces-pod")
		cfg, err := config.LoadPod()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPod(ctx, cfg)
	},
}

// createDockerClient waits for the Docker socket and connects to it.
func createDockerClient(ctx context.Context, cfg config.PodConfig) (*dockerclient.Client, error) {
	if err := utils.WaitForFileCreation(ctx, cfg.DockerSocket, cfg.DockerSocketWait); err != nil {
		return nil, utils.MakeError("docker socket %s never appeared: %s", cfg.DockerSocket, err)
	}
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithHost("unix://"+cfg.DockerSocket),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, utils.MakeError("error creating new Docker client: %s", err)
	}
	return client, nil
}

func runPod(ctx context.Context, cfg config.PodConfig) error {
	docker, err := createDockerClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer docker.Close()

	hw := localpod.ProbeCapabilities()
	m := localpod.New(cfg.Manager(len(hw.GPUs)), catalog.Default(), docker)
	logger.Infow("Starting local pod",
		zap.String("pod_id", cfg.PodID), zap.Int("max_workspaces", cfg.MaxWorkspaces),
		zap.Int("gpus", len(hw.GPUs)), zap.String("shutdown_policy", cfg.ShutdownPolicy))

	if localpod.ShutdownPolicy(cfg.ShutdownPolicy) == localpod.ShutdownLeave {
		adopted, err := m.Reattach(ctx)
		if err != nil {
			logger.Warningf("Couldn't reattach to workspaces left running: %s", err)
		} else if len(adopted) > 0 {
			logger.Infof("Reattached to workspaces %s", utils.PrintSlice(adopted, 20))
		}
	}
	sweepOrphans(ctx, m)

	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(cfg.SweepInterval).WaitForSchedule().SingletonMode().Do(sweepOrphans, ctx, m); err != nil {
		return utils.MakeError("error scheduling orphan sweeps: %s", err)
	}
	s.StartAsync()
	defer s.Stop()

	r := reaper.New(cfg.IdleTimeout, cfg.ReapInterval, reaper.Target{Name: "pod", Cleaner: m})
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	version := cfg.AgentVersion
	if version == "" {
		version = metadata.GetAgentVersion()
	}
	err = rpc.NewClient(cfg.ServerURL, cfg.Token, version, localpod.NewHandler(m, hw)).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), podShutdownTimeout)
	defer cancel()
	m.Shutdown(shutdownCtx)
	logger.Infof("Local pod stopped")
	return err
}

// sweepOrphans removes containers the pod no longer tracks.
func sweepOrphans(ctx context.Context, m *localpod.Manager) {
	results, err := m.SweepOrphans(ctx)
	if err != nil {
		logger.Warningf("Error sweeping orphaned containers: %s", err)
		return
	}
	for _, res := range results {
		if res.Err != nil {
			logger.Warnw("Failed to remove orphaned container",
				zap.String("container_id", res.ContainerID), zap.String("workspace_id", string(res.WorkspaceID)), zap.Error(res.Err))
		}
	}
	if len(results) > 0 {
		logger.Infof("Swept %d orphaned containers", len(results))
	}
}
