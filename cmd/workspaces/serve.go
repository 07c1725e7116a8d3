package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/whisthq/whist/backend/workspaces/auth"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/compute/instancepool"
	"github.com/whisthq/whist/backend/workspaces/compute/serverless"
	"github.com/whisthq/whist/backend/workspaces/config"
	"github.com/whisthq/whist/backend/workspaces/metrics"
	"github.com/whisthq/whist/backend/workspaces/reaper"
	"github.com/whisthq/whist/backend/workspaces/router"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	"github.com/whisthq/whist/backend/workspaces/server"
	"github.com/whisthq/whist/backend/workspaces/store"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging("workspaces-serve")
		cfg, err := config.LoadService()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// openStore connects to Postgres, or falls back to process memory when no
// database is configured.
func openStore(ctx context.Context, url string) (store.Store, func(), error) {
	if url == "" {
		logger.Warningf("No database configured, workspace records will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// cloudBackends builds the configured cloud managers.
func cloudBackends(ctx context.Context, cfg config.ServiceConfig, cat *catalog.Catalog) (compute.Backends, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, utils.MakeError("error loading AWS config: %s", err)
	}

	var files compute.FileStore
	if cfg.FileBucket != "" {
		files = compute.NewS3FileStore(s3.NewFromConfig(awsCfg), cfg.FileBucket)
	}

	var serverlessBackend, poolBackend compute.Manager
	if cfg.ServerlessEnabled() {
		serverlessBackend = serverless.New(cfg.Serverless(), cat, ecs.NewFromConfig(awsCfg), files)
	} else {
		logger.Warningf("No ECS cluster configured, serverless tiers are unavailable")
	}
	if cfg.InstancePoolEnabled() {
		poolBackend = instancepool.New(cfg.InstancePool(), cat, ec2.NewFromConfig(awsCfg), ssm.NewFromConfig(awsCfg), files)
	} else {
		logger.Warningf("No instance pools configured, accelerated and arm64 tiers are unavailable")
	}
	return compute.NewBackends(serverlessBackend, poolBackend), nil
}

func serve(ctx context.Context, cfg config.ServiceConfig) error {
	st, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	cat := catalog.Default()
	backends, err := cloudBackends(ctx, cfg, cat)
	if err != nil {
		return err
	}

	verifier, err := auth.New(cfg.Auth())
	if err != nil {
		return err
	}
	defer verifier.Close()

	hub, err := rpc.NewHub(verifier, cfg.MinPodAgentVersion)
	if err != nil {
		return err
	}
	defer hub.Close()

	workspaces, err := router.New(router.Config{
		Store:           st,
		Caller:          hub,
		Backends:        backends,
		DefaultEndpoint: types.EndpointServerless,
		Catalog:         cat,
		RPCTimeout:      cfg.RPCTimeout,
	})
	if err != nil {
		return err
	}

	r := reaper.New(cfg.IdleTimeout, cfg.ReapInterval, reaper.Target{Name: "cloud", Cleaner: workspaces})
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterAll(reg)

	srv := server.New(server.Config{
		ListenAddr:      cfg.ListenAddr,
		MetricsAddr:     cfg.MetricsAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, hub, workspaces, reg)
	err = srv.Run(ctx)
	logger.Infof("Orchestration service stopped")
	return err
}
