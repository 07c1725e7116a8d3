// Package config loads the configuration of each workspaces subcommand from
// the environment. Every variable is prefixed with WORKSPACES_, for example
// WORKSPACES_LISTEN_ADDR.
package config // import "github.com/whisthq/whist/backend/workspaces/config"

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/whisthq/whist/backend/workspaces/auth"
	"github.com/whisthq/whist/backend/workspaces/compute/instancepool"
	"github.com/whisthq/whist/backend/workspaces/compute/serverless"
	"github.com/whisthq/whist/backend/workspaces/localpod"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// Prefix is the prefix of every environment variable read here.
const Prefix = "WORKSPACES"

// LoggingConfig enables the production logging cores. The variables are
// the conventional unprefixed ones.
type LoggingConfig struct {
	SentryDSN           string `envconfig:"SENTRY_DSN"`
	LogzioShippingToken string `envconfig:"LOGZIO_SHIPPING_TOKEN"`
}

// LoggerOptions returns the whistlogger options for component.
func (c LoggingConfig) LoggerOptions(component string) logger.Options {
	return logger.Options{
		SentryDSN:           c.SentryDSN,
		LogzioShippingToken: c.LogzioShippingToken,
		Component:           component,
	}
}

// LoadLogging reads the logging variables.
func LoadLogging() (LoggingConfig, error) {
	var cfg LoggingConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, utils.MakeError("error loading logging config: %s", err)
	}
	return cfg, nil
}

// ServiceConfig is the configuration of `workspaces serve`.
type ServiceConfig struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	// DatabaseURL selects the Postgres store. The in-memory store is used
	// when it is empty.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AWSRegion   string `envconfig:"AWS_REGION" default:"us-east-1"`

	ECSCluster          string   `envconfig:"ECS_CLUSTER"`
	ECSSubnets          []string `envconfig:"ECS_SUBNETS"`
	ECSSecurityGroups   []string `envconfig:"ECS_SECURITY_GROUPS"`
	ECSExecutionRoleARN string   `envconfig:"ECS_EXECUTION_ROLE_ARN"`
	ECSAssignPublicIP   bool     `envconfig:"ECS_ASSIGN_PUBLIC_IP" default:"false"`
	AgentPort           int      `envconfig:"AGENT_PORT" default:"7681"`

	// InstancePools maps pool names to AMIs, e.g. "gpu:ami-123,arm64:ami-456".
	InstancePools         map[string]string `envconfig:"INSTANCE_POOLS"`
	InstanceProfile       string            `envconfig:"INSTANCE_PROFILE"`
	InstanceSubnet        string            `envconfig:"INSTANCE_SUBNET"`
	InstanceSecurityGroup []string          `envconfig:"INSTANCE_SECURITY_GROUPS"`

	FileBucket    string `envconfig:"FILE_BUCKET"`
	PreviewDomain string `envconfig:"PREVIEW_DOMAIN"`

	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" default:"5m"`

	JWKSURL            string        `envconfig:"JWKS_URL"`
	JWTAudience        string        `envconfig:"JWT_AUDIENCE"`
	JWTIssuer          string        `envconfig:"JWT_ISSUER"`
	MinPodAgentVersion string        `envconfig:"MIN_POD_AGENT_VERSION"`
	RPCTimeout         time.Duration `envconfig:"RPC_TIMEOUT" default:"30s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// LoadService reads ServiceConfig from the environment.
func LoadService() (ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, utils.MakeError("error loading service config: %s", err)
	}
	return cfg, cfg.validate()
}

func (c ServiceConfig) validate() error {
	if c.JWKSURL == "" {
		return utils.MakeError("%s_JWKS_URL is required to authenticate pods", Prefix)
	}
	if c.IdleTimeout <= 0 || c.ReapInterval <= 0 {
		return utils.MakeError("idle timeout and reap interval must be positive, got %s and %s", c.IdleTimeout, c.ReapInterval)
	}
	return nil
}

// ServerlessEnabled reports whether an ECS cluster is configured.
func (c ServiceConfig) ServerlessEnabled() bool {
	return c.ECSCluster != ""
}

// InstancePoolEnabled reports whether any instance pool is configured.
func (c ServiceConfig) InstancePoolEnabled() bool {
	return len(c.InstancePools) > 0
}

// Serverless returns the configuration of the serverless backend.
func (c ServiceConfig) Serverless() serverless.Config {
	return serverless.Config{
		Cluster:          c.ECSCluster,
		Subnets:          c.ECSSubnets,
		SecurityGroups:   c.ECSSecurityGroups,
		ExecutionRoleARN: c.ECSExecutionRoleARN,
		AssignPublicIP:   c.ECSAssignPublicIP,
		AgentPort:        c.AgentPort,
		PreviewDomain:    c.PreviewDomain,
	}
}

// InstancePool returns the configuration of the instance-pool backend.
func (c ServiceConfig) InstancePool() instancepool.Config {
	return instancepool.Config{
		Pools:            c.InstancePools,
		SubnetID:         c.InstanceSubnet,
		SecurityGroupIDs: c.InstanceSecurityGroup,
		InstanceProfile:  c.InstanceProfile,
	}
}

// Auth returns the configuration of the pod token verifier.
func (c ServiceConfig) Auth() auth.Config {
	return auth.Config{JWKSURL: c.JWKSURL, Audience: c.JWTAudience, Issuer: c.JWTIssuer}
}

// PodConfig is the configuration of `workspaces pod`.
type PodConfig struct {
	ServerURL    string `envconfig:"SERVER_URL" required:"true"`
	PodID        string `envconfig:"POD_ID"`
	Token        string `envconfig:"POD_TOKEN" required:"true"`
	AgentVersion string `envconfig:"AGENT_VERSION"`

	MaxWorkspaces  int           `envconfig:"MAX_WORKSPACES" default:"4"`
	ShutdownPolicy string        `envconfig:"SHUTDOWN_POLICY" default:"stop"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	DockerNetwork  string        `envconfig:"DOCKER_NETWORK"`
	MountRoot      string        `envconfig:"MOUNT_ROOT" default:"/var/lib/whist/workspaces"`
	DockerSocket   string        `envconfig:"DOCKER_SOCKET" default:"/var/run/docker.sock"`
	// DockerSocketWait bounds how long the pod waits for DockerSocket to
	// appear at startup.
	DockerSocketWait time.Duration `envconfig:"DOCKER_SOCKET_WAIT" default:"1m"`

	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"2h"`
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" default:"10m"`
}

// LoadPod reads PodConfig from the environment.
func LoadPod() (PodConfig, error) {
	var cfg PodConfig
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, utils.MakeError("error loading pod config: %s", err)
	}
	return cfg, cfg.validate()
}

func (c PodConfig) validate() error {
	switch localpod.ShutdownPolicy(c.ShutdownPolicy) {
	case localpod.ShutdownStop, localpod.ShutdownLeave:
	default:
		return utils.MakeError("invalid shutdown policy %q, want %q or %q", c.ShutdownPolicy, localpod.ShutdownStop, localpod.ShutdownLeave)
	}
	if c.MaxWorkspaces <= 0 {
		return utils.MakeError("max workspaces must be positive, got %d", c.MaxWorkspaces)
	}
	if c.SweepInterval <= 0 || c.ReapInterval <= 0 {
		return utils.MakeError("sweep and reap intervals must be positive, got %s and %s", c.SweepInterval, c.ReapInterval)
	}
	return nil
}

// Manager returns the configuration of the pod's manager. gpus is the
// number of GPUs the capability probe found.
func (c PodConfig) Manager(gpus int) localpod.Config {
	return localpod.Config{
		MaxWorkspaces:  c.MaxWorkspaces,
		MountRoot:      c.MountRoot,
		Network:        c.DockerNetwork,
		ShutdownPolicy: localpod.ShutdownPolicy(c.ShutdownPolicy),
		GPUs:           gpus,
	}
}

// AgentConfig is the configuration of `workspaces agent`.
type AgentConfig struct {
	ListenAddr string `envconfig:"AGENT_ADDR" default:":7681"`
	Shell      string `envconfig:"AGENT_SHELL" default:"/bin/sh"`
}

// LoadAgent reads AgentConfig from the environment.
func LoadAgent() (AgentConfig, error) {
	var cfg AgentConfig
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, utils.MakeError("error loading agent config: %s", err)
	}
	return cfg, nil
}
