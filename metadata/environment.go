// Package metadata exposes information about the environment the workspace
// services are running in: the app environment, CI detection and build
// metadata stamped in at link time.
package metadata // import "github.com/whisthq/whist/backend/workspaces/metadata"

import (
	"os"
	"strings"
	"sync"
)

// An AppEnvironment represents either localdev (i.e. an engineer's
// development machine), dev, staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() are using them!
const (
	EnvLocalDev AppEnvironment = "localdev"
	EnvDev      AppEnvironment = "dev"
	EnvStaging  AppEnvironment = "staging"
	EnvProd     AppEnvironment = "prod"
)

// gitCommit and agentVersion are set with -ldflags at build time.
var (
	gitCommit    = "local_build"
	agentVersion = "0.0.0-dev"
)

var (
	appEnvOnce sync.Once
	appEnv     AppEnvironment
)

// GetAppEnvironment returns the AppEnvironment of the current process. The
// value of APP_ENV is read once and cached for all future calls.
func GetAppEnvironment() AppEnvironment {
	appEnvOnce.Do(func() {
		appEnv = parseAppEnvironment(os.Getenv("APP_ENV"))
	})
	return appEnv
}

func parseAppEnvironment(raw string) AppEnvironment {
	switch strings.ToLower(raw) {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	default:
		return EnvLocalDev
	}
}

// IsLocalEnv returns true if we are running locally for development.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsRunningInCI returns true if we are running in continuous integration
// (i.e. for tests), and false otherwise.
func IsRunningInCI() bool {
	switch strings.ToLower(os.Getenv("CI")) {
	case "1", "yes", "true", "on", "yep":
		return true
	default:
		return false
	}
}

// GetGitCommit returns the git commit hash this binary was built from.
func GetGitCommit() string {
	return gitCommit
}

// GetAgentVersion returns the semantic version of the pod agent, which the
// orchestration service checks against its minimum supported version.
func GetAgentVersion() string {
	return agentVersion
}
