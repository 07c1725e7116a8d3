// Command workspaces runs the workspace orchestration service, the local
// pod agent, or the exec agent of serverless workspaces.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/whisthq/whist/backend/workspaces/config"
	"github.com/whisthq/whist/backend/workspaces/metadata"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

var rootCmd = &cobra.Command{
	Use:           "workspaces",
	Short:         "Workspace compute orchestration",
	Long:          `workspaces creates and routes developer workspaces across serverless tasks, pooled instances and user-owned local pods.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       metadata.GetGitCommit(),
}

func init() {
	rootCmd.AddCommand(serveCmd, podCmd, agentCmd)
}

// initLogging adds the production logging cores for component. A bad
// logging configuration is reported and otherwise ignored.
func initLogging(component string) {
	cfg, err := config.LoadLogging()
	if err != nil {
		logger.Warning(err)
	}
	logger.Init(cfg.LoggerOptions(component), metadata.IsLocalEnv())
	logger.Infof("Running %s in environment %s, commit %s", component, metadata.GetAppEnvironment(), metadata.GetGitCommit())
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		logger.Errorf("%s", err)
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}
