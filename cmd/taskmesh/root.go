package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/config"
)

type rootOptions struct {
	configPath string // Project config override
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "taskmesh",
		Short: "Task dependency and coordination engine",
		Long: `taskmesh schedules a dependency graph of tasks onto agents with
capacity and capability limits, retries failed attempts and blocks the
dependents of tasks that fail for good.

Configuration is read from ~/.taskmesh/config.yaml, then .taskmesh/config.yaml,
then TASKMESH_* environment variables (TASKMESH_BUS_WORKERS sets bus.workers).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "project config file (default .taskmesh/config.yaml)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newTasksCmd(opts))
	return cmd
}

// paths returns the global and project config paths in effect.
func (o *rootOptions) paths() (string, string, error) {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if o.configPath != "" {
		project = o.configPath
	}
	return global, project, nil
}

func (o *rootOptions) load() (*config.Config, error) {
	global, project, err := o.paths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, project)
}
