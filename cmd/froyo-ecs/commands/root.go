package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-ecs",
		Short: "Froyo ECS - parallel system scheduler",
		Long: `froyo-ecs runs entity-component-system schedules declared in manifests.

Systems declare the components and resources they read and write. Each stage
is rebuilt into a dependency graph and independent systems run in parallel.

Features:
  - Manifests in CUE, YAML, TOML, HCL or JSON
  - Native, Starlark, Lua and WASM systems
  - Rego policies over the built schedule
  - Hot reload between ticks
  - Tick journal in SQLite or Postgres`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
