// stackmemoryd is the working-memory daemon: it serves the tool surface
// over a unix socket and runs the background loops (file watcher, tier
// migrations, session sweeper, lifecycle hooks).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackmemory/stackmemory/internal/config"
)

var (
	projectFlag string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "stackmemoryd",
	Short:         "StackMemory working-memory daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project root (defaults to the working directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectRoot resolves the project root from the flag or environment
func projectRoot() (string, error) {
	if projectFlag != "" {
		return projectFlag, nil
	}
	return config.ProjectRoot()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
