package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackmemory/stackmemory/internal/engine"
	"github.com/stackmemory/stackmemory/internal/logging"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the project store",
	Long: `Create the .stackmemory store for a project. Other commands fail
until the project is initialized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		eng, err := engine.Open(context.Background(), engine.Options{
			ProjectRoot: root,
			InitStore:   true,
			Log:         logging.NewStderr(),
		})
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		if jsonOutput {
			fmt.Printf("{\"project_id\":%q,\"session_id\":%q}\n",
				eng.Project().ID, eng.Session().ID)
			return nil
		}
		fmt.Printf("initialized project %s (session %s)\n",
			eng.Project().ID, eng.Session().ID)
		return nil
	},
}
