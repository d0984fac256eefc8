package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InitDBCommand creates the init-db command.
func InitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.ds.InitDB(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
			fmt.Println("Schema initialized.")
			return nil
		},
	}
}
