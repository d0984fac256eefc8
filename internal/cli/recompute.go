package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RecomputeCommand creates the recompute command, which re-runs the trait
// and segment pipeline outside the ingest path.
func RecomputeCommand() *cobra.Command {
	var (
		userID string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute traits and segments for one user or for everyone",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" && !all {
				return fmt.Errorf("one of --user or --all is required")
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			ctx := cmd.Context()

			if userID != "" {
				if _, err := rt.ds.GetUser(ctx, userID); err != nil {
					return fmt.Errorf("failed to load user %s: %w", userID, err)
				}
				rt.orch.Recompute(ctx, userID)
				fmt.Printf("Recomputed user %s\n", userID)
				return nil
			}

			const pageSize = 200
			done := 0
			for offset := 0; ; offset += pageSize {
				users, total, err := rt.ds.SearchUsers(ctx, "", pageSize, offset)
				if err != nil {
					return fmt.Errorf("failed to list users: %w", err)
				}
				for _, u := range users {
					rt.orch.Recompute(ctx, u.ID)
					done++
				}
				if offset+len(users) >= total || len(users) == 0 {
					break
				}
			}
			fmt.Printf("Recomputed %d users\n", done)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to recompute")
	cmd.Flags().BoolVar(&all, "all", false, "Recompute every user")
	cmd.MarkFlagsMutuallyExclusive("user", "all")
	return cmd
}
