package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"minicdp/internal/api"
	"minicdp/internal/identity"
	"minicdp/internal/pipeline"
	"minicdp/internal/store"
)

// SeedDemoCommand creates the seed-demo command: example definitions, a
// handful of users with event history, and an optional admin API key.
func SeedDemoCommand() *cobra.Command {
	var adminKey string

	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "Load demo definitions, users and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			ctx := cmd.Context()

			if err := seedDefinitions(ctx, rt.ds); err != nil {
				return err
			}
			if err := seedUsers(ctx, rt.orch); err != nil {
				return err
			}

			if adminKey != "" {
				if len(adminKey) < 16 {
					return fmt.Errorf("--admin-key must be at least 16 characters")
				}
				_, err := rt.ds.CreateAPIKey(ctx, store.KeyAdmin, api.HashKey(adminKey))
				if err != nil && !errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("failed to create admin key: %w", err)
				}
				fmt.Println("Admin API key registered.")
			}

			fmt.Println("Demo data seeded.")
			return nil
		},
	}

	cmd.Flags().StringVar(&adminKey, "admin-key", "", "Register this raw key with admin permission")
	return cmd
}

func seedDefinitions(ctx context.Context, ds store.DataStore) error {
	type def struct {
		kind, key, expr string
	}
	defs := []def{
		{"trait", "power_user", `events.app_open.unique_days_14d >= 5`},
		{"trait", "recent_buyer", `events.purchase.count_30d >= 1`},
		{"trait", "opens_7d", `events.app_open.count_7d`},
		{"trait", "dormant", `last_seen_minutes_ago > 20160`},
		{"segment", "power_users", `power_user == true`},
		{"segment", "buyers", `recent_buyer == true`},
		{"segment", "at_risk", `dormant == true`},
		{"flag", "premium_features", `segment("power_users")`},
		{"flag", "win_back_banner", `segment("at_risk") || segment("buyers")`},
		{"flag", "checkout_v2", `segment("buyers") || trait("opens_7d") >= 10`},
	}

	for _, d := range defs {
		var err error
		switch d.kind {
		case "trait":
			_, err = ds.CreateTraitDefinition(ctx, d.key, d.expr)
		case "segment":
			_, err = ds.CreateSegmentDefinition(ctx, d.key, d.expr)
		case "flag":
			_, err = ds.CreateFlagDefinition(ctx, d.key, d.expr)
		}
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to seed %s %s: %w", d.kind, d.key, err)
		}
	}
	return nil
}

func seedUsers(ctx context.Context, orch *pipeline.Orchestrator) error {
	now := time.Now().UTC()

	// One power user with a week of daily opens, one buyer, one dormant
	// device that only ever opened once.
	type seedEvent struct {
		device  string
		event   string
		daysAgo int
	}
	var events []seedEvent
	for day := 1; day <= 7; day++ {
		events = append(events, seedEvent{"demo-device-1", "app_open", day})
	}
	events = append(events,
		seedEvent{"demo-device-2", "app_open", 2},
		seedEvent{"demo-device-2", "purchase", 1},
		seedEvent{"demo-device-3", "app_open", 45},
	)

	for _, e := range events {
		ts := now.Add(-time.Duration(e.daysAgo) * 24 * time.Hour)
		_, err := orch.Track(ctx, pipeline.TrackInput{
			Identity:  identity.Input{DeviceID: e.device},
			Event:     e.event,
			Timestamp: &ts,
		})
		if err != nil {
			return fmt.Errorf("failed to seed event for %s: %w", e.device, err)
		}
	}
	return nil
}
