// Package segments recomputes segment memberships from stored traits.
package segments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"minicdp/internal/dsl"
	"minicdp/internal/store"
)

// Computer evaluates every segment rule for a user against the user's
// stored traits and records the resulting memberships.
type Computer struct {
	ds  store.DataStore
	log *zap.Logger
	now func() time.Time
}

// NewComputer creates a Computer using wall-clock time.
func NewComputer(ds store.DataStore, log *zap.Logger) *Computer {
	return &Computer{ds: ds, log: log, now: time.Now}
}

// NewComputerAt creates a Computer with an injected clock, for tests.
func NewComputerAt(ds store.DataStore, log *zap.Logger, now func() time.Time) *Computer {
	return &Computer{ds: ds, log: log, now: now}
}

// Recompute evaluates all segment rules against the user's current trait
// snapshot. The rule result is coerced to membership by truthiness; a rule
// that fails to parse or evaluate counts as not-in-segment. Since
// timestamps are stamped on entry, preserved while membership holds, and
// cleared on exit.
func (c *Computer) Recompute(ctx context.Context, userID string) error {
	defs, err := c.ds.ListSegmentDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list segment definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil
	}

	env, err := TraitEnv(ctx, c.ds, userID)
	if err != nil {
		return err
	}

	memberships := make(map[string]bool, len(defs))
	for _, def := range defs {
		result, evalErr := dsl.Evaluate(def.Rule, env)
		if evalErr != nil {
			c.log.Debug("segment rule failed, treating as not a member",
				zap.String("user_id", userID),
				zap.String("segment", def.Key),
				zap.Error(evalErr))
			memberships[def.Key] = false
			continue
		}
		memberships[def.Key] = result.Truthy()
	}

	if err := c.ds.UpsertUserSegments(ctx, userID, memberships, c.now()); err != nil {
		return fmt.Errorf("failed to store segments: %w", err)
	}
	return nil
}

// TraitEnv builds the segment dialect environment: each stored trait key
// resolves to its value, anything else to null.
func TraitEnv(ctx context.Context, ds store.DataStore, userID string) (dsl.Env, error) {
	rows, err := ds.GetUserTraits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load traits: %w", err)
	}
	env := make(dsl.MapEnv, len(rows))
	for _, row := range rows {
		var raw interface{}
		if err := json.Unmarshal(row.Value, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode trait %q: %w", row.Key, err)
		}
		env[row.Key] = dsl.FromJSON(raw)
	}
	return env, nil
}
