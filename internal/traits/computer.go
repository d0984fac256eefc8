// Package traits recomputes derived user attributes from event aggregates.
package traits

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"minicdp/internal/dsl"
	"minicdp/internal/store"
)

const (
	millisPerDay    = 24 * 60 * 60 * 1000
	millisPerMinute = 60 * 1000
)

// Computer evaluates every trait definition for a user and stores the
// snapshot.
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

// Recompute evaluates all trait definitions against the user's current
// event aggregates and upserts the results in one transaction. A
// definition whose expression fails to parse or evaluate stores null; the
// row is still written so segment rules referencing the key see it.
func (c *Computer) Recompute(ctx context.Context, userID string) error {
	defs, err := c.ds.ListTraitDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list trait definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil
	}

	now := c.now()
	env, err := c.BuildEnv(ctx, userID, now)
	if err != nil {
		return err
	}

	rows := make([]store.UserTrait, 0, len(defs))
	for _, def := range defs {
		value := dsl.Null()
		result, evalErr := dsl.Evaluate(def.Expression, env)
		if evalErr != nil {
			c.log.Debug("trait evaluation failed, storing null",
				zap.String("user_id", userID),
				zap.String("trait", def.Key),
				zap.Error(evalErr))
		} else {
			value = result
		}

		raw, marshalErr := json.Marshal(value.ToJSON())
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal trait %q: %w", def.Key, marshalErr)
		}
		rows = append(rows, store.UserTrait{
			UserID:    userID,
			Key:       def.Key,
			Value:     raw,
			UpdatedAt: now,
		})
	}

	if err := c.ds.UpsertUserTraits(ctx, userID, rows); err != nil {
		return fmt.Errorf("failed to store traits: %w", err)
	}
	return nil
}

// BuildEnv constructs the trait dialect environment: events.<name>.<metric>
// for every event name the user has sent, plus profile,
// first_seen_days_ago and last_seen_minutes_ago. The profile map is
// reserved and currently always empty; identify does not persist profile
// traits yet.
func (c *Computer) BuildEnv(ctx context.Context, userID string, now time.Time) (dsl.Env, error) {
	names, err := c.ds.EventNames(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list event names: %w", err)
	}

	events := make(map[string]dsl.Value, len(names))
	for _, name := range names {
		metrics, err := c.ds.EventMetrics(ctx, userID, name, now)
		if err != nil {
			return nil, fmt.Errorf("failed to load metrics for event %q: %w", name, err)
		}
		events[name] = metricsValue(metrics, now)
	}

	first, last, err := c.ds.UserEventBounds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event bounds: %w", err)
	}

	return dsl.MapEnv{
		"events":                dsl.Object(events),
		"profile":               dsl.Object(map[string]dsl.Value{}),
		"first_seen_days_ago":   dsl.Number(float64(floorUnits(now, first, millisPerDay))),
		"last_seen_minutes_ago": dsl.Number(float64(floorUnits(now, last, millisPerMinute))),
	}, nil
}

func metricsValue(m *store.EventMetrics, now time.Time) dsl.Value {
	return dsl.Object(map[string]dsl.Value{
		"count_7d":            dsl.Number(float64(m.Count7d)),
		"count_14d":           dsl.Number(float64(m.Count14d)),
		"count_30d":           dsl.Number(float64(m.Count30d)),
		"unique_days_7d":      dsl.Number(float64(m.UniqueDays7d)),
		"unique_days_14d":     dsl.Number(float64(m.UniqueDays14d)),
		"unique_days_30d":     dsl.Number(float64(m.UniqueDays30d)),
		"first_seen_days_ago": dsl.Number(float64(floorUnits(now, m.FirstSeen, millisPerDay))),
		"last_seen_days_ago":  dsl.Number(float64(floorUnits(now, m.LastSeen, millisPerDay))),
	})
}

// floorUnits is floor division of the elapsed milliseconds since ts by
// unitMillis. A nil ts (event never seen) yields -1.
func floorUnits(now time.Time, ts *time.Time, unitMillis int64) int64 {
	if ts == nil {
		return -1
	}
	elapsed := now.Sub(*ts).Milliseconds()
	return int64(math.Floor(float64(elapsed) / float64(unitMillis)))
}
