package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"minicdp/internal/decision"
	"minicdp/internal/identity"
	"minicdp/internal/segments"
	"minicdp/internal/store"
	"minicdp/internal/traits"
)

type fixture struct {
	ds     *store.Memory
	orch   *Orchestrator
	engine *decision.Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ds:  store.NewMemory(),
		now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	log := zap.NewNop()
	clock := func() time.Time { return f.now }

	cache := decision.NewCache(time.Minute)
	t.Cleanup(cache.Close)

	f.orch = New(f.ds,
		identity.NewResolver(f.ds, log),
		traits.NewComputerAt(f.ds, log, clock),
		segments.NewComputerAt(f.ds, log, clock),
		cache, log)
	f.orch.now = clock
	f.engine = decision.NewEngine(f.ds, cache, log)
	return f
}

func (f *fixture) seedPowerUserRules(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ds.CreateTraitDefinition(ctx, "power_user", `events.app_open.unique_days_14d >= 5`)
	require.NoError(t, err)
	_, err = f.ds.CreateSegmentDefinition(ctx, "power_users", `power_user == true`)
	require.NoError(t, err)
	_, err = f.ds.CreateFlagDefinition(ctx, "premium_features", `segment("power_users")`)
	require.NoError(t, err)
}

func TestTrack_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Track(ctx, TrackInput{Identity: identity.Input{DeviceID: "D1"}})
	assert.ErrorIs(t, err, ErrEventNameRequired)

	_, err = f.orch.Track(ctx, TrackInput{Event: "app_open"})
	assert.ErrorIs(t, err, identity.ErrNoIdentifier)
}

func TestTrack_PowerUserEndToEnd(t *testing.T) {
	// Five app_open events on distinct days within 14 days make the user a
	// power user, put them in the segment, and allow the flag.
	f := newFixture(t)
	f.seedPowerUserRules(t)
	ctx := context.Background()

	var res *TrackResult
	for day := 1; day <= 5; day++ {
		ts := f.now.Add(-time.Duration(day) * 24 * time.Hour)
		var err error
		res, err = f.orch.Track(ctx, TrackInput{
			Identity:  identity.Input{DeviceID: "D1"},
			Event:     "app_open",
			Timestamp: &ts,
		})
		require.NoError(t, err)
		require.NotZero(t, res.EventID)
	}
	userID := res.UserID

	traitRows, err := f.ds.GetUserTraits(ctx, userID)
	require.NoError(t, err)
	require.Len(t, traitRows, 1)
	assert.Equal(t, "true", string(traitRows[0].Value))

	segRows, err := f.ds.GetUserSegments(ctx, userID)
	require.NoError(t, err)
	require.Len(t, segRows, 1)
	assert.True(t, segRows[0].InSegment)
	assert.NotNil(t, segRows[0].Since)

	d, err := f.engine.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reasons, `segment(power_users) = true`)
}

func TestTrack_TransitionAfterInactivity(t *testing.T) {
	// Continue the power-user scenario: 15 idle days later a recompute
	// drops the membership, clears since, and the stale cached allow only
	// survives until invalidation.
	f := newFixture(t)
	f.seedPowerUserRules(t)
	ctx := context.Background()

	var userID string
	for day := 1; day <= 5; day++ {
		ts := f.now.Add(-time.Duration(day) * 24 * time.Hour)
		res, err := f.orch.Track(ctx, TrackInput{
			Identity:  identity.Input{DeviceID: "D1"},
			Event:     "app_open",
			Timestamp: &ts,
		})
		require.NoError(t, err)
		userID = res.UserID
	}

	d, err := f.engine.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	require.True(t, d.Allow)

	f.now = f.now.Add(15 * 24 * time.Hour)
	f.orch.Recompute(ctx, userID)

	segRows, err := f.ds.GetUserSegments(ctx, userID)
	require.NoError(t, err)
	require.Len(t, segRows, 1)
	assert.False(t, segRows[0].InSegment)
	assert.Nil(t, segRows[0].Since)

	// Recompute invalidated the user's cache entries, so the next decide
	// sees the fresh state.
	d, err = f.engine.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestTrack_EvaluationErrorDoesNotFailTrack(t *testing.T) {
	// A broken trait definition stores null and never bubbles up.
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ds.CreateTraitDefinition(ctx, "bad", `1 in 2`)
	require.NoError(t, err)

	res, err := f.orch.Track(ctx, TrackInput{
		Identity: identity.Input{DeviceID: "D1"},
		Event:    "app_open",
	})
	require.NoError(t, err)

	traitRows, err := f.ds.GetUserTraits(ctx, res.UserID)
	require.NoError(t, err)
	require.Len(t, traitRows, 1)
	assert.Equal(t, "null", string(traitRows[0].Value))
}

func TestTrack_BackdatedEventCountsWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ds.CreateTraitDefinition(ctx, "opens_30d", `events.app_open.count_30d`)
	require.NoError(t, err)

	// 29 days ago is inside the window, 31 days ago is not.
	inWindow := f.now.Add(-29 * 24 * time.Hour)
	outOfWindow := f.now.Add(-31 * 24 * time.Hour)
	for _, ts := range []time.Time{inWindow, outOfWindow} {
		_, err := f.orch.Track(ctx, TrackInput{
			Identity:  identity.Input{DeviceID: "D1"},
			Event:     "app_open",
			Timestamp: &ts,
		})
		require.NoError(t, err)
	}

	res, err := f.orch.Identify(ctx, identity.Input{DeviceID: "D1"})
	require.NoError(t, err)
	traitRows, err := f.ds.GetUserTraits(ctx, res.UserID)
	require.NoError(t, err)
	require.Len(t, traitRows, 1)
	assert.Equal(t, "1", string(traitRows[0].Value))
}

func TestRecompute_IdempotentByteIdentical(t *testing.T) {
	f := newFixture(t)
	f.seedPowerUserRules(t)
	ctx := context.Background()

	ts := f.now.Add(-24 * time.Hour)
	res, err := f.orch.Track(ctx, TrackInput{
		Identity:  identity.Input{DeviceID: "D1"},
		Event:     "app_open",
		Timestamp: &ts,
	})
	require.NoError(t, err)

	first, err := f.ds.GetUserTraits(ctx, res.UserID)
	require.NoError(t, err)

	f.orch.Recompute(ctx, res.UserID)
	second, err := f.ds.GetUserTraits(ctx, res.UserID)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, string(first[i].Value), string(second[i].Value))
		assert.False(t, second[i].UpdatedAt.Before(first[i].UpdatedAt))
	}
}

func TestTrack_DefaultsTimestampToNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Track(ctx, TrackInput{
		Identity: identity.Input{DeviceID: "D1"},
		Event:    "signup",
	})
	require.NoError(t, err)

	events, err := f.ds.RecentEvents(ctx, res.UserID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, f.now, events[0].Timestamp.UTC())
}
