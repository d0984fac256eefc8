package decision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"minicdp/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory, string) {
	t.Helper()
	ds := store.NewMemory()
	user, err := ds.CreateUser(context.Background())
	require.NoError(t, err)
	cache := NewCache(time.Minute)
	t.Cleanup(cache.Close)
	return NewEngine(ds, cache, zap.NewNop()), ds, user.ID
}

func seedUser(t *testing.T, ds store.DataStore, userID string, traits map[string]string, segments map[string]bool) {
	t.Helper()
	ctx := context.Background()
	var rows []store.UserTrait
	for key, raw := range traits {
		rows = append(rows, store.UserTrait{
			UserID: userID, Key: key, Value: json.RawMessage(raw), UpdatedAt: time.Now(),
		})
	}
	if len(rows) > 0 {
		require.NoError(t, ds.UpsertUserTraits(ctx, userID, rows))
	}
	if len(segments) > 0 {
		require.NoError(t, ds.UpsertUserSegments(ctx, userID, segments, time.Now()))
	}
}

func TestDecide_FlagNotFound(t *testing.T) {
	e, _, userID := newTestEngine(t)
	_, err := e.Decide(context.Background(), userID, "nope")
	assert.ErrorIs(t, err, ErrFlagNotFound)
}

func TestDecide_AllowWithReasons(t *testing.T) {
	e, ds, userID := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, ds, userID, map[string]string{"plan": `"pro"`}, map[string]bool{"power_users": true})
	_, err := ds.CreateFlagDefinition(ctx, "beta", `segment("power_users") && trait("plan") == "pro"`)
	require.NoError(t, err)

	d, err := e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Nil(t, d.Variant)
	assert.Equal(t, []string{
		`segment(power_users) = true`,
		`trait(plan) = "pro"`,
	}, d.Reasons)
}

func TestDecide_UnknownUserDenies(t *testing.T) {
	e, ds, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := ds.CreateFlagDefinition(ctx, "beta", `segment("power_users")`)
	require.NoError(t, err)

	d, err := e.Decide(ctx, "no-such-user", "beta")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, []string{`segment(power_users) = false`}, d.Reasons)
}

func TestDecide_EvaluationErrorDenies(t *testing.T) {
	e, ds, userID := newTestEngine(t)
	ctx := context.Background()

	// trait("age") is null here, so the ordering comparison errors.
	_, err := ds.CreateFlagDefinition(ctx, "adult", `trait("age") >= 18`)
	require.NoError(t, err)

	d, err := e.Decide(ctx, userID, "adult")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.Len(t, d.Reasons, 2)
	assert.Equal(t, `trait(age) = null`, d.Reasons[0])
	assert.Contains(t, d.Reasons[1], "evaluation_error:")
}

func TestDecide_MalformedRuleDenies(t *testing.T) {
	e, ds, userID := newTestEngine(t)
	ctx := context.Background()

	_, err := ds.CreateFlagDefinition(ctx, "broken", `segment(`)
	require.NoError(t, err)

	d, err := e.Decide(ctx, userID, "broken")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "evaluation_error:")
}

func TestDecide_CachedWithinTTL(t *testing.T) {
	// A repeated decision with no intervening invalidation is identical,
	// even when the underlying data changed.
	e, ds, userID := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, ds, userID, nil, map[string]bool{"power_users": true})
	_, err := ds.CreateFlagDefinition(ctx, "beta", `segment("power_users")`)
	require.NoError(t, err)

	first, err := e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	require.True(t, first.Allow)

	// User drops out of the segment; the cached verdict still stands.
	require.NoError(t, ds.UpsertUserSegments(ctx, userID, map[string]bool{"power_users": false}, time.Now()))

	second, err := e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	assert.Equal(t, first.Allow, second.Allow)
	assert.Equal(t, first.Reasons, second.Reasons)

	// After invalidation the fresh state is visible.
	e.Cache().InvalidateUser(userID)
	third, err := e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	assert.False(t, third.Allow)
}

func TestDecide_RuleEditNotVisibleUntilInvalidated(t *testing.T) {
	e, ds, userID := newTestEngine(t)
	ctx := context.Background()

	_, err := ds.CreateFlagDefinition(ctx, "beta", `true`)
	require.NoError(t, err)

	d, err := e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	require.True(t, d.Allow)

	// Editing the definition does not purge the cache.
	_, err = ds.UpdateFlagDefinition(ctx, "beta", `false`)
	require.NoError(t, err)

	d, err = e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	assert.True(t, d.Allow, "stale verdict served until TTL or explicit invalidation")

	e.Cache().InvalidateFlag("beta")
	d, err = e.Decide(ctx, userID, "beta")
	require.NoError(t, err)
	assert.False(t, d.Allow)
}
