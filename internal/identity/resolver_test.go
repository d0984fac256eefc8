package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"minicdp/internal/store"
)

func newResolver() (*Resolver, *store.Memory) {
	ds := store.NewMemory()
	return NewResolver(ds, zap.NewNop()), ds
}

func TestResolve_RequiresAnIdentifier(t *testing.T) {
	r, _ := newResolver()
	_, err := r.Resolve(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrNoIdentifier)
}

func TestResolve_CreatesUserOnFirstSight(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()

	res, err := r.Resolve(ctx, Input{DeviceID: "D1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.UserID)

	// Same alias again: same user, not created.
	res2, err := r.Resolve(ctx, Input{DeviceID: "D1"})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.UserID, res2.UserID)
}

func TestResolve_FirstMatchLinksNewAliases(t *testing.T) {
	// Scenario: identify {deviceId: D1} -> U1; identify {deviceId: D1,
	// externalId: E1} -> U1 and E1 is linked; identify {externalId: E1,
	// emailHash: H1} -> U1 via E1, H1 linked.
	r, ds := newResolver()
	ctx := context.Background()

	res1, err := r.Resolve(ctx, Input{DeviceID: "D1"})
	require.NoError(t, err)
	require.True(t, res1.Created)
	u1 := res1.UserID

	res2, err := r.Resolve(ctx, Input{DeviceID: "D1", ExternalID: "E1"})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, u1, res2.UserID)

	alias, err := ds.FindAlias(ctx, store.AliasExternalID, "E1")
	require.NoError(t, err)
	assert.Equal(t, u1, alias.UserID)

	res3, err := r.Resolve(ctx, Input{ExternalID: "E1", EmailHash: "H1"})
	require.NoError(t, err)
	assert.False(t, res3.Created)
	assert.Equal(t, u1, res3.UserID)

	alias, err = ds.FindAlias(ctx, store.AliasEmailHash, "H1")
	require.NoError(t, err)
	assert.Equal(t, u1, alias.UserID)
}

func TestResolve_UnknownDeviceFallsThroughToExternal(t *testing.T) {
	// Scenario: E1 belongs to U1; identify {deviceId: D2, externalId: E1}
	// tries D2 first (unknown), matches on E1, then links D2 to U1. No new
	// user is created.
	r, ds := newResolver()
	ctx := context.Background()

	res1, err := r.Resolve(ctx, Input{ExternalID: "E1"})
	require.NoError(t, err)
	u1 := res1.UserID

	res2, err := r.Resolve(ctx, Input{DeviceID: "D2", ExternalID: "E1"})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, u1, res2.UserID)

	alias, err := ds.FindAlias(ctx, store.AliasDeviceID, "D2")
	require.NoError(t, err)
	assert.Equal(t, u1, alias.UserID)
}

func TestResolve_NeverMergesExistingUsers(t *testing.T) {
	// D1 belongs to U1, E2 belongs to U2. A call with both resolves to U1
	// (device first) and leaves E2 pointing at U2.
	r, ds := newResolver()
	ctx := context.Background()

	res1, err := r.Resolve(ctx, Input{DeviceID: "D1"})
	require.NoError(t, err)
	res2, err := r.Resolve(ctx, Input{ExternalID: "E2"})
	require.NoError(t, err)
	require.NotEqual(t, res1.UserID, res2.UserID)

	res3, err := r.Resolve(ctx, Input{DeviceID: "D1", ExternalID: "E2"})
	require.NoError(t, err)
	assert.Equal(t, res1.UserID, res3.UserID)

	alias, err := ds.FindAlias(ctx, store.AliasExternalID, "E2")
	require.NoError(t, err)
	assert.Equal(t, res2.UserID, alias.UserID, "conflicting alias must keep its original owner")
}

func TestResolve_MultipleAliasesOnCreate(t *testing.T) {
	r, ds := newResolver()
	ctx := context.Background()

	res, err := r.Resolve(ctx, Input{DeviceID: "D9", ExternalID: "E9", EmailHash: "H9"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	aliases, err := ds.AliasesForUser(ctx, res.UserID)
	require.NoError(t, err)
	assert.Len(t, aliases, 3)
}
