// Package identity maps external identifiers to canonical users.
//
// Resolution is first-match: the supplied aliases are tried in the fixed
// order deviceId, externalId, emailHash, and the first one already linked
// wins. The resolver never merges two pre-existing users, even when one
// call supplies aliases of both; the losing alias is left where it is and
// the conflict is logged.
package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"minicdp/internal/store"
)

// Input carries the optional identifiers of an identify or track call.
type Input struct {
	DeviceID   string
	ExternalID string
	EmailHash  string
}

type aliasPair struct {
	kind  store.AliasKind
	value string
}

// pairs returns the supplied aliases in resolution order.
func (in Input) pairs() []aliasPair {
	var out []aliasPair
	for _, kind := range store.ResolutionOrder {
		var value string
		switch kind {
		case store.AliasDeviceID:
			value = in.DeviceID
		case store.AliasExternalID:
			value = in.ExternalID
		case store.AliasEmailHash:
			value = in.EmailHash
		}
		if value != "" {
			out = append(out, aliasPair{kind: kind, value: value})
		}
	}
	return out
}

// Empty reports whether no identifier was supplied.
func (in Input) Empty() bool {
	return in.DeviceID == "" && in.ExternalID == "" && in.EmailHash == ""
}

// ErrNoIdentifier is returned when Resolve is called without any alias.
var ErrNoIdentifier = errors.New("at least one of deviceId, externalId, emailHash is required")

// Resolution is the outcome of a resolve call.
type Resolution struct {
	UserID  string
	Created bool
}

// Resolver resolves alias inputs to canonical user ids.
type Resolver struct {
	ds  store.DataStore
	log *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(ds store.DataStore, log *zap.Logger) *Resolver {
	return &Resolver{ds: ds, log: log}
}

// Resolve finds or creates the canonical user for the supplied aliases and
// links any aliases not yet attached to it.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	pairs := in.pairs()
	if len(pairs) == 0 {
		return nil, ErrNoIdentifier
	}

	// First match wins.
	for _, pair := range pairs {
		alias, err := r.ds.FindAlias(ctx, pair.kind, pair.value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve alias: %w", err)
		}
		r.linkMissing(ctx, pairs, alias.UserID)
		return &Resolution{UserID: alias.UserID, Created: false}, nil
	}

	// No alias known: create a user and link everything to it.
	user, err := r.ds.CreateUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	for i, pair := range pairs {
		linked, err := r.ds.LinkAlias(ctx, pair.kind, pair.value, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to link alias: %w", err)
		}
		if linked {
			continue
		}

		owner, err := r.ds.FindAlias(ctx, pair.kind, pair.value)
		if err != nil || owner.UserID == user.ID {
			continue
		}

		if i == 0 {
			// Lost the creation race on our primary alias: another request
			// inserted it first. Reuse the winner's user and drop ours.
			if delErr := r.ds.DeleteUser(ctx, user.ID); delErr != nil {
				r.log.Warn("failed to delete orphaned user after lost creation race",
					zap.String("user_id", user.ID), zap.Error(delErr))
			}
			r.linkMissing(ctx, pairs[1:], owner.UserID)
			return &Resolution{UserID: owner.UserID, Created: false}, nil
		}

		r.log.Warn("alias already linked to another user, leaving it unlinked",
			zap.String("kind", string(pair.kind)),
			zap.String("value", pair.value),
			zap.String("owner_user_id", owner.UserID),
			zap.String("user_id", user.ID))
	}

	return &Resolution{UserID: user.ID, Created: true}, nil
}

// linkMissing links the supplied aliases to userID where absent. An alias
// owned by a different user is logged and skipped, never re-pointed.
func (r *Resolver) linkMissing(ctx context.Context, pairs []aliasPair, userID string) {
	for _, pair := range pairs {
		linked, err := r.ds.LinkAlias(ctx, pair.kind, pair.value, userID)
		if err != nil {
			r.log.Warn("failed to link alias",
				zap.String("kind", string(pair.kind)),
				zap.String("value", pair.value),
				zap.Error(err))
			continue
		}
		if linked {
			continue
		}
		owner, err := r.ds.FindAlias(ctx, pair.kind, pair.value)
		if err == nil && owner.UserID != userID {
			r.log.Warn("alias already linked to another user, leaving it unlinked",
				zap.String("kind", string(pair.kind)),
				zap.String("value", pair.value),
				zap.String("owner_user_id", owner.UserID),
				zap.String("user_id", userID))
		}
	}
}
