// Package pipeline wires ingest end to end: resolve identity, persist the
// event, recompute traits and segments, invalidate cached decisions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"minicdp/internal/decision"
	"minicdp/internal/identity"
	"minicdp/internal/segments"
	"minicdp/internal/store"
	"minicdp/internal/traits"
)

// ErrEventNameRequired is returned by Track when the event name is empty.
var ErrEventNameRequired = errors.New("event name is required")

// TrackInput is a validated-on-entry track request.
type TrackInput struct {
	Identity  identity.Input
	Event     string
	Timestamp *time.Time // nil means now
	Props     store.JSONBMap
}

// TrackResult reports the durable outcome of a track call.
type TrackResult struct {
	UserID  string
	EventID int64
}

// Orchestrator runs the ingest pipeline. Each call is synchronous: the
// response is not sent until recomputation and cache invalidation have
// been attempted. Recomputation failures after the event is durable are
// logged, not returned.
type Orchestrator struct {
	ds       store.DataStore
	resolver *identity.Resolver
	traits   *traits.Computer
	segments *segments.Computer
	cache    *decision.Cache
	log      *zap.Logger
	now      func() time.Time
}

// New creates an Orchestrator.
func New(ds store.DataStore, resolver *identity.Resolver, tc *traits.Computer, sc *segments.Computer, cache *decision.Cache, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ds:       ds,
		resolver: resolver,
		traits:   tc,
		segments: sc,
		cache:    cache,
		log:      log,
		now:      time.Now,
	}
}

// Identify resolves the supplied aliases to a canonical user, creating one
// if needed. Profile traits supplied with identify are accepted at the
// boundary but not persisted; the trait computer derives everything from
// events.
func (o *Orchestrator) Identify(ctx context.Context, in identity.Input) (*identity.Resolution, error) {
	return o.resolver.Resolve(ctx, in)
}

// Track validates the input, resolves the user, persists the event, then
// runs recomputation. Once the event insert commits the call succeeds:
// trait or segment failures leave stale derived state, repaired by the
// next event, and only produce log lines.
func (o *Orchestrator) Track(ctx context.Context, in TrackInput) (*TrackResult, error) {
	if in.Event == "" {
		return nil, ErrEventNameRequired
	}
	if in.Identity.Empty() {
		return nil, identity.ErrNoIdentifier
	}

	res, err := o.resolver.Resolve(ctx, in.Identity)
	if err != nil {
		return nil, err
	}

	ts := o.now()
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}

	eventID, err := o.ds.InsertEvent(ctx, res.UserID, in.Event, ts.UTC(), in.Props)
	if err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	o.Recompute(ctx, res.UserID)

	return &TrackResult{UserID: res.UserID, EventID: eventID}, nil
}

// Recompute runs traits then segments then cache invalidation for one
// user. Each later stage only runs if the one before it succeeded, so a
// stale cache is never invalidated on behalf of a failed write.
func (o *Orchestrator) Recompute(ctx context.Context, userID string) {
	if err := o.traits.Recompute(ctx, userID); err != nil {
		o.log.Error("trait recomputation failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := o.segments.Recompute(ctx, userID); err != nil {
		o.log.Error("segment recomputation failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	o.cache.InvalidateUser(userID)
}
