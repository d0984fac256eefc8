package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"minicdp/internal/dsl"
	"minicdp/internal/store"
)

// ErrFlagNotFound is returned by Decide when the flag key has no
// definition.
var ErrFlagNotFound = errors.New("flag not found")

// Engine answers flag decisions. Cache misses for the same (user, flag)
// pair are coalesced so concurrent callers share one evaluation.
type Engine struct {
	ds    store.DataStore
	cache *Cache
	log   *zap.Logger
	group singleflight.Group
}

// NewEngine creates an Engine around the given cache.
func NewEngine(ds store.DataStore, cache *Cache, log *zap.Logger) *Engine {
	return &Engine{ds: ds, cache: cache, log: log}
}

// Cache exposes the underlying cache for invalidation by writers.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Decide evaluates the flag for the user, serving from cache when a live
// entry exists. Rule failures do not error; they yield allow=false with an
// explanatory reason. Only an unknown flag or a storage failure errors.
func (e *Engine) Decide(ctx context.Context, userID, flagKey string) (*Decision, error) {
	if d, ok := e.cache.Get(userID, flagKey); ok {
		return &d, nil
	}

	v, err, _ := e.group.Do(userID+"\x00"+flagKey, func() (interface{}, error) {
		if d, ok := e.cache.Get(userID, flagKey); ok {
			return d, nil
		}
		d, err := e.evaluate(ctx, userID, flagKey)
		if err != nil {
			return Decision{}, err
		}
		e.cache.Put(d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	d := v.(Decision)
	return &d, nil
}

func (e *Engine) evaluate(ctx context.Context, userID, flagKey string) (Decision, error) {
	flag, err := e.ds.GetFlagDefinition(ctx, flagKey)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("flag %q: %w", flagKey, ErrFlagNotFound)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load flag %q: %w", flagKey, err)
	}

	traits, segments, err := e.loadContext(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{UserID: userID, FlagKey: flagKey, Reasons: []string{}}

	rewritten, reasons, err := rewriteRule(flag.Rule, traits, segments)
	if err != nil {
		d.Reasons = append(d.Reasons, fmt.Sprintf("evaluation_error: %v", err))
		return d, nil
	}
	d.Reasons = append(d.Reasons, reasons...)

	result, err := dsl.Evaluate(rewritten, dsl.EmptyEnv)
	if err != nil {
		e.log.Debug("flag rule evaluation failed",
			zap.String("user_id", userID),
			zap.String("flag", flagKey),
			zap.Error(err))
		d.Allow = false
		d.Reasons = append(d.Reasons, fmt.Sprintf("evaluation_error: %v", err))
		return d, nil
	}

	d.Allow = result.Truthy()
	return d, nil
}

func (e *Engine) loadContext(ctx context.Context, userID string) (map[string]json.RawMessage, map[string]bool, error) {
	traitRows, err := e.ds.GetUserTraits(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load traits: %w", err)
	}
	traits := make(map[string]json.RawMessage, len(traitRows))
	for _, row := range traitRows {
		traits[row.Key] = row.Value
	}

	segmentRows, err := e.ds.GetUserSegments(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load segments: %w", err)
	}
	segments := make(map[string]bool, len(segmentRows))
	for _, row := range segmentRows {
		segments[row.Key] = row.InSegment
	}
	return traits, segments, nil
}
