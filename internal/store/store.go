// Package store defines the persistence surface of the platform and its
// two implementations: PostgreSQL for deployments and an in-process memory
// store for tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert would violate a uniqueness
// constraint, such as a duplicate definition key.
var ErrConflict = errors.New("conflict")

// DataStore is the interface for all data access operations. It is
// implemented by both the PostgreSQL store and the memory store.
type DataStore interface {
	// Lifecycle
	Close() error
	InitDB(ctx context.Context) error

	// User and alias operations
	CreateUser(ctx context.Context) (*User, error)
	DeleteUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*User, error)
	FindAlias(ctx context.Context, kind AliasKind, value string) (*Alias, error)
	// LinkAlias inserts (kind, value) -> userID if absent. It returns false
	// when the pair already exists, regardless of owner.
	LinkAlias(ctx context.Context, kind AliasKind, value, userID string) (bool, error)
	AliasesForUser(ctx context.Context, userID string) ([]Alias, error)
	SearchUsers(ctx context.Context, query string, limit, offset int) ([]User, int, error)

	// Event operations (append-only)
	InsertEvent(ctx context.Context, userID, name string, ts time.Time, props JSONBMap) (int64, error)
	EventNames(ctx context.Context, userID string) ([]string, error)
	EventMetrics(ctx context.Context, userID, name string, now time.Time) (*EventMetrics, error)
	UserEventBounds(ctx context.Context, userID string) (first, last *time.Time, err error)
	RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error)

	// Trait definitions
	CreateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error)
	GetTraitDefinition(ctx context.Context, key string) (*TraitDefinition, error)
	ListTraitDefinitions(ctx context.Context) ([]TraitDefinition, error)
	UpdateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error)
	// DeleteTraitDefinition cascades to the user_traits rows for the key.
	DeleteTraitDefinition(ctx context.Context, key string) error

	// Segment definitions
	CreateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error)
	GetSegmentDefinition(ctx context.Context, key string) (*SegmentDefinition, error)
	ListSegmentDefinitions(ctx context.Context) ([]SegmentDefinition, error)
	UpdateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error)
	// DeleteSegmentDefinition cascades to the user_segments rows for the key.
	DeleteSegmentDefinition(ctx context.Context, key string) error

	// Flag definitions
	CreateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error)
	GetFlagDefinition(ctx context.Context, key string) (*FlagDefinition, error)
	ListFlagDefinitions(ctx context.Context) ([]FlagDefinition, error)
	UpdateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error)
	DeleteFlagDefinition(ctx context.Context, key string) error

	// Computed state. Both upserts run in a single transaction so a
	// cancelled request can never leave a half-written snapshot.
	UpsertUserTraits(ctx context.Context, userID string, traits []UserTrait) error
	GetUserTraits(ctx context.Context, userID string) ([]UserTrait, error)
	// UpsertUserSegments applies membership snapshots with transition
	// semantics: since is set on false-to-true, cleared on true-to-false,
	// and preserved while membership is unchanged.
	UpsertUserSegments(ctx context.Context, userID string, memberships map[string]bool, now time.Time) error
	GetUserSegments(ctx context.Context, userID string) ([]UserSegment, error)
	SegmentMembers(ctx context.Context, segmentKey string) ([]SegmentMemberRow, error)

	// API keys
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, kind KeyKind, keyHash string) (*APIKey, error)

	// Admin metrics
	Metrics(ctx context.Context) (*AggregateMetrics, error)
}

// StoreType selects a DataStore implementation.
type StoreType string

const (
	// PostgresStore is the transactional SQL implementation.
	PostgresStore StoreType = "postgres"
	// MemoryStore is the in-process implementation used by tests and
	// local development.
	MemoryStore StoreType = "memory"
)

// Config selects and configures a DataStore.
type Config struct {
	Type             StoreType
	ConnectionString string
}

var (
	_ DataStore = (*Postgres)(nil)
	_ DataStore = (*Memory)(nil)
)

// NewDataStore creates a DataStore from config.
func NewDataStore(cfg Config) (DataStore, error) {
	switch cfg.Type {
	case MemoryStore:
		return NewMemory(), nil
	case PostgresStore, "":
		return NewPostgres(cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// ValidKey reports whether a definition key matches
// [A-Za-z_][A-Za-z0-9_]*.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// utcDay truncates a timestamp to its UTC calendar day. The memory store
// uses it to count distinct active days the same way the SQL aggregates do.
func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// normalizeQuery lowercases and trims a user search query.
func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
