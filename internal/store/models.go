package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// User is a canonical person. Users are created exactly once per distinct
// person and never merged afterwards.
type User struct {
	ID        string    `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// AliasKind is the namespace of an external identifier.
type AliasKind string

const (
	// AliasDeviceID is an anonymous device identifier.
	AliasDeviceID AliasKind = "deviceId"
	// AliasExternalID is the caller's own user id.
	AliasExternalID AliasKind = "externalId"
	// AliasEmailHash is a hashed email address.
	AliasEmailHash AliasKind = "emailHash"
)

// ResolutionOrder is the order alias kinds are tried during identity
// resolution. The first hit wins.
var ResolutionOrder = []AliasKind{AliasDeviceID, AliasExternalID, AliasEmailHash}

// Alias maps an external (kind, value) pair to a user. (kind, value) is
// globally unique.
type Alias struct {
	Kind      AliasKind `db:"kind" json:"kind"`
	Value     string    `db:"value" json:"value"`
	UserID    string    `db:"user_id" json:"userId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Event is one row of the append-only event log.
type Event struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Timestamp time.Time `db:"ts" json:"ts"`
	Name      string    `db:"name" json:"name"`
	Props     JSONBMap  `db:"props" json:"props,omitempty"`
}

// TraitDefinition is an operator-defined derived attribute.
type TraitDefinition struct {
	Key        string    `db:"key" json:"key"`
	Expression string    `db:"expression" json:"expression"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// SegmentDefinition is an operator-defined boolean membership rule over
// trait keys.
type SegmentDefinition struct {
	Key       string    `db:"key" json:"key"`
	Rule      string    `db:"rule" json:"rule"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// FlagDefinition is a feature-flag rule over traits and segments.
type FlagDefinition struct {
	Key       string    `db:"key" json:"key"`
	Rule      string    `db:"rule" json:"rule"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// UserTrait is the most recent evaluation result of a trait for a user.
// Prior values are not retained.
type UserTrait struct {
	UserID    string          `db:"user_id" json:"userId"`
	Key       string          `db:"key" json:"key"`
	Value     json.RawMessage `db:"value" json:"value"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// UserSegment is a user's membership in a segment. Since is non-null iff
// InSegment is true, and marks the most recent false-to-true transition.
type UserSegment struct {
	UserID    string     `db:"user_id" json:"userId"`
	Key       string     `db:"key" json:"key"`
	InSegment bool       `db:"in_segment" json:"inSegment"`
	Since     *time.Time `db:"since" json:"since"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
}

// KeyKind is the permission level of an API key. The hierarchy is
// read < write < admin.
type KeyKind string

const (
	// KeyRead may call decide and all read endpoints.
	KeyRead KeyKind = "read"
	// KeyWrite may additionally call identify and track.
	KeyWrite KeyKind = "write"
	// KeyAdmin may additionally edit definitions.
	KeyAdmin KeyKind = "admin"
)

// Allows reports whether a key of this kind satisfies the required level.
func (k KeyKind) Allows(required KeyKind) bool {
	rank := func(kind KeyKind) int {
		switch kind {
		case KeyRead:
			return 1
		case KeyWrite:
			return 2
		case KeyAdmin:
			return 3
		default:
			return 0
		}
	}
	return rank(k) >= rank(required)
}

// APIKey is a stored credential. Only the SHA-256 hash of the key material
// is persisted.
type APIKey struct {
	ID        string    `db:"id" json:"id"`
	Kind      KeyKind   `db:"kind" json:"kind"`
	KeyHash   string    `db:"key_hash" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// EventMetrics are the aggregates the trait dialect exposes for one
// (user, event name) pair. FirstSeen/LastSeen are nil when the user has
// never sent the event.
type EventMetrics struct {
	Count7d       int        `db:"count_7d"`
	Count14d      int        `db:"count_14d"`
	Count30d      int        `db:"count_30d"`
	UniqueDays7d  int        `db:"unique_days_7d"`
	UniqueDays14d int        `db:"unique_days_14d"`
	UniqueDays30d int        `db:"unique_days_30d"`
	FirstSeen     *time.Time `db:"first_seen"`
	LastSeen      *time.Time `db:"last_seen"`
}

// SegmentMemberRow is one line of a segment CSV export: the member user
// joined with its aliases.
type SegmentMemberRow struct {
	UserID     string     `db:"user_id"`
	CreatedAt  time.Time  `db:"created_at"`
	InSegment  bool       `db:"in_segment"`
	Since      *time.Time `db:"since"`
	UpdatedAt  time.Time  `db:"updated_at"`
	DeviceID   *string    `db:"device_id"`
	ExternalID *string    `db:"external_id"`
	EmailHash  *string    `db:"email_hash"`
}

// AggregateMetrics are the counts behind GET /v1/admin/metrics.
type AggregateMetrics struct {
	Users              int `db:"users" json:"users"`
	Events             int `db:"events" json:"events"`
	TraitDefinitions   int `db:"trait_definitions" json:"traitDefinitions"`
	SegmentDefinitions int `db:"segment_definitions" json:"segmentDefinitions"`
	FlagDefinitions    int `db:"flag_definitions" json:"flagDefinitions"`
}

// JSONBMap stores a free-form JSON object in a JSONB column.
type JSONBMap map[string]interface{}

// Value implements the driver.Valuer interface for database storage.
func (m JSONBMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for database retrieval.
func (m *JSONBMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("cannot scan non-string/[]byte value into JSONBMap")
	}

	return json.Unmarshal(bytes, m)
}
