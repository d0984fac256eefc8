package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process DataStore. It mirrors the PostgreSQL
// implementation's semantics, including the segment transition rules, and
// backs unit tests and local development runs.
type Memory struct {
	mu sync.Mutex

	users   map[string]User
	aliases map[AliasKind]map[string]Alias
	events  []Event
	nextID  int64

	traitDefs   map[string]TraitDefinition
	segmentDefs map[string]SegmentDefinition
	flagDefs    map[string]FlagDefinition

	userTraits   map[string]map[string]UserTrait   // userID -> key -> row
	userSegments map[string]map[string]UserSegment // userID -> key -> row

	apiKeys map[string]APIKey // keyHash -> key
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]User),
		aliases:      make(map[AliasKind]map[string]Alias),
		traitDefs:    make(map[string]TraitDefinition),
		segmentDefs:  make(map[string]SegmentDefinition),
		flagDefs:     make(map[string]FlagDefinition),
		userTraits:   make(map[string]map[string]UserTrait),
		userSegments: make(map[string]map[string]UserSegment),
		apiKeys:      make(map[string]APIKey),
		nextID:       1,
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// InitDB is a no-op.
func (m *Memory) InitDB(ctx context.Context) error { return nil }

// =============================================================================
// Users and Aliases
// =============================================================================

func (m *Memory) CreateUser(ctx context.Context) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := User{ID: uuid.New().String(), CreatedAt: time.Now().UTC()}
	m.users[user.ID] = user
	return &user, nil
}

func (m *Memory) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.users, userID)
	for kind := range m.aliases {
		for value, alias := range m.aliases[kind] {
			if alias.UserID == userID {
				delete(m.aliases[kind], value)
			}
		}
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.UserID != userID {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	delete(m.userTraits, userID)
	delete(m.userSegments, userID)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m *Memory) FindAlias(ctx context.Context, kind AliasKind, value string) (*Alias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alias, ok := m.aliases[kind][value]
	if !ok {
		return nil, ErrNotFound
	}
	return &alias, nil
}

func (m *Memory) LinkAlias(ctx context.Context, kind AliasKind, value, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aliases[kind] == nil {
		m.aliases[kind] = make(map[string]Alias)
	}
	if _, exists := m.aliases[kind][value]; exists {
		return false, nil
	}
	m.aliases[kind][value] = Alias{Kind: kind, Value: value, UserID: userID, CreatedAt: time.Now().UTC()}
	return true, nil
}

func (m *Memory) AliasesForUser(ctx context.Context, userID string) ([]Alias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alias
	for _, kind := range ResolutionOrder {
		for _, alias := range m.aliases[kind] {
			if alias.UserID == userID {
				out = append(out, alias)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

func (m *Memory) SearchUsers(ctx context.Context, query string, limit, offset int) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := normalizeQuery(query)
	if limit <= 0 {
		limit = 50
	}

	var matched []User
	for id, user := range m.users {
		if q == "" || strings.HasPrefix(strings.ToLower(id), q) || m.aliasMatches(id, q) {
			matched = append(matched, user)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (m *Memory) aliasMatches(userID, q string) bool {
	for kind := range m.aliases {
		for value, alias := range m.aliases[kind] {
			if alias.UserID == userID && strings.Contains(strings.ToLower(value), q) {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Events
// =============================================================================

func (m *Memory) InsertEvent(ctx context.Context, userID, name string, ts time.Time, props JSONBMap) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.events = append(m.events, Event{ID: id, UserID: userID, Timestamp: ts, Name: name, Props: props})
	return id, nil
}

func (m *Memory) EventNames(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var names []string
	for _, ev := range m.events {
		if ev.UserID == userID && !seen[ev.Name] {
			seen[ev.Name] = true
			names = append(names, ev.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) EventMetrics(ctx context.Context, userID, name string, now time.Time) (*EventMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cut7 := now.Add(-7 * 24 * time.Hour)
	cut14 := now.Add(-14 * 24 * time.Hour)
	cut30 := now.Add(-30 * 24 * time.Hour)

	days7 := make(map[string]bool)
	days14 := make(map[string]bool)
	days30 := make(map[string]bool)

	var metrics EventMetrics
	for _, ev := range m.events {
		if ev.UserID != userID || ev.Name != name {
			continue
		}
		ts := ev.Timestamp
		if metrics.FirstSeen == nil || ts.Before(*metrics.FirstSeen) {
			t := ts
			metrics.FirstSeen = &t
		}
		if metrics.LastSeen == nil || ts.After(*metrics.LastSeen) {
			t := ts
			metrics.LastSeen = &t
		}
		if !ts.Before(cut7) {
			metrics.Count7d++
			days7[utcDay(ts)] = true
		}
		if !ts.Before(cut14) {
			metrics.Count14d++
			days14[utcDay(ts)] = true
		}
		if !ts.Before(cut30) {
			metrics.Count30d++
			days30[utcDay(ts)] = true
		}
	}
	metrics.UniqueDays7d = len(days7)
	metrics.UniqueDays14d = len(days14)
	metrics.UniqueDays30d = len(days30)
	return &metrics, nil
}

func (m *Memory) UserEventBounds(ctx context.Context, userID string) (*time.Time, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first, last *time.Time
	for _, ev := range m.events {
		if ev.UserID != userID {
			continue
		}
		ts := ev.Timestamp
		if first == nil || ts.Before(*first) {
			t := ts
			first = &t
		}
		if last == nil || ts.After(*last) {
			t := ts
			last = &t
		}
	}
	return first, last, nil
}

func (m *Memory) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Event
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Definitions
// =============================================================================

func (m *Memory) CreateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.traitDefs[key]; exists {
		return nil, ErrConflict
	}
	def := TraitDefinition{Key: key, Expression: expression, UpdatedAt: time.Now().UTC()}
	m.traitDefs[key] = def
	return &def, nil
}

func (m *Memory) GetTraitDefinition(ctx context.Context, key string) (*TraitDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.traitDefs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &def, nil
}

func (m *Memory) ListTraitDefinitions(ctx context.Context) ([]TraitDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defs := make([]TraitDefinition, 0, len(m.traitDefs))
	for _, def := range m.traitDefs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs, nil
}

func (m *Memory) UpdateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.traitDefs[key]; !ok {
		return nil, ErrNotFound
	}
	def := TraitDefinition{Key: key, Expression: expression, UpdatedAt: time.Now().UTC()}
	m.traitDefs[key] = def
	return &def, nil
}

func (m *Memory) DeleteTraitDefinition(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.traitDefs[key]; !ok {
		return ErrNotFound
	}
	delete(m.traitDefs, key)
	for userID := range m.userTraits {
		delete(m.userTraits[userID], key)
	}
	return nil
}

func (m *Memory) CreateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.segmentDefs[key]; exists {
		return nil, ErrConflict
	}
	def := SegmentDefinition{Key: key, Rule: rule, UpdatedAt: time.Now().UTC()}
	m.segmentDefs[key] = def
	return &def, nil
}

func (m *Memory) GetSegmentDefinition(ctx context.Context, key string) (*SegmentDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.segmentDefs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &def, nil
}

func (m *Memory) ListSegmentDefinitions(ctx context.Context) ([]SegmentDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defs := make([]SegmentDefinition, 0, len(m.segmentDefs))
	for _, def := range m.segmentDefs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs, nil
}

func (m *Memory) UpdateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.segmentDefs[key]; !ok {
		return nil, ErrNotFound
	}
	def := SegmentDefinition{Key: key, Rule: rule, UpdatedAt: time.Now().UTC()}
	m.segmentDefs[key] = def
	return &def, nil
}

func (m *Memory) DeleteSegmentDefinition(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.segmentDefs[key]; !ok {
		return ErrNotFound
	}
	delete(m.segmentDefs, key)
	for userID := range m.userSegments {
		delete(m.userSegments[userID], key)
	}
	return nil
}

func (m *Memory) CreateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.flagDefs[key]; exists {
		return nil, ErrConflict
	}
	def := FlagDefinition{Key: key, Rule: rule, UpdatedAt: time.Now().UTC()}
	m.flagDefs[key] = def
	return &def, nil
}

func (m *Memory) GetFlagDefinition(ctx context.Context, key string) (*FlagDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.flagDefs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &def, nil
}

func (m *Memory) ListFlagDefinitions(ctx context.Context) ([]FlagDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defs := make([]FlagDefinition, 0, len(m.flagDefs))
	for _, def := range m.flagDefs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs, nil
}

func (m *Memory) UpdateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flagDefs[key]; !ok {
		return nil, ErrNotFound
	}
	def := FlagDefinition{Key: key, Rule: rule, UpdatedAt: time.Now().UTC()}
	m.flagDefs[key] = def
	return &def, nil
}

func (m *Memory) DeleteFlagDefinition(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flagDefs[key]; !ok {
		return ErrNotFound
	}
	delete(m.flagDefs, key)
	return nil
}

// =============================================================================
// Computed State
// =============================================================================

func (m *Memory) UpsertUserTraits(ctx context.Context, userID string, traits []UserTrait) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userTraits[userID] == nil {
		m.userTraits[userID] = make(map[string]UserTrait)
	}
	for _, tr := range traits {
		row := tr
		row.UserID = userID
		// Normalize to a compact encoding so repeated recomputations are
		// byte-identical.
		var decoded interface{}
		if err := json.Unmarshal(row.Value, &decoded); err == nil {
			if compact, err := json.Marshal(decoded); err == nil {
				row.Value = compact
			}
		}
		m.userTraits[userID][tr.Key] = row
	}
	return nil
}

func (m *Memory) GetUserTraits(ctx context.Context, userID string) ([]UserTrait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]UserTrait, 0, len(m.userTraits[userID]))
	for _, tr := range m.userTraits[userID] {
		rows = append(rows, tr)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

func (m *Memory) UpsertUserSegments(ctx context.Context, userID string, memberships map[string]bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userSegments[userID] == nil {
		m.userSegments[userID] = make(map[string]UserSegment)
	}
	for key, member := range memberships {
		prev, existed := m.userSegments[userID][key]
		row := UserSegment{UserID: userID, Key: key, InSegment: member, UpdatedAt: now}
		switch {
		case member && (!existed || !prev.InSegment):
			t := now
			row.Since = &t
		case member:
			row.Since = prev.Since
		default:
			row.Since = nil
		}
		m.userSegments[userID][key] = row
	}
	return nil
}

func (m *Memory) GetUserSegments(ctx context.Context, userID string) ([]UserSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]UserSegment, 0, len(m.userSegments[userID]))
	for _, seg := range m.userSegments[userID] {
		rows = append(rows, seg)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

func (m *Memory) SegmentMembers(ctx context.Context, segmentKey string) ([]SegmentMemberRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []SegmentMemberRow
	for userID, segments := range m.userSegments {
		seg, ok := segments[segmentKey]
		if !ok || !seg.InSegment {
			continue
		}
		user := m.users[userID]
		row := SegmentMemberRow{
			UserID:    userID,
			CreatedAt: user.CreatedAt,
			InSegment: seg.InSegment,
			Since:     seg.Since,
			UpdatedAt: seg.UpdatedAt,
		}
		for kind := range m.aliases {
			for value, alias := range m.aliases[kind] {
				if alias.UserID != userID {
					continue
				}
				v := value
				switch kind {
				case AliasDeviceID:
					row.DeviceID = &v
				case AliasExternalID:
					row.ExternalID = &v
				case AliasEmailHash:
					row.EmailHash = &v
				}
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows, nil
}

// =============================================================================
// API Keys and Metrics
// =============================================================================

func (m *Memory) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.apiKeys[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (m *Memory) CreateAPIKey(ctx context.Context, kind KeyKind, keyHash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.apiKeys[keyHash]; exists {
		return nil, ErrConflict
	}
	key := APIKey{ID: uuid.New().String(), Kind: kind, KeyHash: keyHash, CreatedAt: time.Now().UTC()}
	m.apiKeys[keyHash] = key
	return &key, nil
}

func (m *Memory) Metrics(ctx context.Context) (*AggregateMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &AggregateMetrics{
		Users:              len(m.users),
		Events:             len(m.events),
		TraitDefinitions:   len(m.traitDefs),
		SegmentDefinitions: len(m.segmentDefs),
		FlagDefinitions:    len(m.flagDefs),
	}, nil
}
