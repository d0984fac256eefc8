package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// User Traits
// =============================================================================

// UpsertUserTraits writes a whole trait snapshot in one transaction. The
// last committer wins; each committed snapshot is internally consistent.
func (p *Postgres) UpsertUserTraits(ctx context.Context, userID string, traits []UserTrait) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO user_traits (user_id, key, value, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, key) DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = EXCLUDED.updated_at`
		for _, tr := range traits {
			if _, err := tx.ExecContext(ctx, query, userID, tr.Key, []byte(tr.Value), tr.UpdatedAt); err != nil {
				return fmt.Errorf("failed to upsert trait %q: %w", tr.Key, err)
			}
		}
		return nil
	})
}

func (p *Postgres) GetUserTraits(ctx context.Context, userID string) ([]UserTrait, error) {
	var traits []UserTrait
	query := `SELECT user_id, key, value, updated_at FROM user_traits WHERE user_id = $1 ORDER BY key`
	if err := p.db.SelectContext(ctx, &traits, query, userID); err != nil {
		return nil, fmt.Errorf("failed to get user traits: %w", err)
	}
	return traits, nil
}

// =============================================================================
// User Segments
// =============================================================================

// UpsertUserSegments applies a membership snapshot in one transaction. The
// transition rules live in the upsert itself: since is stamped on a
// false-to-true flip, cleared on true-to-false, and untouched while the
// membership is stable.
func (p *Postgres) UpsertUserSegments(ctx context.Context, userID string, memberships map[string]bool, now time.Time) error {
	keys := make([]string, 0, len(memberships))
	for key := range memberships {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO user_segments (user_id, key, in_segment, since, updated_at)
			VALUES ($1, $2, $3, CASE WHEN $3 THEN $4::timestamptz ELSE NULL END, $4)
			ON CONFLICT (user_id, key) DO UPDATE SET
				since = CASE
					WHEN EXCLUDED.in_segment AND NOT user_segments.in_segment THEN EXCLUDED.updated_at
					WHEN NOT EXCLUDED.in_segment THEN NULL
					ELSE user_segments.since
				END,
				in_segment = EXCLUDED.in_segment,
				updated_at = EXCLUDED.updated_at`
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, query, userID, key, memberships[key], now); err != nil {
				return fmt.Errorf("failed to upsert segment %q: %w", key, err)
			}
		}
		return nil
	})
}

func (p *Postgres) GetUserSegments(ctx context.Context, userID string) ([]UserSegment, error) {
	var segments []UserSegment
	query := `SELECT user_id, key, in_segment, since, updated_at FROM user_segments WHERE user_id = $1 ORDER BY key`
	if err := p.db.SelectContext(ctx, &segments, query, userID); err != nil {
		return nil, fmt.Errorf("failed to get user segments: %w", err)
	}
	return segments, nil
}

// SegmentMembers returns current members of a segment joined with their
// aliases, for CSV export.
func (p *Postgres) SegmentMembers(ctx context.Context, segmentKey string) ([]SegmentMemberRow, error) {
	var rows []SegmentMemberRow
	query := `
		SELECT
			u.id AS user_id,
			u.created_at,
			s.in_segment,
			s.since,
			s.updated_at,
			MAX(a.value) FILTER (WHERE a.kind = 'deviceId') AS device_id,
			MAX(a.value) FILTER (WHERE a.kind = 'externalId') AS external_id,
			MAX(a.value) FILTER (WHERE a.kind = 'emailHash') AS email_hash
		FROM user_segments s
		JOIN users u ON u.id = s.user_id
		LEFT JOIN aliases a ON a.user_id = u.id
		WHERE s.key = $1 AND s.in_segment
		GROUP BY u.id, u.created_at, s.in_segment, s.since, s.updated_at
		ORDER BY u.created_at, u.id`
	if err := p.db.SelectContext(ctx, &rows, query, segmentKey); err != nil {
		return nil, fmt.Errorf("failed to list segment members: %w", err)
	}
	return rows, nil
}

// =============================================================================
// API Keys
// =============================================================================

func (p *Postgres) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var key APIKey
	query := `SELECT id, kind, key_hash, created_at FROM api_keys WHERE key_hash = $1`
	err := p.db.GetContext(ctx, &key, query, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, kind KeyKind, keyHash string) (*APIKey, error) {
	key := APIKey{ID: uuid.New().String(), Kind: kind, KeyHash: keyHash}
	query := `INSERT INTO api_keys (id, kind, key_hash) VALUES ($1, $2, $3) RETURNING created_at`
	err := p.db.QueryRowxContext(ctx, query, key.ID, kind, keyHash).Scan(&key.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	return &key, nil
}

// =============================================================================
// Metrics
// =============================================================================

func (p *Postgres) Metrics(ctx context.Context) (*AggregateMetrics, error) {
	var m AggregateMetrics
	query := `
		SELECT
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM events) AS events,
			(SELECT COUNT(*) FROM trait_definitions) AS trait_definitions,
			(SELECT COUNT(*) FROM segment_definitions) AS segment_definitions,
			(SELECT COUNT(*) FROM flag_definitions) AS flag_definitions`
	if err := p.db.GetContext(ctx, &m, query); err != nil {
		return nil, fmt.Errorf("failed to compute metrics: %w", err)
	}
	return &m, nil
}
