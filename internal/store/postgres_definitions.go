package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Trait Definitions
// =============================================================================

func (p *Postgres) CreateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error) {
	def := TraitDefinition{Key: key, Expression: expression}
	query := `INSERT INTO trait_definitions (key, expression, updated_at) VALUES ($1, $2, now()) RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, expression).Scan(&def.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trait definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) GetTraitDefinition(ctx context.Context, key string) (*TraitDefinition, error) {
	var def TraitDefinition
	query := `SELECT key, expression, updated_at FROM trait_definitions WHERE key = $1`
	err := p.db.GetContext(ctx, &def, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trait definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) ListTraitDefinitions(ctx context.Context) ([]TraitDefinition, error) {
	var defs []TraitDefinition
	query := `SELECT key, expression, updated_at FROM trait_definitions ORDER BY key`
	if err := p.db.SelectContext(ctx, &defs, query); err != nil {
		return nil, fmt.Errorf("failed to list trait definitions: %w", err)
	}
	return defs, nil
}

func (p *Postgres) UpdateTraitDefinition(ctx context.Context, key, expression string) (*TraitDefinition, error) {
	def := TraitDefinition{Key: key, Expression: expression}
	query := `UPDATE trait_definitions SET expression = $2, updated_at = now() WHERE key = $1 RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, expression).Scan(&def.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update trait definition: %w", err)
	}
	return &def, nil
}

// DeleteTraitDefinition removes the definition and every user_traits row
// computed from it, in one transaction.
func (p *Postgres) DeleteTraitDefinition(ctx context.Context, key string) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM trait_definitions WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("failed to delete trait definition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_traits WHERE key = $1`, key); err != nil {
			return fmt.Errorf("failed to delete user traits for key %q: %w", key, err)
		}
		return nil
	})
}

// =============================================================================
// Segment Definitions
// =============================================================================

func (p *Postgres) CreateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error) {
	def := SegmentDefinition{Key: key, Rule: rule}
	query := `INSERT INTO segment_definitions (key, rule, updated_at) VALUES ($1, $2, now()) RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, rule).Scan(&def.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create segment definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) GetSegmentDefinition(ctx context.Context, key string) (*SegmentDefinition, error) {
	var def SegmentDefinition
	query := `SELECT key, rule, updated_at FROM segment_definitions WHERE key = $1`
	err := p.db.GetContext(ctx, &def, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) ListSegmentDefinitions(ctx context.Context) ([]SegmentDefinition, error) {
	var defs []SegmentDefinition
	query := `SELECT key, rule, updated_at FROM segment_definitions ORDER BY key`
	if err := p.db.SelectContext(ctx, &defs, query); err != nil {
		return nil, fmt.Errorf("failed to list segment definitions: %w", err)
	}
	return defs, nil
}

func (p *Postgres) UpdateSegmentDefinition(ctx context.Context, key, rule string) (*SegmentDefinition, error) {
	def := SegmentDefinition{Key: key, Rule: rule}
	query := `UPDATE segment_definitions SET rule = $2, updated_at = now() WHERE key = $1 RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, rule).Scan(&def.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update segment definition: %w", err)
	}
	return &def, nil
}

// DeleteSegmentDefinition removes the definition and every user_segments
// row for it, in one transaction.
func (p *Postgres) DeleteSegmentDefinition(ctx context.Context, key string) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM segment_definitions WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("failed to delete segment definition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_segments WHERE key = $1`, key); err != nil {
			return fmt.Errorf("failed to delete user segments for key %q: %w", key, err)
		}
		return nil
	})
}

// =============================================================================
// Flag Definitions
// =============================================================================

func (p *Postgres) CreateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error) {
	def := FlagDefinition{Key: key, Rule: rule}
	query := `INSERT INTO flag_definitions (key, rule, updated_at) VALUES ($1, $2, now()) RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, rule).Scan(&def.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create flag definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) GetFlagDefinition(ctx context.Context, key string) (*FlagDefinition, error) {
	var def FlagDefinition
	query := `SELECT key, rule, updated_at FROM flag_definitions WHERE key = $1`
	err := p.db.GetContext(ctx, &def, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) ListFlagDefinitions(ctx context.Context) ([]FlagDefinition, error) {
	var defs []FlagDefinition
	query := `SELECT key, rule, updated_at FROM flag_definitions ORDER BY key`
	if err := p.db.SelectContext(ctx, &defs, query); err != nil {
		return nil, fmt.Errorf("failed to list flag definitions: %w", err)
	}
	return defs, nil
}

func (p *Postgres) UpdateFlagDefinition(ctx context.Context, key, rule string) (*FlagDefinition, error) {
	def := FlagDefinition{Key: key, Rule: rule}
	query := `UPDATE flag_definitions SET rule = $2, updated_at = now() WHERE key = $1 RETURNING updated_at`
	err := p.db.QueryRowxContext(ctx, query, key, rule).Scan(&def.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update flag definition: %w", err)
	}
	return &def, nil
}

func (p *Postgres) DeleteFlagDefinition(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM flag_definitions WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete flag definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
