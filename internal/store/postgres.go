package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres implements DataStore on a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(connString string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection; tests use it with sqlmock.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// InitDB creates the schema.
func (p *Postgres) InitDB(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (class 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// =============================================================================
// Users and Aliases
// =============================================================================

func (p *Postgres) CreateUser(ctx context.Context) (*User, error) {
	user := User{ID: uuid.New().String()}
	query := `INSERT INTO users (id) VALUES ($1) RETURNING created_at`
	if err := p.db.QueryRowxContext(ctx, query, user.ID).Scan(&user.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func (p *Postgres) DeleteUser(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	err := p.db.GetContext(ctx, &user, `SELECT id, created_at FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (p *Postgres) FindAlias(ctx context.Context, kind AliasKind, value string) (*Alias, error) {
	var alias Alias
	query := `SELECT kind, value, user_id, created_at FROM aliases WHERE kind = $1 AND value = $2`
	err := p.db.GetContext(ctx, &alias, query, kind, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find alias: %w", err)
	}
	return &alias, nil
}

func (p *Postgres) LinkAlias(ctx context.Context, kind AliasKind, value, userID string) (bool, error) {
	query := `INSERT INTO aliases (kind, value, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (kind, value) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query, kind, value, userID)
	if err != nil {
		return false, fmt.Errorf("failed to link alias: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to link alias: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) AliasesForUser(ctx context.Context, userID string) ([]Alias, error) {
	var aliases []Alias
	query := `SELECT kind, value, user_id, created_at FROM aliases WHERE user_id = $1 ORDER BY kind, value`
	if err := p.db.SelectContext(ctx, &aliases, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	return aliases, nil
}

func (p *Postgres) SearchUsers(ctx context.Context, query string, limit, offset int) ([]User, int, error) {
	q := normalizeQuery(query)
	if limit <= 0 {
		limit = 50
	}

	var total int
	countQuery := `
		SELECT COUNT(DISTINCT u.id)
		FROM users u
		LEFT JOIN aliases a ON a.user_id = u.id
		WHERE $1 = '' OR u.id::text ILIKE $1 || '%' OR a.value ILIKE '%' || $1 || '%'`
	if err := p.db.GetContext(ctx, &total, countQuery, q); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	var users []User
	listQuery := `
		SELECT DISTINCT u.id, u.created_at
		FROM users u
		LEFT JOIN aliases a ON a.user_id = u.id
		WHERE $1 = '' OR u.id::text ILIKE $1 || '%' OR a.value ILIKE '%' || $1 || '%'
		ORDER BY u.created_at DESC, u.id
		LIMIT $2 OFFSET $3`
	if err := p.db.SelectContext(ctx, &users, listQuery, q, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to search users: %w", err)
	}
	return users, total, nil
}

// =============================================================================
// Events
// =============================================================================

func (p *Postgres) InsertEvent(ctx context.Context, userID, name string, ts time.Time, props JSONBMap) (int64, error) {
	var id int64
	query := `INSERT INTO events (user_id, ts, name, props) VALUES ($1, $2, $3, $4) RETURNING id`
	if err := p.db.QueryRowxContext(ctx, query, userID, ts, name, props).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (p *Postgres) EventNames(ctx context.Context, userID string) ([]string, error) {
	var names []string
	query := `SELECT DISTINCT name FROM events WHERE user_id = $1 ORDER BY name`
	if err := p.db.SelectContext(ctx, &names, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list event names: %w", err)
	}
	return names, nil
}

func (p *Postgres) EventMetrics(ctx context.Context, userID, name string, now time.Time) (*EventMetrics, error) {
	var m EventMetrics
	query := `
		SELECT
			COUNT(*) FILTER (WHERE ts >= $3) AS count_7d,
			COUNT(*) FILTER (WHERE ts >= $4) AS count_14d,
			COUNT(*) FILTER (WHERE ts >= $5) AS count_30d,
			COUNT(DISTINCT (ts AT TIME ZONE 'UTC')::date) FILTER (WHERE ts >= $3) AS unique_days_7d,
			COUNT(DISTINCT (ts AT TIME ZONE 'UTC')::date) FILTER (WHERE ts >= $4) AS unique_days_14d,
			COUNT(DISTINCT (ts AT TIME ZONE 'UTC')::date) FILTER (WHERE ts >= $5) AS unique_days_30d,
			MIN(ts) AS first_seen,
			MAX(ts) AS last_seen
		FROM events
		WHERE user_id = $1 AND name = $2`
	err := p.db.GetContext(ctx, &m, query,
		userID, name,
		now.Add(-7*24*time.Hour),
		now.Add(-14*24*time.Hour),
		now.Add(-30*24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute event metrics: %w", err)
	}
	return &m, nil
}

func (p *Postgres) UserEventBounds(ctx context.Context, userID string) (*time.Time, *time.Time, error) {
	var bounds struct {
		First *time.Time `db:"first_seen"`
		Last  *time.Time `db:"last_seen"`
	}
	query := `SELECT MIN(ts) AS first_seen, MAX(ts) AS last_seen FROM events WHERE user_id = $1`
	if err := p.db.GetContext(ctx, &bounds, query, userID); err != nil {
		return nil, nil, fmt.Errorf("failed to get event bounds: %w", err)
	}
	return bounds.First, bounds.Last, nil
}

func (p *Postgres) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	query := `SELECT id, user_id, ts, name, props FROM events WHERE user_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`
	if err := p.db.SelectContext(ctx, &events, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	return events, nil
}
