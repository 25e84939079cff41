package prefs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLookup resolves preferences from the users and user_preferences
// tables.
type PostgresLookup struct {
	db *sql.DB
}

// NewPostgresLookup opens a PostgreSQL connection and verifies it.
func NewPostgresLookup(ctx context.Context, dsn string) (*PostgresLookup, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: postgres connection failed: %w", err)
	}
	return &PostgresLookup{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (l *PostgresLookup) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("prefs: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(l.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("prefs: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("prefs: init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("prefs: migrate: %w", err)
	}
	return nil
}

// Preferences implements Lookup. A user with no preference row still
// resolves, with all preference fields empty and MatchGender "random".
func (l *PostgresLookup) Preferences(ctx context.Context, userID string) (*Profile, error) {
	const query = `
		SELECT u.id, COALESCE(p.gender, ''), COALESCE(p.chat_style, ''), COALESCE(p.match_gender, 'random')
		FROM users u
		LEFT JOIN user_preferences p ON p.user_id = u.id
		WHERE u.id = $1`

	var profile Profile
	err := l.db.QueryRowContext(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.Gender,
		&profile.ChatStyle,
		&profile.MatchGender,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("prefs: lookup %s: %w", userID, err)
	}
	if profile.MatchGender == "" {
		profile.MatchGender = "random"
	}
	return &profile, nil
}

// Close closes the database handle.
func (l *PostgresLookup) Close() error {
	return l.db.Close()
}
