// Package participants answers authoritative chat membership queries from
// Postgres. The router uses it to re-validate client-supplied participant
// lists before fanning events out.
package participants

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/lib/pq"                                // postgres driver
)

// Store reads chat membership from Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("participants: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("participants: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies any pending schema migrations from the given directory.
func (s *Store) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("participants: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("participants: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("participants: migrate up: %w", err)
	}
	log.Printf("participants: schema up to date")
	return nil
}

// ListFor returns the user IDs belonging to a chat. An unknown chat returns
// an empty list, not an error.
func (s *Store) ListFor(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("participants: query chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("participants: scan: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("participants: rows: %w", err)
	}
	return users, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
