package accounts

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	email         TEXT PRIMARY KEY,
	role          TEXT NOT NULL,
	password_hash BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// User is a stored account.
type User struct {
	Email        string
	Role         string
	PasswordHash []byte
}

// Store persists users in SQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps db. Call Migrate once before use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the users table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create users table")
	}
	return nil
}

// Insert adds u. It reports false when the email is already registered.
func (s *Store) Insert(ctx context.Context, u User) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, role, password_hash) VALUES (?, ?, ?) ON CONFLICT(email) DO NOTHING`,
		u.Email, u.Role, u.PasswordHash,
	)
	if err != nil {
		return false, errors.Wrap(err, "insert user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert user")
	}
	return n == 1, nil
}

// Find returns the user registered under email, or nil.
func (s *Store) Find(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT email, role, password_hash FROM users WHERE email = ?`, email,
	).Scan(&u.Email, &u.Role, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &u, nil
}
