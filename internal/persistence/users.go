package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	TimeZone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EnsureUser creates the user row if missing. Existing rows are untouched.
func (s *Store) EnsureUser(ctx context.Context, id, defaultTZ string) error {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, timezone) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING;`, id, defaultTZ)
		if err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, timezone, created_at, updated_at
		FROM users WHERE id = ?;`, id).Scan(&u.ID, &u.DisplayName, &u.TimeZone, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UserTimeZone returns the user's IANA zone, or "" when the user has no row.
func (s *Store) UserTimeZone(ctx context.Context, id string) (string, error) {
	var tz string
	err := s.db.QueryRowContext(ctx, `SELECT timezone FROM users WHERE id = ?;`, id).Scan(&tz)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("user timezone: %w", err)
	}
	return tz, nil
}

// UpsertUser writes display name and timezone, creating the row if needed.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, display_name, timezone) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				timezone = excluded.timezone,
				updated_at = CURRENT_TIMESTAMP;`, u.ID, u.DisplayName, u.TimeZone)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}
