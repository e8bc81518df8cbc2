// Package store implements the persistence layer: accounts keyed by id with
// case-insensitive unique username/email lookups, and chat sessions keyed by
// id with a (user, workspace, recency) secondary index.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"slyntos/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AccountStore persists user records.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore builds an account store over the given database.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Create inserts a new user and fills in its id. Uniqueness of username and
// email is case-insensitive, enforced by the lowercased index columns.
func (s *AccountStore) Create(ctx context.Context, u *models.User) error {
	if u == nil {
		return errors.New("user is required")
	}
	usage, err := json.Marshal(u.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	params, err := encodeParams(u.Params)
	if err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, email_lower, username_lower, password_hash,
			plan, subscription_end, last_usage_reset, usage_counts, profile_picture, gen_params, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.Username, strings.ToLower(u.Email), strings.ToLower(u.Username),
		u.PasswordHash, u.Plan, u.SubscriptionEnd, u.LastUsageReset,
		string(usage), u.ProfilePicture, params, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	u.ID = id
	return nil
}

// Update overwrites the stored record for the user. Last writer wins.
func (s *AccountStore) Update(ctx context.Context, u *models.User) error {
	if u == nil || u.ID <= 0 {
		return errors.New("user id is required")
	}
	usage, err := json.Marshal(u.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	params, err := encodeParams(u.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, username = ?, email_lower = ?, username_lower = ?,
			password_hash = ?, plan = ?, subscription_end = ?, last_usage_reset = ?,
			usage_counts = ?, profile_picture = ?, gen_params = ?
		 WHERE id = ?`,
		u.Email, u.Username, strings.ToLower(u.Email), strings.ToLower(u.Username),
		u.PasswordHash, u.Plan, u.SubscriptionEnd, u.LastUsageReset,
		string(usage), u.ProfilePicture, params, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID looks a user up by primary key.
func (s *AccountStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findWhere(ctx, `id = ?`, id)
}

// FindByUsername looks a user up by username, case-insensitively.
func (s *AccountStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findWhere(ctx, `username_lower = ?`, strings.ToLower(username))
}

// FindByEmail looks a user up by email, case-insensitively.
func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findWhere(ctx, `email_lower = ?`, strings.ToLower(email))
}

func (s *AccountStore) findWhere(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, password_hash, plan, subscription_end,
			last_usage_reset, usage_counts, profile_picture, gen_params, created_at
		 FROM users WHERE `+where, arg,
	)
	var (
		u         models.User
		subEnd    sql.NullTime
		lastReset sql.NullTime
		usage     string
		params    sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Plan,
		&subEnd, &lastReset, &usage, &u.ProfilePicture, &params, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if subEnd.Valid {
		t := subEnd.Time
		u.SubscriptionEnd = &t
	}
	if lastReset.Valid {
		t := lastReset.Time
		u.LastUsageReset = &t
	}
	if usage != "" && usage != "{}" {
		if err := json.Unmarshal([]byte(usage), &u.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	if u.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	return &u, nil
}

func encodeParams(p *models.GenParams) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode gen params: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeParams(raw sql.NullString) (*models.GenParams, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p models.GenParams
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, fmt.Errorf("decode gen params: %w", err)
	}
	return &p, nil
}
