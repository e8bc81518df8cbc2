package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"slyntos/internal/models"
)

// SessionStore persists chat sessions. Writes are last-writer-wins per key;
// there is no optimistic concurrency control.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore builds a session store over the given database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Put upserts the session. Committing the same session twice leaves the
// stored state unchanged.
func (s *SessionStore) Put(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if session.UserID <= 0 {
		return errors.New("user_id is required")
	}
	if !session.Workspace.Valid() {
		return fmt.Errorf("unknown workspace: %s", session.Workspace)
	}
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	params, err := encodeParams(session.Params)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, messages = ?, gen_params = ? WHERE id = ? AND user_id = ?`,
		session.Title, string(messages), params, session.ID, session.UserID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, workspace, title, created_at, messages, gen_params)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Workspace, session.Title,
		session.CreatedAt, string(messages), params,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ListByUserAndWorkspace returns the user's sessions for one workspace,
// newest first.
func (s *SessionStore) ListByUserAndWorkspace(ctx context.Context, userID int64, ws models.Workspace) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, workspace, title, created_at, messages, gen_params
		 FROM sessions WHERE user_id = ? AND workspace = ?
		 ORDER BY created_at DESC`,
		userID, ws,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Get returns one session owned by the user.
func (s *SessionStore) Get(ctx context.Context, userID int64, sessionID string) (*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, workspace, title, created_at, messages, gen_params
		 FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanSession(rows)
}

// Delete removes a session and returns the remaining sessions for the same
// user and workspace, newest first.
func (s *SessionStore) Delete(ctx context.Context, userID int64, ws models.Workspace, sessionID string) ([]*models.ChatSession, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.ListByUserAndWorkspace(ctx, userID, ws)
}

func scanSession(rows *sql.Rows) (*models.ChatSession, error) {
	var (
		session  models.ChatSession
		messages string
		params   sql.NullString
	)
	err := rows.Scan(&session.ID, &session.UserID, &session.Workspace, &session.Title,
		&session.CreatedAt, &messages, &params)
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if messages != "" {
		if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if session.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	return &session, nil
}
