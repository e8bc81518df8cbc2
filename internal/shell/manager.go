// Package shell maintains one controller per (user, workspace) view and
// provisions sessions so every view always has an active conversation.
package shell

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slyntos/internal/cache"
	"slyntos/internal/controller"
	"slyntos/internal/models"
	"slyntos/internal/store"
)

const newMissionTitle = "New Mission"

type controllerKey struct {
	userID int64
	ws     models.Workspace
}

// Manager is the controller registry. Controllers are created lazily on first
// use and torn down on logout.
type Manager struct {
	sessions *store.SessionStore
	gen      controller.Generator
	tutor    controller.TextGenerator
	usage    controller.UsageRecorder
	cache    *cache.Cache
	log      *zap.Logger

	mu          sync.Mutex
	controllers map[controllerKey]*controller.Controller
}

// NewManager builds the shell manager. The response cache is shared across
// controllers so a repeated prompt hits regardless of which view asked first.
func NewManager(sessions *store.SessionStore, gen controller.Generator, tutor controller.TextGenerator, usage controller.UsageRecorder, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:    sessions,
		gen:         gen,
		tutor:       tutor,
		usage:       usage,
		cache:       cache.New(cache.DefaultTTL, cache.DefaultMaxEntries),
		log:         log,
		controllers: make(map[controllerKey]*controller.Controller),
	}
}

// Controller returns the controller for the view, creating it and provisioning
// a session on first use.
func (m *Manager) Controller(ctx context.Context, userID int64, ws models.Workspace) (*controller.Controller, error) {
	m.mu.Lock()
	key := controllerKey{userID: userID, ws: ws}
	ctrl, ok := m.controllers[key]
	if !ok {
		ctrl = controller.New(userID, ws, controller.Deps{
			Generator: m.gen,
			Tutor:     m.tutor,
			Sessions:  m.sessions,
			Usage:     m.usage,
			Cache:     m.cache,
			Log:       m.log,
		})
		m.controllers[key] = ctrl
	}
	m.mu.Unlock()

	if ctrl.Session() == nil {
		session, err := m.provisionSession(ctx, userID, ws)
		if err != nil {
			return nil, err
		}
		ctrl.SetSession(session)
	}
	return ctrl, nil
}

// ListSessions returns the view's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, userID int64, ws models.Workspace) ([]*models.ChatSession, error) {
	return m.sessions.ListByUserAndWorkspace(ctx, userID, ws)
}

// NewSession starts a fresh conversation and makes it the view's active one.
func (m *Manager) NewSession(ctx context.Context, userID int64, ws models.Workspace) (*models.ChatSession, error) {
	session := blankSession(userID, ws)
	if err := m.sessions.Put(ctx, session); err != nil {
		return nil, err
	}
	ctrl, err := m.Controller(ctx, userID, ws)
	if err != nil {
		return nil, err
	}
	ctrl.SetSession(session)
	return session.Clone(), nil
}

// SelectSession switches the view to an existing session.
func (m *Manager) SelectSession(ctx context.Context, userID int64, ws models.Workspace, sessionID string) (*models.ChatSession, error) {
	session, err := m.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	ctrl, err := m.Controller(ctx, userID, ws)
	if err != nil {
		return nil, err
	}
	ctrl.SetSession(session)
	return session.Clone(), nil
}

// DeleteSession removes a session. If it was the active one, the view falls
// back to the newest remaining session, or to a fresh conversation when none
// remain.
func (m *Manager) DeleteSession(ctx context.Context, userID int64, ws models.Workspace, sessionID string) (*models.ChatSession, []*models.ChatSession, error) {
	remaining, err := m.sessions.Delete(ctx, userID, ws, sessionID)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := m.Controller(ctx, userID, ws)
	if err != nil {
		return nil, nil, err
	}
	active := ctrl.Session()
	if active != nil && active.ID != sessionID {
		return active, remaining, nil
	}

	var next *models.ChatSession
	if len(remaining) > 0 {
		next = remaining[0].Clone()
	} else {
		next = blankSession(userID, ws)
		if err := m.sessions.Put(ctx, next); err != nil {
			return nil, nil, err
		}
		remaining = []*models.ChatSession{next.Clone()}
	}
	ctrl.SetSession(next)
	return next.Clone(), remaining, nil
}

// Logout tears down every controller belonging to the user, cancelling any
// in-flight generation.
func (m *Manager) Logout(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ctrl := range m.controllers {
		if key.userID == userID {
			ctrl.Close()
			delete(m.controllers, key)
		}
	}
}

// provisionSession picks the newest stored session or starts a fresh one.
func (m *Manager) provisionSession(ctx context.Context, userID int64, ws models.Workspace) (*models.ChatSession, error) {
	existing, err := m.sessions.ListByUserAndWorkspace(ctx, userID, ws)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	session := blankSession(userID, ws)
	if err := m.sessions.Put(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func blankSession(userID int64, ws models.Workspace) *models.ChatSession {
	return &models.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Workspace: ws,
		Title:     newMissionTitle,
		CreatedAt: time.Now().UTC(),
	}
}
