// Package account manages registration, login, subscription plans, and daily
// usage accounting.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"slyntos/internal/models"
	"slyntos/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCode        = errors.New("invalid activation code")
)

// Activation codes unlock a paid plan for a fixed grant period.
var activationCodes = map[string]models.Plan{
	"39759298": models.PlanPro,
	"39769299": models.PlanBusiness,
	"40759399": models.PlanEnterprise,
}

const activationGrant = 30 * 24 * time.Hour

// Service is the account layer over the store and the remote registry.
type Service struct {
	accounts *store.AccountStore
	registry RemoteRegistry
	log      *zap.Logger
	now      func() time.Time
}

// NewService builds the account service. Registry may be nil.
func NewService(accounts *store.AccountStore, registry RemoteRegistry, log *zap.Logger) *Service {
	if registry == nil {
		registry = noopRegistry{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		accounts: accounts,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// Register creates a new starter-plan account. The record is pushed to the
// remote registry on a best-effort basis.
func (s *Service) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)
	if email == "" || username == "" || password == "" {
		return nil, errors.New("email, username and password are required")
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.accounts.FindByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := &models.User{
		Email:          email,
		Username:       username,
		PasswordHash:   string(hash),
		Plan:           models.PlanStarter,
		LastUsageReset: &now,
	}
	if err := s.accounts.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.registry.Push(ctx, u); err != nil {
		s.log.Warn("push account to registry", zap.Error(err))
	}
	return u, nil
}

// Login authenticates by username or email. An account unknown locally is
// looked up in the remote registry and imported before the password check.
func (s *Service) Login(ctx context.Context, identifier, password string) (*models.User, error) {
	u, err := s.accounts.FindByUsername(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		u, err = s.accounts.FindByEmail(ctx, identifier)
	}
	if errors.Is(err, store.ErrNotFound) {
		u, err = s.importFromRegistry(ctx, identifier)
		if errors.Is(err, ErrRegistryMiss) {
			return nil, ErrInvalidCredentials
		}
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.normalize(ctx, u)
}

// GetUser loads a user and applies daily reset and plan expiry.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.normalize(ctx, u)
}

// IncrementUsage bumps the user's daily counters after a served request.
func (s *Service) IncrementUsage(ctx context.Context, userID int64, ws models.Workspace) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.Usage.Increment(ws)
	return s.accounts.Update(ctx, u)
}

// Upgrade redeems an activation code, granting the matching plan for the
// fixed grant period.
func (s *Service) Upgrade(ctx context.Context, userID int64, code string) (*models.User, error) {
	plan, ok := activationCodes[strings.TrimSpace(code)]
	if !ok {
		return nil, ErrInvalidCode
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	end := s.now().Add(activationGrant)
	u.Plan = plan
	u.SubscriptionEnd = &end
	if err := s.accounts.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateSettings overwrites profile picture and generation parameters.
func (s *Service) UpdateSettings(ctx context.Context, userID int64, picture string, params *models.GenParams) (*models.User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if picture != "" {
		u.ProfilePicture = picture
	}
	if params != nil {
		u.Params = params
	}
	if err := s.accounts.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// normalize applies the two time-based adjustments: the usage counters reset
// at local midnight, and a lapsed subscription falls back to starter. Changes
// are persisted before the user is returned.
func (s *Service) normalize(ctx context.Context, u *models.User) (*models.User, error) {
	now := s.now()
	changed := false

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if u.LastUsageReset == nil || u.LastUsageReset.Before(midnight) {
		u.Usage.Reset()
		reset := midnight
		u.LastUsageReset = &reset
		changed = true
	}

	if u.Plan != models.PlanStarter && u.SubscriptionEnd != nil && now.After(*u.SubscriptionEnd) {
		u.Plan = models.PlanStarter
		u.SubscriptionEnd = nil
		changed = true
	}

	if changed {
		if err := s.accounts.Update(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (s *Service) importFromRegistry(ctx context.Context, identifier string) (*models.User, error) {
	rec, err := s.registry.Fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec.LastUsageReset = &now
	if !rec.Plan.Valid() {
		rec.Plan = models.PlanStarter
	}
	if err := s.accounts.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("import registry account: %w", err)
	}
	s.log.Info("imported account from registry", zap.String("username", rec.Username))
	return rec, nil
}
