package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"slyntos/internal/models"
)

// ErrRegistryMiss is returned when the remote registry has no record for the
// requested identifier.
var ErrRegistryMiss = errors.New("registry: no record")

// RemoteRegistry syncs account records with a central user registry so a user
// registered on one deployment can log in on another.
type RemoteRegistry interface {
	Push(ctx context.Context, u *models.User) error
	Fetch(ctx context.Context, identifier string) (*models.User, error)
}

type httpRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry builds a registry client for the given base URL. An empty
// base URL yields a no-op registry.
func NewHTTPRegistry(baseURL string) RemoteRegistry {
	if baseURL == "" {
		return noopRegistry{}
	}
	return &httpRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *httpRegistry) Push(ctx context.Context, u *models.User) error {
	body, err := json.Marshal(registryRecord{
		Email:        u.Email,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Plan:         u.Plan,
	})
	if err != nil {
		return fmt.Errorf("encode registry record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("push registry record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push registry record: status %d", resp.StatusCode)
	}
	return nil
}

func (r *httpRegistry) Fetch(ctx context.Context, identifier string) (*models.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/users/"+url.PathEscape(identifier), nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRegistryMiss
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch registry record: status %d", resp.StatusCode)
	}
	var rec registryRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode registry record: %w", err)
	}
	return &models.User{
		Email:        rec.Email,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		Plan:         rec.Plan,
	}, nil
}

type registryRecord struct {
	Email        string      `json:"email"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"password_hash"`
	Plan         models.Plan `json:"plan"`
}

type noopRegistry struct{}

func (noopRegistry) Push(context.Context, *models.User) error { return nil }

func (noopRegistry) Fetch(context.Context, string) (*models.User, error) {
	return nil, ErrRegistryMiss
}
