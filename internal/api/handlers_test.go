package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"slyntos/internal/account"
	"slyntos/internal/auth"
	"slyntos/internal/config"
	"slyntos/internal/generation"
	"slyntos/internal/models"
	"slyntos/internal/shell"
	"slyntos/internal/storage"
	"slyntos/internal/store"
)

type scriptedGen struct {
	text string
}

func (g scriptedGen) Stream(ctx context.Context, history []models.Message, instruction string, ws models.Workspace, opts generation.Options) <-chan generation.Chunk {
	out := make(chan generation.Chunk, 1)
	out <- generation.Chunk{Text: g.text}
	close(out)
	return out
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	accounts := account.NewService(store.NewAccountStore(db), nil, nil)
	sessions := store.NewSessionStore(db)
	shellManager := shell.NewManager(sessions, scriptedGen{text: "streamed answer"}, nil, accounts, nil)
	authSvc := auth.NewService(db, nil, time.Hour)
	handler := NewHandler(accounts, authSvc, shellManager, "", nil)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    username + "@example.com",
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		User models.User `json:"user"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.User.ID <= 0 {
		t.Fatalf("expected user id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"identifier": username,
		"password":   "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	return regBody.User.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func TestWorkspaceCatalog(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/api/workspaces", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Workspaces []struct {
			ID          string `json:"id"`
			Placeholder string `json:"placeholder"`
		} `json:"workspaces"`
		EnterpriseStreams []struct {
			ID string `json:"id"`
		} `json:"enterprise_streams"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Workspaces) != len(models.Workspaces) {
		t.Fatalf("expected %d workspaces, got %d", len(models.Workspaces), len(body.Workspaces))
	}
	if len(body.EnterpriseStreams) == 0 {
		t.Fatalf("expected enterprise streams in catalog")
	}
}

func TestSubmitFlow(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)

	// First touch provisions a fresh session.
	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/workspaces/general/sessions", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.ChatSession `json:"sessions"`
		Active   *models.ChatSession  `json:"active"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Active == nil || listBody.Active.Title != "New Mission" {
		t.Fatalf("expected provisioned session, got %+v", listBody.Active)
	}

	submitResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/workspaces/general/messages", userID),
		map[string]any{"input": "explain the solar system to me"}, authHeader)
	assertStatus(t, submitResp, http.StatusOK)
	body := submitResp.Body.String()
	if !strings.Contains(body, "event: update") {
		t.Fatalf("expected SSE events, got: %s", body)
	}
	if !strings.Contains(body, "streamed answer") {
		t.Fatalf("expected streamed content, got: %s", body)
	}
	if !strings.Contains(body, `"done":true`) {
		t.Fatalf("expected terminal event, got: %s", body)
	}

	// The transcript and derived title were committed.
	listResp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/workspaces/general/sessions", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Active.Title != "explain the solar system to" {
		t.Fatalf("unexpected title: %q", listBody.Active.Title)
	}
	if len(listBody.Active.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(listBody.Active.Messages))
	}
}

func TestSessionLifecycle(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)

	newResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/workspaces/tutor/sessions", userID), nil, authHeader)
	assertStatus(t, newResp, http.StatusCreated)
	var newBody struct {
		Session models.ChatSession `json:"session"`
	}
	decodeJSON(t, newResp.Body.Bytes(), &newBody)

	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/workspaces/tutor/sessions/%s", userID, newBody.Session.ID), nil, authHeader)
	assertStatus(t, delResp, http.StatusOK)
	var delBody struct {
		Active   *models.ChatSession  `json:"active"`
		Sessions []models.ChatSession `json:"sessions"`
	}
	decodeJSON(t, delResp.Body.Bytes(), &delBody)
	if delBody.Active == nil || delBody.Active.ID == newBody.Session.ID {
		t.Fatalf("expected replacement active session, got %+v", delBody.Active)
	}

	missingResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/workspaces/tutor/sessions/%s", userID, newBody.Session.ID), nil, authHeader)
	assertStatus(t, missingResp, http.StatusNotFound)
}

func TestPathUserMismatchRejected(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/workspaces/general/sessions", userID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/workspaces/general/sessions", userID), nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCookieAuthRequiresCSRFToken(t *testing.T) {
	router, _ := newTestServer(t)

	username := fmt.Sprintf("cookie_%d", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    username + "@example.com",
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		User models.User `json:"user"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"identifier": username,
		"password":   "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	cookies := loginResp.Result().Cookies()
	var csrfToken string
	for _, ck := range cookies {
		if ck.Name == "csrf_token" {
			csrfToken = ck.Value
		}
	}
	if csrfToken == "" {
		t.Fatalf("login did not set a csrf cookie")
	}

	upgrade := func(token string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(map[string]string{"code": "39759298"}); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/api/users/%d/upgrade", regBody.User.ID), &buf)
		req.Header.Set("Content-Type", "application/json")
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		if token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assertStatus(t, upgrade(""), http.StatusForbidden)
	assertStatus(t, upgrade("not-the-cookie-value"), http.StatusForbidden)
	assertStatus(t, upgrade(csrfToken), http.StatusOK)
}

func TestUpgradeEndpoint(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/upgrade", userID),
		map[string]string{"code": "39759298"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		User models.User `json:"user"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.User.Plan != models.PlanPro {
		t.Fatalf("expected pro plan, got %s", body.User.Plan)
	}

	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/upgrade", userID),
		map[string]string{"code": "bogus"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}
