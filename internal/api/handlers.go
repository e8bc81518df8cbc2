// Package api wires HTTP routes to the account service and the workspace
// shell.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"slyntos/internal/account"
	"slyntos/internal/auth"
	"slyntos/internal/controller"
	"slyntos/internal/models"
	"slyntos/internal/shell"
	"slyntos/internal/store"
	"slyntos/internal/workspace"
)

// submitTimeout bounds a single submission's SSE stream. Video jobs poll for
// up to five minutes, so the window is generous.
const submitTimeout = 10 * time.Minute

// Handler wires HTTP routes to the account service and the workspace shell.
type Handler struct {
	accounts *account.Service
	auth     *auth.Service
	shell    *shell.Manager
	fileBase string
	log      *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, authService *auth.Service, shellManager *shell.Manager, fileBase string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		accounts: accounts,
		auth:     authService,
		shell:    shellManager,
		fileBase: fileBase,
		log:      log,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/workspaces", h.listWorkspaces)

	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("", h.getUser)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.POST("/upgrade", h.upgradePlan)
	userRoutes.PUT("/settings", h.updateSettings)
	userRoutes.GET("/workspaces/:workspace/sessions", h.listSessions)
	userRoutes.POST("/workspaces/:workspace/sessions", h.newSession)
	userRoutes.POST("/workspaces/:workspace/sessions/:session_id/select", h.selectSession)
	userRoutes.DELETE("/workspaces/:workspace/sessions/:session_id", h.deleteSession)
	userRoutes.POST("/workspaces/:workspace/messages", h.submitMessage)

	if h.fileBase != "" {
		router.Static("/files", h.fileBase)
	}
}

// User create&login interface
type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrEmailTaken) || errors.Is(err, account.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Identifier, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"user":       user,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.shell.Logout(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.accounts.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":        user,
		"daily_limit": user.Plan.DailyLimit(),
	})
}

type upgradeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) upgradePlan(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Upgrade(c.Request.Context(), userID, req.Code)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type settingsRequest struct {
	ProfilePicture string            `json:"profile_picture"`
	Params         *models.GenParams `json:"params"`
}

func (h *Handler) updateSettings(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.UpdateSettings(c.Request.Context(), userID, req.ProfilePicture, req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// listWorkspaces is public catalog data: the available views, their input
// placeholders, and the enterprise stream templates.
func (h *Handler) listWorkspaces(c *gin.Context) {
	views := make([]gin.H, 0, len(models.Workspaces))
	for _, ws := range models.Workspaces {
		views = append(views, gin.H{
			"id":          ws,
			"placeholder": workspace.Placeholder(ws),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaces":         views,
		"enterprise_streams": workspace.EnterpriseStreams,
	})
}

func (h *Handler) workspaceParam(c *gin.Context) (models.Workspace, bool) {
	ws := models.Workspace(c.Param("workspace"))
	if !ws.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workspace"})
		return "", false
	}
	return ws, true
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, ok := h.workspaceParam(c)
	if !ok {
		return
	}
	ctrl, err := h.shell.Controller(c.Request.Context(), userID, ws)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.shell.ListSessions(c.Request.Context(), userID, ws)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"active":   ctrl.Session(),
	})
}

func (h *Handler) newSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, ok := h.workspaceParam(c)
	if !ok {
		return
	}
	session, err := h.shell.NewSession(c.Request.Context(), userID, ws)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) selectSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, ok := h.workspaceParam(c)
	if !ok {
		return
	}
	session, err := h.shell.SelectSession(c.Request.Context(), userID, ws, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, ok := h.workspaceParam(c)
	if !ok {
		return
	}
	active, remaining, err := h.shell.DeleteSession(c.Request.Context(), userID, ws, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":   active,
		"sessions": remaining,
	})
}

type submitRequest struct {
	Input       string              `json:"input"`
	Attachments []models.Attachment `json:"attachments"`
	Instruction string              `json:"instruction"`
	Thinking    bool                `json:"thinking"`
	Lite        bool                `json:"lite"`
	AspectRatio string              `json:"aspect_ratio"`
}

// submitMessage runs one submission and streams controller events over SSE
// until the terminal event.
func (h *Handler) submitMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ws, ok := h.workspaceParam(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := h.accounts.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctrl, err := h.shell.Controller(c.Request.Context(), userID, ws)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Subscribe before submitting so synchronous outcomes (cache hits, quota
	// warnings) are not missed.
	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	accepted, err := ctrl.Submit(c.Request.Context(), user, controller.SubmitRequest{
		Input:               req.Input,
		Attachments:         req.Attachments,
		OverrideInstruction: req.Instruction,
		Thinking:            req.Thinking,
		Lite:                req.Lite,
		AspectRatio:         req.AspectRatio,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !accepted {
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	timeout := time.NewTimer(submitTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-timeout.C:
			_ = sendEvent("error", gin.H{"message": "stream timed out"})
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := sendEvent("update", event); err != nil {
				return
			}
			if event.Done {
				return
			}
		}
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
