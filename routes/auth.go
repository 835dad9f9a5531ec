package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"clinical-fhir-extractor/internal/auth"
	"clinical-fhir-extractor/middleware"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/services"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateProfile(ctx context.Context, id string, req models.UpdateProfileRequest) (*models.User, error)
	TouchLogin(ctx context.Context, id primitive.ObjectID, at time.Time) error
	List(ctx context.Context, limit int) ([]models.User, error)
}

type TokenIssuer interface {
	IssueTokenPair(ctx context.Context, userID, username, role string) (*auth.TokenPair, error)
	Rotate(ctx context.Context, refreshToken string) (*auth.TokenPair, *auth.Claims, error)
	ValidateRefreshToken(ctx context.Context, tokenString string) (*auth.Claims, error)
	RevokeToken(ctx context.Context, jti string, isRefresh bool) error
	AccessTTL() time.Duration
}

type APIKeyStore interface {
	Create(ctx context.Context, userID, name string, expiresInDays *int) (*models.APIKey, string, error)
	List(ctx context.Context, userID string) ([]models.APIKey, error)
	Delete(ctx context.Context, userID, keyID string) error
}

type AuditReader interface {
	QueryAuditLogs(ctx context.Context, f models.AuditFilter, limit int) ([]models.AuditEvent, error)
	VerifyChain(ctx context.Context) (models.ChainReport, error)
}

type QuotaAdmin interface {
	Status(ctx context.Context, userID string) (*services.ExtractionQuota, error)
	SetLimit(ctx context.Context, userID string, dailyLimit int) error
}

type PasswordPolicy struct {
	BcryptCost int
	MinLength  int
	MaxLength  int
}

type AuthHandler struct {
	users   UserStore
	tokens  TokenIssuer
	keys    APIKeyStore
	audits  AuditReader
	quotas  QuotaAdmin
	auditor *middleware.Auditor
	policy  PasswordPolicy
	logger  *slog.Logger
	now     func() time.Time
}

type AuthHandlerOptions struct {
	Users   UserStore
	Tokens  TokenIssuer
	Keys    APIKeyStore
	Audits  AuditReader
	Quotas  QuotaAdmin
	Auditor *middleware.Auditor
	Policy  PasswordPolicy
	Logger  *slog.Logger
}

func NewAuthHandler(opts AuthHandlerOptions) *AuthHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		users:   opts.Users,
		tokens:  opts.Tokens,
		keys:    opts.Keys,
		audits:  opts.Audits,
		quotas:  opts.Quotas,
		auditor: opts.Auditor,
		policy:  opts.Policy,
		logger:  logger,
		now:     time.Now,
	}
}

func SetupAuthRoutes(router gin.IRouter, h *AuthHandler, authMW *middleware.AuthMiddleware, roles *middleware.RoleMiddleware, limiter *middleware.RateLimiter) {
	group := router.Group("/auth")

	group.POST("/register", limiter.Limit(), h.Register)
	group.POST("/login", limiter.Limit(), h.Login)
	group.POST("/refresh", limiter.Limit(), h.Refresh)

	authed := group.Group("", authMW.RequireAuth())
	authed.POST("/logout", h.Logout)
	authed.GET("/me", h.Me)
	authed.PUT("/me", h.UpdateMe)
	authed.GET("/me/quota", h.MyQuota)
	authed.POST("/api-keys", h.CreateAPIKey)
	authed.GET("/api-keys", h.ListAPIKeys)
	authed.DELETE("/api-keys/:id", h.DeleteAPIKey)

	admin := authed.Group("", roles.AdminGuard())
	admin.GET("/users", h.ListUsers)
	admin.PUT("/users/:id/quota", h.SetQuota)
	admin.GET("/audit-logs", h.AuditLogs)
	admin.GET("/audit-logs/verify", h.VerifyAuditLogs)
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}
	if n := len(req.Password); n < h.policy.MinLength || n > h.policy.MaxLength {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_password", "Password length is out of range", gin.H{
			"min_length": h.policy.MinLength,
			"max_length": h.policy.MaxLength,
		})
		return
	}

	hash, err := utils.HashPassword(req.Password, h.policy.BcryptCost)
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to process password", nil)
		return
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: hash,
		Role:         models.RoleUser,
		IsActive:     true,
	}
	if err := h.users.Create(c.Request.Context(), user); err != nil {
		if errors.Is(err, services.ErrDuplicate) {
			h.auditor.Failure(c, models.ActionRegister, "user:"+req.Username, "user_exists")
			utils.RespondWithError(c, http.StatusConflict, "user_exists", "Username or email already registered", nil)
			return
		}
		h.logger.Error("failed to create user", "error", err)
		utils.RespondWithInternalError(c, "Failed to create user", nil)
		return
	}

	event := middleware.Event(c, models.ActionRegister, "user:"+user.Username, models.AuditSuccess, nil)
	event.UserID = user.ID.Hex()
	h.auditor.Record(c, event)
	h.logger.Info("user registered", "username", user.Username)

	c.JSON(http.StatusCreated, user.Info())
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.GetByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		h.logger.Error("user lookup failed", "error", err)
		utils.RespondWithInternalError(c, "Login failed", nil)
		return
	}
	if user == nil || !utils.CheckPassword(req.Password, user.PasswordHash) {
		event := middleware.Event(c, models.ActionLogin, "user:"+req.Username, models.AuditFailure, map[string]string{"reason": "invalid_credentials"})
		if user != nil {
			event.UserID = user.ID.Hex()
		}
		h.auditor.Record(c, event)
		utils.RespondWithUnauthorized(c, "Incorrect username or password")
		return
	}
	if !user.IsActive {
		event := middleware.Event(c, models.ActionLogin, "user:"+user.Username, models.AuditFailure, map[string]string{"reason": "inactive_account"})
		event.UserID = user.ID.Hex()
		h.auditor.Record(c, event)
		utils.RespondWithForbidden(c, "User account is inactive")
		return
	}

	pair, err := h.tokens.IssueTokenPair(ctx, user.ID.Hex(), user.Username, user.Role)
	if err != nil {
		h.logger.Error("failed to issue tokens", "error", err)
		utils.RespondWithInternalError(c, "Failed to issue tokens", nil)
		return
	}
	now := h.now().UTC()
	if err := h.users.TouchLogin(ctx, user.ID, now); err != nil {
		h.logger.Warn("failed to record last login", "error", err)
	}
	user.LastLogin = &now

	event := middleware.Event(c, models.ActionLogin, "user:"+user.Username, models.AuditSuccess, nil)
	event.UserID = user.ID.Hex()
	h.auditor.Record(c, event)

	c.JSON(http.StatusOK, h.tokenResponse(pair, user.Info()))
}

func (h *AuthHandler) tokenResponse(pair *auth.TokenPair, user models.UserInfo) models.TokenPairResponse {
	return models.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(h.tokens.AccessTTL().Seconds()),
		AccessExp:    pair.AccessExp,
		RefreshExp:   pair.RefreshExp,
		User:         user,
	}
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	claims, err := h.tokens.ValidateRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		h.refreshFailed(c, err)
		return
	}
	user, err := h.users.GetByID(ctx, claims.UserID)
	if err != nil || !user.IsActive {
		_ = h.tokens.RevokeToken(ctx, claims.ID, true)
		h.auditor.Failure(c, models.ActionTokenRefresh, "", "inactive_account")
		utils.RespondWithUnauthorized(c, "Invalid or expired refresh token")
		return
	}

	pair, _, err := h.tokens.Rotate(ctx, req.RefreshToken)
	if err != nil {
		h.refreshFailed(c, err)
		return
	}

	event := middleware.Event(c, models.ActionTokenRefresh, "", models.AuditSuccess, nil)
	event.UserID = claims.UserID
	h.auditor.Record(c, event)

	c.JSON(http.StatusOK, h.tokenResponse(pair, user.Info()))
}

func (h *AuthHandler) refreshFailed(c *gin.Context, err error) {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
		h.auditor.Failure(c, models.ActionTokenRefresh, "", "invalid_refresh_token")
		utils.RespondWithUnauthorized(c, "Invalid or expired refresh token")
		return
	}
	h.logger.Error("token rotation failed", "error", err)
	utils.RespondWithInternalError(c, "Failed to refresh token", nil)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req models.LogoutRequest
	_ = c.ShouldBindJSON(&req)
	ctx := c.Request.Context()
	principal := middleware.GetPrincipal(c)

	if principal != nil && principal.TokenID != "" {
		if err := h.tokens.RevokeToken(ctx, principal.TokenID, false); err != nil {
			h.logger.Error("failed to revoke access token", "error", err)
			utils.RespondWithInternalError(c, "Failed to logout", nil)
			return
		}
	}
	if req.RefreshToken != "" {
		claims, err := h.tokens.ValidateRefreshToken(ctx, req.RefreshToken)
		if err == nil && claims.UserID == middleware.GetUserID(c) {
			if err := h.tokens.RevokeToken(ctx, claims.ID, true); err != nil {
				h.logger.Warn("failed to revoke refresh token", "error", err)
			}
		}
	}

	h.auditor.Success(c, models.ActionLogout, "", nil)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			utils.RespondWithNotFound(c, "User not found")
			return
		}
		utils.RespondWithInternalError(c, "Failed to load user", nil)
		return
	}
	c.JSON(http.StatusOK, user.Info())
}

func (h *AuthHandler) UpdateMe(c *gin.Context) {
	var req models.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.UpdateProfile(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDuplicate):
			h.auditor.Failure(c, models.ActionProfileUpdate, "", "email_exists")
			utils.RespondWithError(c, http.StatusConflict, "email_exists", "Email already in use", nil)
		case errors.Is(err, services.ErrNotFound):
			utils.RespondWithNotFound(c, "User not found")
		default:
			h.logger.Error("profile update failed", "error", err)
			utils.RespondWithInternalError(c, "Failed to update profile", nil)
		}
		return
	}

	h.auditor.Success(c, models.ActionProfileUpdate, "", nil)
	c.JSON(http.StatusOK, user.Info())
}

func (h *AuthHandler) MyQuota(c *gin.Context) {
	if h.quotas == nil {
		utils.RespondWithNotFound(c, "Quotas are not enabled")
		return
	}
	status, err := h.quotas.Status(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to load quota", nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AuthHandler) CreateAPIKey(c *gin.Context) {
	var req models.CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}

	key, raw, err := h.keys.Create(c.Request.Context(), middleware.GetUserID(c), req.Name, req.ExpiresInDays)
	if err != nil {
		h.logger.Error("failed to create api key", "error", err)
		utils.RespondWithInternalError(c, "Failed to create API key", nil)
		return
	}

	h.auditor.Success(c, models.ActionCreateAPIKey, "api_key:"+key.ID.Hex(), map[string]string{"name": key.Name})
	c.JSON(http.StatusCreated, models.APIKeyCreatedResponse{APIKey: *key, Key: raw})
}

func (h *AuthHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to list API keys", nil)
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *AuthHandler) DeleteAPIKey(c *gin.Context) {
	keyID := c.Param("id")
	if err := h.keys.Delete(c.Request.Context(), middleware.GetUserID(c), keyID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			utils.RespondWithNotFound(c, "API key not found")
			return
		}
		utils.RespondWithInternalError(c, "Failed to delete API key", nil)
		return
	}

	h.auditor.Success(c, models.ActionDeleteAPIKey, "api_key:"+keyID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted successfully"})
}

func (h *AuthHandler) ListUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context(), queryLimit(c, 100, 1000))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to list users", nil)
		return
	}
	infos := make([]models.UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, users[i].Info())
	}
	c.JSON(http.StatusOK, infos)
}

type setQuotaRequest struct {
	DailyLimit *int `json:"daily_limit" binding:"required,min=0"`
}

func (h *AuthHandler) SetQuota(c *gin.Context) {
	if h.quotas == nil {
		utils.RespondWithNotFound(c, "Quotas are not enabled")
		return
	}
	var req setQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request data", gin.H{"error": err.Error()})
		return
	}
	userID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			utils.RespondWithNotFound(c, "User not found")
			return
		}
		utils.RespondWithInternalError(c, "Failed to load user", nil)
		return
	}
	if err := h.quotas.SetLimit(ctx, userID, *req.DailyLimit); err != nil {
		utils.RespondWithInternalError(c, "Failed to set quota", nil)
		return
	}
	status, err := h.quotas.Status(ctx, userID)
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to load quota", nil)
		return
	}

	h.auditor.Success(c, models.ActionSetQuota, "user:"+userID, map[string]string{"daily_limit": strconv.Itoa(*req.DailyLimit)})
	c.JSON(http.StatusOK, status)
}

func (h *AuthHandler) AuditLogs(c *gin.Context) {
	filter := models.AuditFilter{
		UserID: c.Query("user_id"),
		Action: c.Query("action"),
		Status: c.Query("status"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.RespondWithBadRequest(c, "since must be an RFC 3339 timestamp", nil)
			return
		}
		filter.Since = t
	}

	events, err := h.audits.QueryAuditLogs(c.Request.Context(), filter, queryLimit(c, 100, 1000))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to query audit logs", nil)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *AuthHandler) VerifyAuditLogs(c *gin.Context) {
	report, err := h.audits.VerifyChain(c.Request.Context())
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to verify audit chain", nil)
		return
	}
	c.JSON(http.StatusOK, report)
}

// queryLimit reads ?limit= clamped to [1, max].
func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
