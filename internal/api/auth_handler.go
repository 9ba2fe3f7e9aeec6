package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/auth"
	"cvchapchap/internal/database"
)

// AuthHandler 处理管理员登录、修改密码与退出。
type AuthHandler struct {
	db                    *gorm.DB
	authService           *auth.AuthService
	redis                 redisStore
	blacklist             tokenBlacklist
	logger                *slog.Logger
	loginRateLimitPerHour int
	loginLockThreshold    int
	loginLockTTL          time.Duration
	now                   func() time.Time
}

// NewAuthHandler 构造认证处理器。redisClient 可为 nil，
// 此时不做登录限流，也不支持退出。
func NewAuthHandler(db *gorm.DB, authService *auth.AuthService, redisClient redisStore, logger *slog.Logger, loginRateLimitPerHour int, loginLockThreshold int, loginLockTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		db:                    db,
		authService:           authService,
		redis:                 redisClient,
		blacklist:             tokenBlacklist{store: redisClient},
		logger:                logger,
		loginRateLimitPerHour: loginRateLimitPerHour,
		loginLockThreshold:    loginLockThreshold,
		loginLockTTL:          loginLockTTL,
		now:                   time.Now,
	}
}

// Revocations 将退出黑名单提供给认证中间件。
func (h *AuthHandler) Revocations() middleware.Revocations { return h.blacklist }

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Login 处理 POST /api/auth/login。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	username := strings.ToLower(strings.TrimSpace(req.Username))
	logger := h.loggerFromContext(c).With(slog.String("username", username))

	// 速率限制：每 IP+用户名 每小时 loginRateLimitPerHour 次
	if h.redis != nil {
		prefix := "rate:login:" + c.ClientIP() + ":" + username
		if ok, wait := fixedWindow(ctx, h.redis, prefix, time.Hour, h.loginRateLimitPerHour, h.now()); !ok {
			TooManyRequests(c, "rate limit exceeded", wait)
			return
		}
		if ttl, _ := h.redis.TTL(ctx, lockKey(username)).Result(); ttl > 0 {
			TooManyRequests(c, "account temporarily locked", ttl)
			return
		}
	}

	var user database.User
	if err := h.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info("login failed: user not found")
			h.recordLoginFailure(ctx, username)
			Unauthorized(c)
			return
		}
		logger.Error("login query failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		logger.Info("login failed: password mismatch", slog.Uint64("user_id", uint64(user.ID)))
		h.recordLoginFailure(ctx, username)
		Unauthorized(c)
		return
	}

	if h.redis != nil {
		_ = h.redis.Del(ctx, failKey(username)).Err()
	}
	h.replyWithToken(c, user, logger)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required,max=72"`
	NewPassword     string `json:"new_password" binding:"required,max=72"`
	ConfirmPassword string `json:"confirm_password" binding:"required,max=72"`
}

// ChangePassword 处理 POST /api/auth/change-password。
// 旧 Token 会被注销，并返回不带强制改密标记的新 Token。
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		BadRequest(c, "password confirmation does not match")
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.Uint64("user_id", uint64(userID)))

	var user database.User
	if err := h.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		logger.Info("change password: user not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}
	if !auth.CheckPasswordHash(req.CurrentPassword, user.PasswordHash) {
		logger.Info("change password: current password mismatch")
		Unauthorized(c)
		return
	}
	if req.NewPassword == req.CurrentPassword {
		BadRequest(c, "new password must be different from current password")
		return
	}

	hashed, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		logger.Error("change password: hash failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	if err := h.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"password_hash":        hashed,
		"must_change_password": false,
	}).Error; err != nil {
		logger.Error("change password: update failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	user.MustChangePassword = false

	if claims, ok := middleware.ClaimsFromContext(c); ok && claims.ExpiresAt != nil && h.redis != nil {
		if err := h.blacklist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			logger.Warn("change password: revoke old token failed", slog.Any("error", err))
		}
	}
	logger.Info("password changed")
	h.replyWithToken(c, user, logger)
}

// Logout 处理 POST /api/auth/logout，将当前 Token 加入黑名单。
func (h *AuthHandler) Logout(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	logger := h.loggerFromContext(c)
	if claims.ID == "" || claims.ExpiresAt == nil {
		logger.Info("logout token missing jti")
		Unauthorized(c)
		return
	}
	if err := h.blacklist.Revoke(c.Request.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		logger.Error("logout revoke token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) replyWithToken(c *gin.Context, user database.User, logger *slog.Logger) {
	token, err := h.authService.IssueAccessToken(user.ID, user.Username, user.MustChangePassword)
	if err != nil {
		logger.Error("issue access token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        token,
		TokenType:          "Bearer",
		ExpiresIn:          int(h.authService.AccessTokenTTL().Seconds()),
		MustChangePassword: user.MustChangePassword,
	})
}

func lockKey(username string) string { return "lock:login:" + username }
func failKey(username string) string { return "lock:login:fail:" + username }

func (h *AuthHandler) recordLoginFailure(ctx context.Context, username string) {
	if h.redis == nil {
		return
	}
	count, err := incrWithTTL(ctx, h.redis, failKey(username), h.loginLockTTL)
	if err != nil {
		return
	}
	if h.loginLockThreshold > 0 && count >= int64(h.loginLockThreshold) {
		_ = h.redis.Set(ctx, lockKey(username), "1", h.loginLockTTL).Err()
	}
}

func (h *AuthHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

func userIDFromContext(c *gin.Context) (uint, bool) {
	value, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(uint)
	return id, ok && id > 0
}
