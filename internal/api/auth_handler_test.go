package api

import (
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/auth"
	"cvchapchap/internal/database"
	"cvchapchap/internal/request"
)

const adminPassword = "bootstrap-2024"

// newAuthRouter mounts the auth and admin template routes against a fake Redis.
func newAuthRouter(t *testing.T, db *gorm.DB, store *fakeRedis, enqueuer *fakeEnqueuer) *gin.Engine {
	t.Helper()
	svc := newAuthService(t)
	h := NewAuthHandler(db, svc, store, nil, 10, 3, 15*time.Minute)
	authMiddleware := middleware.AuthMiddleware(svc, h.Revocations())
	var enq request.Enqueuer
	if enqueuer != nil {
		enq = enqueuer
	}
	templates := NewTemplateHandler(db, enq, nil)

	r := gin.New()
	r.Use(middleware.CorrelationIDMiddleware(), middleware.SlogLoggerMiddleware(slog.Default()))
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/change-password", authMiddleware, h.ChangePassword)
	r.POST("/api/auth/logout", authMiddleware, h.Logout)
	r.POST("/api/templates", authMiddleware, middleware.RequirePasswordChangeCompletedMiddleware(), templates.CreateTemplate)
	return r
}

func seedAdmin(t *testing.T, db *gorm.DB, mustChange bool) {
	t.Helper()
	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	require.NoError(t, db.Create(&database.User{Username: "admin", PasswordHash: hash, MustChangePassword: mustChange}).Error)
}

func login(t *testing.T, router http.Handler, username, password string) (int, tokenResponse) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{"username":"`+username+`","password":"`+password+`"}`)
	if w.Code != http.StatusOK {
		return w.Code, tokenResponse{}
	}
	return w.Code, decode[tokenResponse](t, w)
}

func TestAuthHandler_LoginAndLogout(t *testing.T) {
	db := newTestDB(t)
	seedAdmin(t, db, false)
	router := newAuthRouter(t, db, newFakeRedis(), nil)

	code, tok := login(t, router, " Admin ", adminPassword)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 900, tok.ExpiresIn)
	assert.False(t, tok.MustChangePassword)

	bearer := "Bearer " + tok.AccessToken
	w := doJSON(t, router, http.MethodPost, "/api/auth/logout", "", "Authorization", bearer)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/auth/logout", "", "Authorization", bearer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/auth/logout", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_LockAfterRepeatedFailures(t *testing.T) {
	db := newTestDB(t)
	seedAdmin(t, db, false)
	store := newFakeRedis()
	router := newAuthRouter(t, db, store, nil)

	code, _ := login(t, router, "nobody", "whatever-123")
	assert.Equal(t, http.StatusUnauthorized, code)

	for i := 0; i < 3; i++ {
		code, _ := login(t, router, "admin", "wrong-password-1")
		assert.Equal(t, http.StatusUnauthorized, code)
	}
	assert.Equal(t, "1", store.values["lock:login:admin"])

	code, _ = login(t, router, "admin", adminPassword)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestAuthHandler_RateLimitPerHour(t *testing.T) {
	db := newTestDB(t)
	seedAdmin(t, db, false)
	router := newAuthRouter(t, db, newFakeRedis(), nil)

	for i := 0; i < 10; i++ {
		code, _ := login(t, router, "admin", adminPassword)
		require.Equal(t, http.StatusOK, code)
	}
	w := doJSON(t, router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"`+adminPassword+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAuthHandler_ChangePasswordUnlocksAdmin(t *testing.T) {
	db := newTestDB(t)
	seedAdmin(t, db, true)
	enqueuer := &fakeEnqueuer{}
	router := newAuthRouter(t, db, newFakeRedis(), enqueuer)

	code, tok := login(t, router, "admin", adminPassword)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, tok.MustChangePassword)
	oldBearer := "Bearer " + tok.AccessToken

	template := `{"slug":"swahili-coast","name":"Swahili Coast","body":"<html><body><h1>{{.Name}}</h1>{{template \"sections\" .}}</body></html>"}`
	w := doJSON(t, router, http.MethodPost, "/api/templates", template, "Authorization", oldBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"mismatch", `{"current_password":"bootstrap-2024","new_password":"harbour-view-9","confirm_password":"harbour-view-8"}`, http.StatusBadRequest},
		{"weak", `{"current_password":"bootstrap-2024","new_password":"short","confirm_password":"short"}`, http.StatusBadRequest},
		{"wrong current", `{"current_password":"nope-nope-1","new_password":"harbour-view-9","confirm_password":"harbour-view-9"}`, http.StatusUnauthorized},
		{"unchanged", `{"current_password":"bootstrap-2024","new_password":"bootstrap-2024","confirm_password":"bootstrap-2024"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := doJSON(t, router, http.MethodPost, "/api/auth/change-password", tc.body, "Authorization", oldBearer)
		assert.Equal(t, tc.code, w.Code, tc.name)
	}

	w = doJSON(t, router, http.MethodPost, "/api/auth/change-password",
		`{"current_password":"bootstrap-2024","new_password":"harbour-view-9","confirm_password":"harbour-view-9"}`,
		"Authorization", oldBearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fresh := decode[tokenResponse](t, w)
	assert.False(t, fresh.MustChangePassword)

	w = doJSON(t, router, http.MethodPost, "/api/templates", template, "Authorization", oldBearer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/templates", template, "Authorization", "Bearer "+fresh.AccessToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, enqueuer.tasks, 1)

	code, _ = login(t, router, "admin", "harbour-view-9")
	assert.Equal(t, http.StatusOK, code)
}
