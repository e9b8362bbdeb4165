package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"jobmatch-backend/internal/shared/auth"
)

func TestAuthAllowsOptionsWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth("dev"))
	router.OPTIONS("/api/v1/services/current", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/services/current", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := auth.SignJWT(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	router := gin.New()
	router.Use(Auth("production"))
	var (
		seen  string
		guest bool
		keys  int
	)
	router.GET("/api/v1/services/x", func(c *gin.Context) {
		seen = UserIDFromContext(c)
		guest = c.GetBool(isGuestKey)
		keys = len(c.Keys)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/services/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK || seen != "user-1" {
		t.Fatalf("expected 200 for user-1, got %d %q", resp.Code, seen)
	}
	if guest || keys != 2 {
		t.Fatalf("expected only user id and guest flag in context, got guest=%v keys=%d", guest, keys)
	}
}

func TestAuthGuestsOnlyOutsideProduction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for env, want := range map[string]int{"dev": http.StatusOK, "production": http.StatusUnauthorized} {
		router := gin.New()
		router.Use(Auth(env))
		router.GET("/api/v1/services/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/api/v1/services/x", nil)
		req.Header.Set("X-Guest-Id", "g1")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("env %s: expected %d, got %d", env, want, resp.Code)
		}
	}
}

func TestAuthSkipsPublicPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth("production"))
	router.GET("/api/v1/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
