package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndVerify(t *testing.T) {
	token, err := GenerateToken(42, "alice", time.Hour, secret)
	require.NoError(t, err)

	id, err := NewVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Username: "alice"}, id)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(secret)

	// GenerateToken 对 ttl<=0 使用默认值，这里手工签一个过期令牌
	claims := &Claims{UserID: "1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredJWT)

	wrongKey, err := GenerateToken(1, "a", time.Hour, "other-secret")
	require.NoError(t, err)
	_, err = v.Verify(wrongKey)
	assert.ErrorIs(t, err, ErrInvalidJWT)

	nonNumeric, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "abc"}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = v.Verify(nonNumeric)
	assert.ErrorIs(t, err, ErrInvalidJWT)

	_, err = v.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "7"},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	id, err := NewVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	_, err := TokenFromRequest(r, false)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	token, err := TokenFromRequest(r, true)
	require.NoError(t, err)
	assert.Equal(t, "q", token)

	r.Header.Set("Authorization", "Bearer h")
	token, err = TokenFromRequest(r, true)
	require.NoError(t, err)
	assert.Equal(t, "h", token)

	r.Header.Set("Authorization", "Basic xyz")
	_, err = TokenFromRequest(r, true)
	assert.ErrorIs(t, err, ErrInvalidJWT)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var hooked Identity
	router := gin.New()
	router.Use(Middleware(NewVerifier(secret), func(ctx context.Context, id Identity) { hooked = id }))
	router.GET("/me", func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"authentication required"}`, w.Body.String())

	token, err := GenerateToken(3, "carol", time.Hour, secret)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":3}`, w.Body.String())
	assert.Equal(t, Identity{UserID: 3, Username: "carol"}, hooked)
}
