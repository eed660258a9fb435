// Package auth 校验外部签发的 bearer 令牌（HS256），把请求绑定到一个数字 user id。
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT      = errors.New("invalid JWT token")
	ErrExpiredJWT      = errors.New("JWT token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// Claims 令牌声明。user id 取 user_id，缺省时取 sub。
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity 已认证的调用方
type Identity struct {
	UserID   int64
	Username string
}

// Verifier 令牌校验器
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// GenerateToken 签发令牌。服务本身不签发凭证，只供 CLI 与测试使用。
func GenerateToken(userID int64, username string, ttl time.Duration, secret string) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		UserID:   strconv.FormatInt(userID, 10),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify 校验令牌并解析出调用方
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 固定 HMAC，防止算法混淆
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredJWT
		}
		return Identity{}, ErrInvalidJWT
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidJWT
	}

	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, ErrInvalidJWT
	}
	return Identity{UserID: id, Username: strings.TrimSpace(claims.Username)}, nil
}

// TokenFromRequest 从 Authorization 头取 bearer 令牌；allowQuery 时也接受 ?token=（浏览器 WebSocket 无法设置头）
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", ErrInvalidJWT
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", ErrUnauthenticated
}

// VerifyRequest 取令牌并校验
func (v *Verifier) VerifyRequest(r *http.Request, allowQuery bool) (Identity, error) {
	token, err := TokenFromRequest(r, allowQuery)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(token)
}
