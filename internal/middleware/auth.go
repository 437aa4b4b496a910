// Package middleware 提供 HTTP 中间件
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// AuthHeader 认证头
	AuthHeader = "Authorization"
	// BearerPrefix Bearer 前缀
	BearerPrefix = "Bearer "
	// ContextKeyClaims 上下文中的 Claims 键
	ContextKeyClaims = "claims"
	// ContextKeyAdminID 上下文中的 AdminID 键
	ContextKeyAdminID = "admin_id"

	tokenIssuer = "eidos-escrow"
)

var (
	ErrAdminDisabled = errors.New("admin api disabled: jwt secret not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

// AdminClaims 管理员 Token 内容
type AdminClaims struct {
	AdminID string `json:"admin_id"`
	jwt.RegisteredClaims
}

// AdminAuth 管理接口 JWT 认证
type AdminAuth struct {
	secret []byte
}

// NewAdminAuth 创建认证器，secret 为空时所有管理接口拒绝访问
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret)}
}

// IssueToken 签发管理员 Token
func (a *AdminAuth) IssueToken(adminID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrAdminDisabled
	}
	now := time.Now()
	claims := &AdminClaims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   adminID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken 验证 Token
func (a *AdminAuth) ValidateToken(tokenString string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrAdminDisabled
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || claims.AdminID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Required 返回需要管理员认证的中间件
func (a *AdminAuth) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeader)
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "missing bearer token",
			})
			return
		}

		claims, err := a.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyAdminID, claims.AdminID)
		c.Next()
	}
}

// GetAdminID 从上下文获取管理员 ID
func GetAdminID(c *gin.Context) string {
	if id, exists := c.Get(ContextKeyAdminID); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
