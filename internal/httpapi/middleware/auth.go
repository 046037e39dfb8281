package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/auth"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
)

const (
	UserIDKey   = "user_id"
	TokenIDKey  = "token_id"
	TokenExpKey = "token_exp"

	TokenCookie = "token"
)

// RevocationChecker reports whether a token id was logged out.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

func extractToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if v, err := c.Cookie(TokenCookie); err == nil {
		return v
	}
	return ""
}

// authenticate returns false when the request carries no usable token.
func authenticate(c *gin.Context, secret string, revoked RevocationChecker) (bool, error) {
	tok := extractToken(c)
	if tok == "" {
		return false, nil
	}
	claims, err := auth.ParseJWT(tok, secret)
	if err != nil {
		return false, nil
	}
	if revoked != nil {
		gone, err := revoked.IsRevoked(c.Request.Context(), claims.TokenID)
		if err != nil {
			return false, err
		}
		if gone {
			return false, nil
		}
	}
	c.Set(UserIDKey, claims.UserID)
	c.Set(TokenIDKey, claims.TokenID)
	c.Set(TokenExpKey, claims.ExpiresAt)
	return true, nil
}

func AuthRequired(secret string, revoked RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := authenticate(c, secret, revoked)
		if err != nil {
			common.Abort(c, err)
			return
		}
		if !ok {
			common.Abort(c, common.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// OptionalAuth identifies the caller when possible and never rejects.
func OptionalAuth(secret string, revoked RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, _ = authenticate(c, secret, revoked)
		c.Next()
	}
}
