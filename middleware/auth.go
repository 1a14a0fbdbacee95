package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/utils"
)

const (
	// ContextUserIDKey is the key used to store authenticated user ID in Gin context.
	ContextUserIDKey = "user_id"
	// ContextUsernameKey stores the username inside Gin context.
	ContextUsernameKey = "username"
	// ContextTokenKey holds the raw bearer token of the request.
	ContextTokenKey = "token"
	// ContextTokenExpiryKey holds the token's expiration time when it carries one.
	ContextTokenExpiryKey = "token_expires_at"
)

// AuthRequired ensures the request is authenticated via JWT.
func AuthRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		status, code, msg := authenticate(ctx)
		if code != 0 {
			utils.Error(ctx, status, code, msg)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// AuthOptional attaches the identity when a valid token is present and lets anonymous
// requests through. Handlers decide what guests may see.
func AuthOptional() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetHeader("Authorization") != "" {
			_, _, _ = authenticate(ctx)
		}
		ctx.Next()
	}
}

// AdminRequired must follow AuthRequired; it admits configured staff usernames only.
func AdminRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		username := ctx.GetString(ContextUsernameKey)
		if username == "" || !config.IsAdminUsername(username) {
			utils.Error(ctx, http.StatusForbidden, 40301, "admin privileges required")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// authenticate validates the bearer token and stores the identity in ctx. A zero code
// means success.
func authenticate(ctx *gin.Context) (int, int, string) {
	authHeader := ctx.GetHeader("Authorization")
	if authHeader == "" {
		return http.StatusUnauthorized, 40101, "authorization header missing"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return http.StatusUnauthorized, 40102, "invalid authorization header format"
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return http.StatusUnauthorized, 40103, "empty bearer token"
	}

	if utils.IsTokenBlacklisted(tokenString) {
		return http.StatusUnauthorized, 40104, "token revoked"
	}

	claims, err := utils.ParseToken(tokenString)
	if err != nil {
		return http.StatusUnauthorized, 40105, "invalid token"
	}

	ctx.Set(ContextUserIDKey, claims.UserID)
	ctx.Set(ContextUsernameKey, claims.Username)
	ctx.Set(ContextTokenKey, tokenString)
	if claims.ExpiresAt != nil {
		ctx.Set(ContextTokenExpiryKey, claims.ExpiresAt.Time)
	}
	return 0, 0, ""
}
