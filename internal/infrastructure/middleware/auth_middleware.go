package middleware

import (
	"strings"

	"voicebox/internal/core/services"
	"voicebox/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ContextUsernameKey holds the authenticated username on the gin context.
const ContextUsernameKey = "username"

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			// the websocket client cannot set headers from a browser
			token = c.Query("access_token")
		}
		if token == "" {
			abortWithError(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(ContextUsernameKey, claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
