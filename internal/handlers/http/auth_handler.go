package http

import (
	"net/http"
	"time"

	"voicebox/internal/core/services"
	"voicebox/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

// AuthHandler renews control API tokens. The first token is printed by
// the node at startup.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

// SetupRoutes registers on a group already guarded by AuthMiddleware.
func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/auth/refresh", h.RefreshToken)
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	username := c.GetString(middleware.ContextUsernameKey)

	token, err := h.authService.GenerateToken(username)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
