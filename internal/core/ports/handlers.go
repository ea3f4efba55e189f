package ports

import (
	"context"

	"voicebox/internal/core/domain"

	"github.com/gin-gonic/gin"
)

type ControlHandler interface {
	Call(c *gin.Context)
	EndCall(c *gin.Context)
	ToggleMute(c *gin.Context)
	GetMute(c *gin.Context)
	SendMessage(c *gin.Context)
	SearchUser(c *gin.Context)
	ListConnections(c *gin.Context)
}

// NodeService is the surface the control API and the CLI drive.
type NodeService interface {
	Username() string
	Address() string
	Register(ctx context.Context) error
	Call(ctx context.Context, username string) (string, error)
	EndCall(address string) error
	ToggleMute() bool
	Muted() bool
	SendMessage(ctx context.Context, text, target string) error
	Search(ctx context.Context, username string) (string, error)
	Connections() []domain.ConnectionInfo
}
