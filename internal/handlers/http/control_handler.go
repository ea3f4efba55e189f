package http

import (
	"net/http"
	"strings"

	"voicebox/internal/core/ports"
	"voicebox/internal/core/services"
	"voicebox/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ControlHandler exposes the node's menu commands over HTTP.
type ControlHandler struct {
	node ports.NodeService
}

var _ ports.ControlHandler = (*ControlHandler)(nil)

func NewControlHandler(node ports.NodeService) *ControlHandler {
	return &ControlHandler{node: node}
}

func (h *ControlHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/node", h.GetNode)
	api.POST("/calls", h.Call)
	api.DELETE("/calls/:address", h.EndCall)
	api.GET("/mute", h.GetMute)
	api.POST("/mute", h.ToggleMute)
	api.POST("/messages", h.SendMessage)
	api.GET("/users/:username", h.SearchUser)
	api.GET("/connections", h.ListConnections)
}

type CallRequest struct {
	Username string `json:"username" binding:"required,max=32"`
}

type MessageRequest struct {
	Text   string `json:"text" binding:"required"`
	Target string `json:"target"`
}

func (h *ControlHandler) GetNode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"username": h.node.Username(),
		"address":  h.node.Address(),
		"muted":    h.node.Muted(),
	})
}

func (h *ControlHandler) Call(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("username is required"))
		return
	}

	address, err := h.node.Call(c.Request.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"username": req.Username,
		"address":  address,
	})
}

func (h *ControlHandler) EndCall(c *gin.Context) {
	address := c.Param("address")
	if err := h.node.EndCall(address); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ControlHandler) ToggleMute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"muted": h.node.ToggleMute()})
}

func (h *ControlHandler) GetMute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"muted": h.node.Muted()})
}

func (h *ControlHandler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("text is required"))
		return
	}

	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = services.BroadcastTarget
	}

	if err := h.node.SendMessage(c.Request.Context(), req.Text, target); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"target": target})
}

func (h *ControlHandler) SearchUser(c *gin.Context) {
	username := c.Param("username")
	address, err := h.node.Search(c.Request.Context(), username)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"address":  address,
	})
}

func (h *ControlHandler) ListConnections(c *gin.Context) {
	conns := h.node.Connections()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"count":       len(conns),
	})
}
