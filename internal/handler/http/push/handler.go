package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal-backend/internal/middleware"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/push"
	"callsignal-backend/pkg/response"
)

// Handler handles push notification token registration
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push notification handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/push/tokens", h.RegisterToken)
	rg.DELETE("/push/tokens/:token", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required"`
	Platform string         `json:"platform"` // ios, android, web
}

// RegisterToken registers a device to ring on incoming calls
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "token and type are required")
		return
	}
	if !req.Type.Valid() {
		response.ValidationError(c, "type must be fcm, apns or web")
		return
	}
	switch req.Platform {
	case "", "ios", "android", "web":
	default:
		response.ValidationError(c, "platform must be ios, android or web")
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		Platform: req.Platform,
	}
	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.FromContext(c.Request.Context()).Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	c.JSON(http.StatusCreated, gin.H{"registered": true})
}

// UnregisterToken removes a device token
// DELETE /v1/push/tokens/:token
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), userID, c.Param("token")); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	c.Status(http.StatusNoContent)
}
