package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/ice"
	"callsignal-backend/pkg/response"
)

// Handler serves the call session endpoints. Success bodies are bare
// objects keyed by resource; errors use the standard envelope.
type Handler struct {
	callService *call.Service
	iceServers  []ice.Server
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service, iceServers []ice.Server) *Handler {
	return &Handler{
		callService: callService,
		iceServers:  iceServers,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.CreateCall)
	calls.GET("", h.CurrentCalls)
	calls.GET("/history", h.History)
	calls.GET("/ice-servers", h.ICEServers)
	calls.GET("/:id", h.GetCall)
	calls.PATCH("/:id", h.PatchCall)
	calls.DELETE("/:id", h.DeleteCall)
}

// CreateCallRequest represents call creation request
type CreateCallRequest struct {
	ReceiverID string          `json:"receiverId" binding:"required"`
	Type       domain.CallType `json:"type" binding:"required"`
}

// CreateCall starts a new call
// POST /v1/calls
func (h *Handler) CreateCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "receiverId and type are required")
		return
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "Invalid receiverId")
		return
	}

	session, err := h.callService.CreateCall(c.Request.Context(), userID, &call.CreateCallInput{
		ReceiverID: receiverID,
		Type:       req.Type,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"call": session})
}

// GetCall returns the full session snapshot
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, callID, ok := h.identify(c)
	if !ok {
		return
	}

	session, err := h.callService.GetCall(c.Request.Context(), userID, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": session})
}

// PatchCall applies one signaling action
// PATCH /v1/calls/:id
func (h *Handler) PatchCall(c *gin.Context) {
	userID, callID, ok := h.identify(c)
	if !ok {
		return
	}

	var patch domain.CallPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}
	if patch.Action == "" {
		response.Error(c, http.StatusBadRequest, "MISSING_FIELD", "action is required")
		return
	}

	session, err := h.callService.PatchCall(c.Request.Context(), userID, callID, &patch)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": session})
}

// DeleteCall hangs up, cancels or declines depending on status and role
// DELETE /v1/calls/:id
func (h *Handler) DeleteCall(c *gin.Context) {
	userID, callID, ok := h.identify(c)
	if !ok {
		return
	}

	session, err := h.callService.DeleteCall(c.Request.Context(), userID, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": session})
}

// CurrentCalls reports a ringing incoming call and the active call, if any
// GET /v1/calls
func (h *Handler) CurrentCalls(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	current, err := h.callService.Current(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, current)
}

// History lists the user's calls, newest first
// GET /v1/calls/history?filter=all|sent|received|missed&limit=50
func (h *Handler) History(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	filter, err := call.ParseHistoryFilter(c.Query("filter"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.ValidationError(c, "limit must be a positive integer")
			return
		}
	}

	entries, err := h.callService.History(c.Request.Context(), userID, filter, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"calls": entries})
}

// ICEServers returns the static STUN/TURN configuration
// GET /v1/calls/ice-servers
func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.iceServers})
}

// identify reads the authenticated user and the :id parameter, writing the
// error response itself when either is missing
func (h *Handler) identify(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, uuid.Nil, false
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}

	return userID, callID, true
}
