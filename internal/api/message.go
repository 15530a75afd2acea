package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	a "trustlink-chat/internal/audit"
	"trustlink-chat/internal/auth"
	i "trustlink-chat/internal/incident"
	m "trustlink-chat/internal/message"
	"trustlink-chat/internal/websocket"
	"trustlink-chat/pkg/chat"
)

type MessageHandlers struct {
	messages    *m.MessageService
	incidents   *i.IncidentService
	audit       *a.AuditService
	distributor *websocket.Distributor
	logger      *slog.Logger
}

func NewMessageHandlers(messages *m.MessageService, incidents *i.IncidentService, audit *a.AuditService, distributor *websocket.Distributor, logger *slog.Logger) *MessageHandlers {
	return &MessageHandlers{
		messages:    messages,
		incidents:   incidents,
		audit:       audit,
		distributor: distributor,
		logger:      logger.With("component", "api"),
	}
}

type CreateMessageRequest struct {
	Content    string `json:"content" binding:"required,max=4000" example:"Is anyone on the way?"`
	IncidentID string `json:"incident_id" binding:"required" example:"Xk2pQ9aZ"`
}

type EmergencyRequest struct {
	Content string `json:"content" binding:"required,max=4000" example:"Shots fired near the station"`
}

type MessageInfo struct {
	ID              string  `json:"id"`
	Content         string  `json:"content"`
	SenderID        string  `json:"sender_id"`
	IncidentID      *string `json:"incident_id"`
	SentAt          string  `json:"sent_at"`
	IsRead          bool    `json:"is_read"`
	IsEmergency     bool    `json:"is_emergency"`
	IsSystemMessage bool    `json:"is_system_message"`
}

type MessagesResponse struct {
	Messages []MessageInfo `json:"messages"`
	HasMore  bool          `json:"has_more"`
	Total    int64         `json:"total"`
}

func toMessageInfo(msg *chat.ChatMessage) MessageInfo {
	return MessageInfo{
		ID:              msg.ID,
		Content:         msg.Content,
		SenderID:        msg.SenderID,
		IncidentID:      msg.IncidentID,
		SentAt:          msg.SentAt.UTC().Format(time.RFC3339),
		IsRead:          msg.IsRead,
		IsEmergency:     msg.IsEmergency,
		IsSystemMessage: msg.IsSystemMessage,
	}
}

// authorizeIncident loads the incident and checks that identity may see it.
func (h *MessageHandlers) authorizeIncident(ctx context.Context, identity chat.Identity, incidentID string) error {
	incident, err := h.incidents.Get(ctx, incidentID)
	if err != nil {
		return err
	}
	if !identity.CanAccessIncident(incident.OwnerID) {
		return fmt.Errorf("%w: incident %s", chat.ErrAuthorization, incidentID)
	}
	return nil
}

func accessMessage(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "Incident not found"
	case http.StatusForbidden:
		return "Not enough permissions"
	}
	return ""
}

// CreateMessageHandler stores a chat message and broadcasts it to the incident
// @Summary Send a chat message
// @Tags Chat
// @Accept json
// @Produce json
// @Security Bearer
// @Param request body CreateMessageRequest true "Message"
// @Success 201 {object} MessageInfo
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 403 {object} ErrorResponse "Not enough permissions"
// @Failure 404 {object} ErrorResponse "Incident not found"
// @Router /api/chat/messages [post]
func (h *MessageHandlers) CreateMessageHandler(c *gin.Context) {
	identity, _ := auth.IdentityFrom(c)

	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Content cannot be empty"})
		return
	}

	ctx := c.Request.Context()
	if err := h.authorizeIncident(ctx, identity, req.IncidentID); err != nil {
		abortWithError(c, err, accessMessage(err))
		return
	}

	msg, err := h.messages.Create(ctx, chat.MessageDraft{
		Content:    content,
		SenderID:   identity.UserID,
		IncidentID: &req.IncidentID,
	})
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	h.distributor.BroadcastToIncident(ctx, req.IncidentID, chat.NewMessageEvent(msg), nil)
	c.JSON(http.StatusCreated, toMessageInfo(msg))
}

// CreateEmergencyHandler stores an emergency message and alerts every responder
// @Summary Raise an emergency
// @Description Emergency messages are not tied to an incident and go to all privileged users
// @Tags Chat
// @Accept json
// @Produce json
// @Security Bearer
// @Param request body EmergencyRequest true "Emergency"
// @Success 201 {object} MessageInfo
// @Failure 400 {object} ErrorResponse "Bad request"
// @Router /api/chat/emergency [post]
func (h *MessageHandlers) CreateEmergencyHandler(c *gin.Context) {
	identity, _ := auth.IdentityFrom(c)

	var req EmergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	msg, err := h.messages.Create(ctx, chat.MessageDraft{
		Content:     strings.TrimSpace(req.Content),
		SenderID:    identity.UserID,
		IsEmergency: true,
	})
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	if err := h.audit.LogEmergency(ctx, identity.UserID, msg.ID); err != nil {
		h.logger.Warn("failed to record emergency", "message_id", msg.ID, "error", err)
	}
	h.distributor.BroadcastToPrivileged(ctx, chat.EmergencyEvent(msg, identity.FullName))
	c.JSON(http.StatusCreated, toMessageInfo(msg))
}

// GetIncidentMessagesHandler retrieves message history for an incident
// @Summary Get incident message history
// @Description Messages are ordered by sent_at. Messages from other users are marked as read.
// @Tags Chat
// @Produce json
// @Security Bearer
// @Param id path string true "Incident ID"
// @Param limit query int false "Number of messages to retrieve (default: 50, max: 200)"
// @Param skip query int false "Number of messages to skip (default: 0)"
// @Param q query string false "Only messages containing this text, newest first"
// @Success 200 {object} MessagesResponse
// @Failure 403 {object} ErrorResponse "Not enough permissions"
// @Failure 404 {object} ErrorResponse "Incident not found"
// @Router /api/chat/incidents/{id}/messages [get]
func (h *MessageHandlers) GetIncidentMessagesHandler(c *gin.Context) {
	identity, _ := auth.IdentityFrom(c)
	incidentID := c.Param("id")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(m.DefaultLimit)))
	if err != nil || limit <= 0 {
		limit = m.DefaultLimit
	}
	if limit > m.MaxLimit {
		limit = m.MaxLimit
	}
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		skip = 0
	}

	ctx := c.Request.Context()
	if err := h.authorizeIncident(ctx, identity, incidentID); err != nil {
		abortWithError(c, err, accessMessage(err))
		return
	}

	if q := c.Query("q"); q != "" {
		h.searchIncident(c, incidentID, q, limit)
		return
	}

	messages, total, err := h.messages.List(ctx, incidentID, limit, skip)
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	n, err := h.messages.MarkIncidentRead(ctx, incidentID, identity.UserID)
	if err != nil {
		h.logger.Warn("failed to mark messages as read", "incident_id", incidentID, "error", err)
	} else if n > 0 {
		if err := h.audit.LogIncidentRead(ctx, identity.UserID, incidentID, n); err != nil {
			h.logger.Warn("failed to record read receipt", "incident_id", incidentID, "error", err)
		}
	}

	response := MessagesResponse{
		Messages: make([]MessageInfo, 0, len(messages)),
		Total:    total,
		HasMore:  int64(skip+limit) < total,
	}
	for idx := range messages {
		response.Messages = append(response.Messages, toMessageInfo(&messages[idx]))
	}

	c.JSON(http.StatusOK, response)
}

// searchIncident answers a history request that carries a search term.
// Search results do not mark anything as read.
func (h *MessageHandlers) searchIncident(c *gin.Context, incidentID, query string, limit int) {
	messages, total, err := h.messages.Search(c.Request.Context(), incidentID, query, limit)
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	response := MessagesResponse{
		Messages: make([]MessageInfo, 0, len(messages)),
		Total:    total,
		HasMore:  int64(len(messages)) < total,
	}
	for idx := range messages {
		response.Messages = append(response.Messages, toMessageInfo(&messages[idx]))
	}
	c.JSON(http.StatusOK, response)
}

// MarkReadHandler marks a message as read and notifies its sender
// @Summary Mark a message as read
// @Tags Chat
// @Produce json
// @Security Bearer
// @Param id path string true "Message ID"
// @Success 200 {object} MessageInfo
// @Failure 403 {object} ErrorResponse "Not enough permissions"
// @Failure 404 {object} ErrorResponse "Message not found"
// @Router /api/chat/messages/{id} [put]
func (h *MessageHandlers) MarkReadHandler(c *gin.Context) {
	identity, _ := auth.IdentityFrom(c)
	ctx := c.Request.Context()

	msg, err := h.messages.Get(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err, "Message not found")
		return
	}

	if msg.SenderID == identity.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "User cannot mark their own messages as read"})
		return
	}

	if msg.IncidentID != nil {
		if err := h.authorizeIncident(ctx, identity, *msg.IncidentID); err != nil {
			abortWithError(c, err, accessMessage(err))
			return
		}
	} else if !identity.Role.Can(chat.CapReceiveEmergency) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Not enough permissions"})
		return
	}

	msg, err = h.messages.MarkRead(ctx, msg.ID)
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	if err := h.audit.LogMessageRead(ctx, identity.UserID, msg); err != nil {
		h.logger.Warn("failed to record read receipt", "message_id", msg.ID, "error", err)
	}
	h.distributor.SendToUser(ctx, msg.SenderID, chat.NewEvent(chat.MessageRead{MessageID: msg.ID, ReadBy: identity.UserID}))

	c.JSON(http.StatusOK, toMessageInfo(msg))
}
