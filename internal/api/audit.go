package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	a "trustlink-chat/internal/audit"
)

type AuditHandlers struct {
	service *a.AuditService
}

func NewAuditHandlers(service *a.AuditService) *AuditHandlers {
	return &AuditHandlers{service: service}
}

type AuditLogResponse struct {
	ID          uint                   `json:"id" example:"1"`
	Action      string                 `json:"action" example:"SESSION_REJECTED"`
	ActorID     string                 `json:"actor_id" example:"abc12345"`
	IncidentID  *string                `json:"incident_id" example:"xyz123"`
	Description string                 `json:"description" example:"Rejected websocket session"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   string                 `json:"created_at" example:"2023-01-01T00:00:00Z"`
}

type AuditLogsResponse struct {
	Logs  []AuditLogResponse `json:"logs"`
	Total int64              `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

// GetAuditLogsHandler lists audit logs
// @Summary Get audit logs
// @Description Filterable audit trail of session rejections, emergencies and read receipts (admins only)
// @Tags Audit Logs
// @Produce json
// @Security Bearer
// @Param incident_id query string false "Filter by incident"
// @Param actor_id query string false "Filter by actor"
// @Param action query string false "Filter by action"
// @Param page query int false "Page number (default: 1)"
// @Param limit query int false "Logs per page (default: 50, max: 100)"
// @Success 200 {object} AuditLogsResponse
// @Failure 403 {object} ErrorResponse "Forbidden"
// @Router /api/audit [get]
func (h *AuditHandlers) GetAuditLogsHandler(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	var filter a.Filter
	if v := c.Query("incident_id"); v != "" {
		filter.IncidentID = &v
	}
	if v := c.Query("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := c.Query("action"); v != "" {
		filter.Action = &v
	}

	logs, total, err := h.service.GetAuditLogs(c.Request.Context(), filter, limit, (page-1)*limit)
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	response := AuditLogsResponse{
		Logs:  make([]AuditLogResponse, 0, len(logs)),
		Total: total,
		Page:  page,
		Limit: limit,
	}
	for _, log := range logs {
		var metadata map[string]interface{}
		if log.Metadata != "" {
			_ = json.Unmarshal([]byte(log.Metadata), &metadata)
		}
		response.Logs = append(response.Logs, AuditLogResponse{
			ID:          log.ID,
			Action:      log.Action,
			ActorID:     log.ActorID,
			IncidentID:  log.IncidentID,
			Description: log.Description,
			Metadata:    metadata,
			CreatedAt:   log.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	c.JSON(http.StatusOK, response)
}
