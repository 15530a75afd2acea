package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trustlink-chat/internal/auth"
	"trustlink-chat/internal/websocket"
)

type WebSocketHandler struct {
	sessions *websocket.Handler
	registry *websocket.Registry
	nodeID   string
}

func NewWebSocketHandler(sessions *websocket.Handler, distributor *websocket.Distributor) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		registry: distributor.Registry(),
		nodeID:   distributor.NodeID(),
	}
}

// @Summary Incident chat socket
// @Description Upgrade to a WebSocket for an incident's chat. Authentication failures close the socket with 1008, unknown incidents with 1011.
// @Tags websocket
// @Param incident_id path string true "Incident ID"
// @Param token query string false "Access token (or Authorization header / token cookie)"
// @Success 101 {string} string "Switching Protocols"
// @Router /ws/chat/{incident_id} [get]
func (h *WebSocketHandler) HandleIncidentSocket(c *gin.Context) {
	h.sessions.ServeIncident(c.Writer, c.Request, c.Param("incident_id"), auth.TokenFromRequest(c.Request))
}

// @Summary Monitor socket
// @Description Privileged keep-alive socket that also receives emergency broadcasts
// @Tags websocket
// @Param token query string false "Access token"
// @Success 101 {string} string "Switching Protocols"
// @Router /ws/monitor [get]
func (h *WebSocketHandler) HandleMonitorSocket(c *gin.Context) {
	h.sessions.ServeMonitor(c.Writer, c.Request, auth.TokenFromRequest(c.Request))
}

// OriginChecker accepts socket upgrades from the listed origins. An empty
// list or "*" accepts any origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return nil
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send an origin.
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

type WebSocketInfoResponse struct {
	NodeID                string              `json:"node_id"`
	TotalConnections      int                 `json:"total_connections"`
	UniqueUsers           int                 `json:"unique_users"`
	PrivilegedConnections int                 `json:"privileged_connections"`
	IncidentStats         map[string]int      `json:"incident_stats"`
	ActiveUsers           []WebSocketUserInfo `json:"active_users"`
	ServerTime            string              `json:"server_time"`
}

type WebSocketUserInfo struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
	IncidentID   string `json:"incident_id,omitempty"`
	ConnectedAt  string `json:"connected_at"`
	LastSeen     string `json:"last_seen"`
	Dropped      uint64 `json:"dropped"`
}

// @Summary Get WebSocket connection info
// @Description Connections held by this process. Other processes report their own.
// @Tags websocket
// @Security Bearer
// @Produce json
// @Success 200 {object} WebSocketInfoResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Forbidden"
// @Router /api/ws/info [get]
func (h *WebSocketHandler) GetConnectionInfo(c *gin.Context) {
	stats := h.registry.Stats()

	users := make([]WebSocketUserInfo, 0, stats.Connections)
	for _, client := range h.registry.Snapshot() {
		users = append(users, WebSocketUserInfo{
			ConnectionID: client.ID(),
			UserID:       client.UserID(),
			FullName:     client.FullName(),
			Role:         client.Role().String(),
			IncidentID:   client.IncidentID(),
			ConnectedAt:  client.ConnectedAt().UTC().Format(time.RFC3339),
			LastSeen:     client.LastSeen().UTC().Format(time.RFC3339),
			Dropped:      client.Dropped(),
		})
	}

	c.JSON(http.StatusOK, WebSocketInfoResponse{
		NodeID:                h.nodeID,
		TotalConnections:      stats.Connections,
		UniqueUsers:           stats.Users,
		PrivilegedConnections: stats.Privileged,
		IncidentStats:         stats.Incidents,
		ActiveUsers:           users,
		ServerTime:            time.Now().UTC().Format(time.RFC3339),
	})
}
