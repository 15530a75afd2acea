package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlink-chat/internal/storage"
)

func TestGetAuditLogsHandler(t *testing.T) {
	ts := newTestServer(t, nil, "node-a")

	for _, userID := range []string{storage.DemoCitizenID, storage.DemoResponderID, storage.DemoCitizenID} {
		w := ts.request(http.MethodPost, "/api/chat/emergency", userID, EmergencyRequest{Content: "alarm"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	t.Run("admin pages through logs", func(t *testing.T) {
		w := ts.request(http.MethodGet, "/api/audit?limit=2&page=2", storage.DemoAdminID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[AuditLogsResponse](t, w)
		assert.Equal(t, int64(3), resp.Total)
		assert.Equal(t, 2, resp.Page)
		assert.Equal(t, 2, resp.Limit)
		require.Len(t, resp.Logs, 1)
		assert.Equal(t, "EMERGENCY_RAISED", resp.Logs[0].Action)
		assert.NotEmpty(t, resp.Logs[0].Metadata["message_id"])
	})

	t.Run("filter by actor", func(t *testing.T) {
		w := ts.request(http.MethodGet, "/api/audit?actor_id="+storage.DemoCitizenID, storage.DemoAdminID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(2), decode[AuditLogsResponse](t, w).Total)
	})

	t.Run("responder is forbidden", func(t *testing.T) {
		w := ts.request(http.MethodGet, "/api/audit", storage.DemoResponderID, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
