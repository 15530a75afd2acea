package api

import (
	"net/http"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlink-chat/internal/backplane"
	"trustlink-chat/internal/storage"
	"trustlink-chat/pkg/chat"
)

func TestIncidentSocket_Rejections(t *testing.T) {
	ts := newTestServer(t, nil, "node-a")

	tests := []struct {
		name     string
		path     string
		userID   string
		wantCode int
	}{
		{"no token", "/ws/chat/" + storage.DemoIncidentID, "", gws.ClosePolicyViolation},
		{"not the owner", "/ws/chat/" + storage.DemoIncidentID, "other-citizen", gws.ClosePolicyViolation},
		{"unknown incident", "/ws/chat/missing", storage.DemoCitizenID, gws.CloseInternalServerErr},
		{"citizen on monitor", "/ws/monitor", storage.DemoCitizenID, gws.ClosePolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := ts.dial(tt.path, tt.userID)
			assert.Equal(t, tt.wantCode, closeCode(t, conn))
		})
	}
	assert.Equal(t, 0, ts.distributor.Registry().Len())

	w := ts.request(http.MethodGet, "/api/audit?action=SESSION_REJECTED", storage.DemoAdminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(len(tests)), decode[AuditLogsResponse](t, w).Total)
}

func TestIncidentSocket_Conversation(t *testing.T) {
	ts := newTestServer(t, nil, "node-a")

	citizen := ts.dial("/ws/chat/"+storage.DemoIncidentID, storage.DemoCitizenID)
	ts.waitConnections(1)
	responder := ts.dial("/ws/chat/"+storage.DemoIncidentID, storage.DemoResponderID)

	online := readEvent(t, citizen, chat.EventUserStatus).Payload().(chat.UserStatus)
	assert.Equal(t, storage.DemoResponderID, online.UserID)
	assert.Equal(t, chat.StatusOnline, online.Status)

	require.NoError(t, citizen.WriteJSON(chat.InboundFrame{Type: chat.FrameTyping, IsTyping: true}))
	typing := readEvent(t, responder, chat.EventTyping).Payload().(chat.Typing)
	assert.Equal(t, storage.DemoCitizenID, typing.UserID)
	assert.True(t, typing.IsTyping)

	require.NoError(t, citizen.WriteJSON(chat.InboundFrame{Type: chat.FrameMessage, Content: "they have a knife"}))
	for _, conn := range []*gws.Conn{citizen, responder} {
		msg := readEvent(t, conn, chat.EventNewMessage).Payload().(chat.NewMessage)
		assert.Equal(t, "they have a knife", msg.Content)
		assert.Equal(t, storage.DemoCitizenID, msg.SenderID)

		reply := readEvent(t, conn, chat.EventNewMessage).Payload().(chat.NewMessage)
		assert.True(t, reply.IsSystemMessage)
		assert.Contains(t, reply.Content, "responder has been alerted")
	}

	w := ts.request(http.MethodGet, "/api/chat/incidents/"+storage.DemoIncidentID+"/messages", storage.DemoCitizenID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[MessagesResponse](t, w).Total)

	require.NoError(t, responder.Close())
	offline := readEvent(t, citizen, chat.EventUserStatus).Payload().(chat.UserStatus)
	assert.Equal(t, storage.DemoResponderID, offline.UserID)
	assert.Equal(t, chat.StatusOffline, offline.Status)
	ts.waitConnections(1)
}

func TestIncidentSocket_AcrossNodes(t *testing.T) {
	bus := backplane.NewBus()
	t.Cleanup(func() { bus.Close() })
	a := newTestServer(t, bus, "node-a")
	b := newTestServer(t, bus, "node-b")

	citizen := a.dial("/ws/chat/"+storage.DemoIncidentID, storage.DemoCitizenID)
	responder := b.dial("/ws/chat/"+storage.DemoIncidentID, storage.DemoResponderID)
	a.waitSubscribed(chat.IncidentChannel(storage.DemoIncidentID))
	b.waitSubscribed(chat.IncidentChannel(storage.DemoIncidentID))

	require.NoError(t, responder.WriteJSON(chat.InboundFrame{Type: chat.FrameMessage, Content: "two minutes out"}))

	msg := readEvent(t, citizen, chat.EventNewMessage).Payload().(chat.NewMessage)
	assert.Equal(t, "two minutes out", msg.Content)
	assert.Equal(t, storage.DemoResponderID, msg.SenderID)

	// The sender's own copy arrives once, from its local node.
	own := readEvent(t, responder, chat.EventNewMessage).Payload().(chat.NewMessage)
	assert.Equal(t, msg.ID, own.ID)
	require.NoError(t, responder.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		_, data, err := responder.ReadMessage()
		if err != nil {
			break
		}
		ev, err := chat.DecodeEvent(data)
		require.NoError(t, err)
		assert.NotEqual(t, chat.EventNewMessage, ev.Type(), "duplicate delivery")
	}
}

func TestMonitorSocket_Ping(t *testing.T) {
	ts := newTestServer(t, nil, "node-a")

	conn := ts.dial("/ws/monitor", storage.DemoResponderID)
	ts.waitConnections(1)

	require.NoError(t, conn.WriteJSON(chat.InboundFrame{Type: chat.FramePing}))
	pong := readEvent(t, conn, chat.EventPong).Payload().(chat.Pong)
	assert.WithinDuration(t, time.Now(), pong.Timestamp, 5*time.Second)
}

func TestGetConnectionInfo(t *testing.T) {
	ts := newTestServer(t, nil, "node-a")

	ts.dial("/ws/chat/"+storage.DemoIncidentID, storage.DemoCitizenID)
	ts.waitConnections(1)
	ts.dial("/ws/monitor", storage.DemoResponderID)
	ts.waitConnections(2)

	t.Run("citizen is forbidden", func(t *testing.T) {
		w := ts.request(http.MethodGet, "/api/ws/info", storage.DemoCitizenID, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("responder sees local connections", func(t *testing.T) {
		w := ts.request(http.MethodGet, "/api/ws/info", storage.DemoResponderID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		info := decode[WebSocketInfoResponse](t, w)
		assert.Equal(t, "node-a", info.NodeID)
		assert.Equal(t, 2, info.TotalConnections)
		assert.Equal(t, 2, info.UniqueUsers)
		assert.Equal(t, 1, info.PrivilegedConnections)
		assert.Equal(t, map[string]int{storage.DemoIncidentID: 1}, info.IncidentStats)
		require.Len(t, info.ActiveUsers, 2)
		assert.Equal(t, storage.DemoCitizenID, info.ActiveUsers[0].UserID)
		assert.Equal(t, "Demo Citizen", info.ActiveUsers[0].FullName)
		assert.Equal(t, storage.DemoIncidentID, info.ActiveUsers[0].IncidentID)
		assert.Zero(t, info.ActiveUsers[0].Dropped)
		assert.Equal(t, "Demo Responder", info.ActiveUsers[1].FullName)
		assert.Empty(t, info.ActiveUsers[1].IncidentID)
	})
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, OriginChecker(nil))
	assert.Nil(t, OriginChecker([]string{"https://a.example", "*"}))

	check := OriginChecker([]string{" https://App.example/ ", ""})
	require.NotNil(t, check)

	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/ws/monitor", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("https://app.example")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example")))
}
