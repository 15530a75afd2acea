package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"trustlink-chat/internal/audit"
	"trustlink-chat/internal/auth"
	"trustlink-chat/internal/autoreply"
	"trustlink-chat/internal/backplane"
	"trustlink-chat/internal/incident"
	"trustlink-chat/internal/message"
	"trustlink-chat/internal/metrics"
	"trustlink-chat/internal/storage"
	"trustlink-chat/internal/websocket"
	"trustlink-chat/pkg/chat"
)

type testServer struct {
	t           *testing.T
	deps        Deps
	engine      *gin.Engine
	http        *httptest.Server
	distributor *websocket.Distributor
	tokens      map[string]string // user id -> token
}

func newTestServer(t *testing.T, bp backplane.Backplane, nodeID string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Connect(":memory:")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, storage.SeedDemo(db, logger))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	authService := auth.NewAuthService(db, issuer)
	incidents := incident.NewIncidentService(db)
	messages := message.NewMessageService(db)
	auditService := audit.NewAuditService(db)

	distributor := websocket.NewDistributor(websocket.NewRegistry(logger), bp, nodeID, logger, m)
	distributor.Start()
	sessions := websocket.NewHandler(websocket.Deps{
		Auth:        authService,
		Incidents:   incidents,
		Messages:    messages,
		Classifier:  autoreply.NewDefault(),
		Audit:       auditService,
		Distributor: distributor,
		Logger:      logger,
		Metrics:     m,
	}, websocket.HandlerConfig{})

	deps := Deps{
		Auth:        authService,
		Incidents:   incidents,
		Messages:    messages,
		Audit:       auditService,
		Distributor: distributor,
		Sessions:    sessions,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger,
	}
	engine := NewEngine(NewRouter(deps))

	ts := &testServer{
		t:           t,
		deps:        deps,
		engine:      engine,
		http:        httptest.NewServer(engine),
		distributor: distributor,
		tokens:      map[string]string{},
	}
	for _, u := range []struct {
		id   string
		name string
		role chat.Role
	}{
		{storage.DemoCitizenID, "Demo Citizen", chat.RoleCitizen},
		{storage.DemoResponderID, "Demo Responder", chat.RoleResponder},
		{storage.DemoAdminID, "Demo Admin", chat.RoleAdmin},
	} {
		token, err := issuer.GenerateToken(chat.Identity{UserID: u.id, FullName: u.name, Role: u.role})
		require.NoError(t, err)
		ts.tokens[u.id] = token
	}

	other := chat.User{ID: "other-citizen", FullName: "Other", Role: chat.RoleCitizen, IsActive: true}
	require.NoError(t, db.Create(&other).Error)
	token, err := issuer.GenerateToken(chat.Identity{UserID: other.ID, Role: chat.RoleCitizen})
	require.NoError(t, err)
	ts.tokens[other.ID] = token

	t.Cleanup(func() {
		sessions.Shutdown(context.Background())
		ts.http.Close()
		distributor.Close()
	})
	return ts
}

func serve(handler http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// request performs an in-process REST call as userID.
func (ts *testServer) request(method, path, userID string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[userID])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

// dial opens a chat or monitor socket as userID.
func (ts *testServer) dial(path, userID string) *gws.Conn {
	ts.t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + path
	if userID != "" {
		url += "?token=" + ts.tokens[userID]
	}
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(ts.t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	ts.t.Cleanup(func() { conn.Close() })
	return conn
}

// waitConnections blocks until the registry holds n connections.
func (ts *testServer) waitConnections(n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.distributor.Registry().Len() == n
	}, 2*time.Second, 10*time.Millisecond)
}

// waitSubscribed blocks until this process listens on channel.
func (ts *testServer) waitSubscribed(channel string) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.distributor.Subscribed(channel)
	}, 2*time.Second, 10*time.Millisecond)
}

// readEvent returns the next event of type typ, skipping others.
func readEvent(t *testing.T, conn *gws.Conn, typ chat.EventType) chat.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		ev, err := chat.DecodeEvent(data)
		require.NoError(t, err)
		if ev.Type() == typ {
			return ev
		}
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func closeCode(t *testing.T, conn *gws.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gws.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
	}
}

