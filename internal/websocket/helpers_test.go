package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"trustlink-chat/internal/backplane"
	"trustlink-chat/internal/metrics"
	"trustlink-chat/pkg/chat"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory Conn. Frames pushed to in are returned by
// ReadMessage; text frames written by the server arrive on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	closeCode int
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.out <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) SetReadLimit(int64)                {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (r *Registry) lookup(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// send queues a client frame.
func (f *fakeConn) send(frame string) {
	f.in <- []byte(frame)
}

// hangUp simulates the peer closing the socket.
func (f *fakeConn) hangUp() {
	close(f.in)
}

// expectEvent returns the next written event of type typ, skipping others.
func expectEvent(t *testing.T, f *fakeConn, typ chat.EventType) chat.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.out:
			ev, err := chat.DecodeEvent(b)
			require.NoError(t, err)
			if ev.Type() == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", typ)
			return chat.Event{}
		}
	}
}

// assertNoEvent fails if an event of type typ is written within d.
func assertNoEvent(t *testing.T, f *fakeConn, typ chat.EventType, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case b := <-f.out:
			ev, err := chat.DecodeEvent(b)
			require.NoError(t, err)
			if ev.Type() == typ {
				t.Fatalf("unexpected %s event: %s", typ, b)
			}
		case <-timeout:
			return
		}
	}
}

// queued pops the next frame queued on a client whose write pump is not
// running.
func queued(t *testing.T, c *Client) chat.Event {
	t.Helper()
	select {
	case b := <-c.send:
		ev, err := chat.DecodeEvent(b)
		require.NoError(t, err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing queued for %s", c.userID)
		return chat.Event{}
	}
}

func assertNothingQueued(t *testing.T, c *Client, d time.Duration) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.userID, b)
	case <-time.After(d):
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDistributor(bp backplane.Backplane, nodeID string) *Distributor {
	registry := NewRegistry(testLogger())
	return NewDistributor(registry, bp, nodeID, testLogger(), metrics.New(prometheus.NewRegistry()))
}

func newTestClient(userID string, role chat.Role, incidentID string) *Client {
	return NewClient(newFakeConn(), chat.Identity{UserID: userID, Role: role}, incidentID, ClientOptions{QueueSize: 64})
}

type staticAuth map[string]chat.Identity

func (a staticAuth) Resolve(_ context.Context, token string) (chat.Identity, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return chat.Identity{}, fmt.Errorf("%w: invalid token", chat.ErrAuthentication)
}

type memIncidents struct {
	incidents map[string]*chat.Incident
	err       error
}

func (m *memIncidents) Get(_ context.Context, id string) (*chat.Incident, error) {
	if m.err != nil {
		return nil, m.err
	}
	if inc, ok := m.incidents[id]; ok {
		return inc, nil
	}
	return nil, fmt.Errorf("incident %s: %w", id, chat.ErrNotFound)
}

type memMessages struct {
	mu       sync.Mutex
	messages []*chat.ChatMessage
	fail     bool
	seq      int
}

func (m *memMessages) Create(_ context.Context, draft chat.MessageDraft) (*chat.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("%w: disk full", chat.ErrPersistence)
	}
	m.seq++
	msg := &chat.ChatMessage{
		ID:              fmt.Sprintf("m%d", m.seq),
		Content:         draft.Content,
		SenderID:        draft.SenderID,
		IncidentID:      draft.IncidentID,
		SentAt:          time.Now().UTC(),
		IsEmergency:     draft.IsEmergency,
		IsSystemMessage: draft.IsSystemMessage,
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memMessages) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *memMessages) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

type recordingAudit struct {
	mu       sync.Mutex
	rejected []string
	monitors []string
}

func (a *recordingAudit) LogSessionRejected(_ context.Context, actorID, incidentID, reason string, closeCode int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, fmt.Sprintf("%s/%s/%d", actorID, incidentID, closeCode))
	return nil
}

func (a *recordingAudit) LogMonitorOpened(_ context.Context, actorID string, _ chat.Role) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.monitors = append(a.monitors, actorID)
	return nil
}

func (a *recordingAudit) Rejected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.rejected...)
}

type fixedReply string

func (r fixedReply) Reply(content string) (string, bool) {
	if content == "help" {
		return string(r), true
	}
	return "", false
}

func (a *recordingAudit) Monitors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.monitors...)
}
