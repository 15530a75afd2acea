package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trustlink-chat/pkg/chat"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	defaultQueueSize = 256
)

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// SlowConsumerPolicy decides what happens when a client's send queue is full.
type SlowConsumerPolicy int

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest SlowConsumerPolicy = iota
	// Disconnect closes the connection.
	Disconnect
)

func ParseSlowConsumerPolicy(s string) (SlowConsumerPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return DropOldest, fmt.Errorf("unknown slow consumer policy %q", s)
}

func (p SlowConsumerPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

type ClientOptions struct {
	QueueSize    int
	Policy       SlowConsumerPolicy
	WriteTimeout time.Duration
	PingPeriod   time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = writeWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = pingPeriod
	}
	return o
}

// Client is one open socket. Frames are queued by Send and written by
// WritePump, which is the only writer of the connection.
type Client struct {
	id          string
	conn        Conn
	send        chan []byte
	opts        ClientOptions
	userID      string
	fullName    string
	role        chat.Role
	incidentID  string
	privileged  bool
	connectedAt time.Time

	lastSeen atomic.Int64
	dropped  atomic.Uint64

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
	stopped     chan struct{}
}

// NewClient wraps conn for identity. incidentID is empty for monitor sockets.
func NewClient(conn Conn, identity chat.Identity, incidentID string, opts ClientOptions) *Client {
	opts = opts.withDefaults()
	now := time.Now()
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, opts.QueueSize),
		opts:        opts,
		userID:      identity.UserID,
		fullName:    identity.FullName,
		role:        identity.Role,
		incidentID:  incidentID,
		privileged:  identity.Role.Can(chat.CapReceiveEmergency),
		connectedAt: now,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string             { return c.id }
func (c *Client) UserID() string         { return c.userID }
func (c *Client) FullName() string       { return c.fullName }
func (c *Client) Role() chat.Role        { return c.role }
func (c *Client) IncidentID() string     { return c.incidentID }
func (c *Client) IsPrivileged() bool     { return c.privileged }
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Dropped returns how many frames were discarded under DropOldest.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Send queues an encoded frame without blocking. It returns
// chat.ErrConnectionClosed after Close, and chat.ErrSlowConsumer when the
// queue is full under the Disconnect policy.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return chat.ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
	}

	if c.opts.Policy == Disconnect {
		c.closeLocked(websocket.CloseTryAgainLater, "send queue full")
		return chat.ErrSlowConsumer
	}

	// Only WritePump receives concurrently, so after dropping one frame
	// there is room unless it drained the queue itself.
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
	return nil
}

// SendEvent encodes ev and queues it.
func (c *Client) SendEvent(ev chat.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close asks WritePump to flush, send a close frame with code and stop.
// Only the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

// Wait blocks until WritePump has returned or timeout elapses.
func (c *Client) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.stopped:
		return true
	case <-t.C:
		return false
	}
}

// WritePump writes queued frames and keep-alive pings to the connection
// until Close is called or a write fails. It closes the connection on return,
// which also ends the session's read loop.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// flush drains what is already queued and sends the close frame.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
			continue
		default:
		}
		break
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
}
