package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"trustlink-chat/pkg/chat"
)

// eventMsg carries a server event into the TUI loop.
type eventMsg chat.Event

// disconnectedMsg is sent once when the read loop ends.
type disconnectedMsg struct {
	err error
}

type WSClient struct {
	conn *websocket.Conn
	ch   chan tea.Msg

	wmu sync.Mutex
}

// ChatURL builds the socket URL of an incident chat from an http(s) or
// ws(s) server address.
func ChatURL(server, incidentID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat/" + url.PathEscape(incidentID)
	return u.String(), nil
}

// Dial connects to an incident chat. The token travels in the Authorization
// header so it does not end up in access logs.
func Dial(ctx context.Context, server, incidentID, token string) (*WSClient, error) {
	u, err := ChatURL(server, incidentID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return &WSClient{conn: conn, ch: make(chan tea.Msg, 64)}, nil
}

// Start runs the read loop until the connection drops.
func (c *WSClient) Start() {
	go func() {
		defer close(c.ch)
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				c.ch <- disconnectedMsg{err: err}
				return
			}
			ev, err := chat.DecodeEvent(data)
			if err != nil {
				continue
			}
			c.ch <- eventMsg(ev)
		}
	}()
}

// Listen waits for the next message from the read loop.
func (c *WSClient) Listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-c.ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (c *WSClient) SendMessage(content string) error {
	return c.send(chat.InboundFrame{Type: chat.FrameMessage, Content: content})
}

func (c *WSClient) SendTyping(typing bool) error {
	return c.send(chat.InboundFrame{Type: chat.FrameTyping, IsTyping: typing})
}

func (c *WSClient) send(frame chat.InboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure and drops the connection.
func (c *WSClient) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.conn.Close()
}

// TokenSubject reads the user id out of an access token without verifying
// it. The server still verifies every token; this only labels own messages.
func TokenSubject(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
