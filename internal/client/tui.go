package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"trustlink-chat/pkg/chat"
)

const maxScrollback = 500

type Model struct {
	incidentID string
	userID     string
	messages   []string
	typing     map[string]bool
	input      textinput.Model
	ws         *WSClient
	isTyping   bool
	err        error
}

func NewModel(ws *WSClient, incidentID, userID string) Model {
	ti := textinput.New()
	ti.Placeholder = "Type your message here"
	ti.Focus()
	ti.CharLimit = 4000
	ti.Width = 60

	return Model{
		incidentID: incidentID,
		userID:     userID,
		typing:     map[string]bool{},
		input:      ti,
		ws:         ws,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.ws.Listen())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			_ = m.ws.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.isTyping = false
			if err := m.ws.SendMessage(text); err != nil {
				m.err = err
			}
			return m, nil
		default:
			m.input, cmd = m.input.Update(msg)
			m.syncTyping()
		}

	case eventMsg:
		m.apply(chat.Event(msg))
		return m, m.ws.Listen()

	case disconnectedMsg:
		m.err = errors.New(describeClose(msg.err))
		return m, tea.Quit
	}

	return m, cmd
}

// syncTyping tells the incident when the input goes from empty to non-empty
// and back.
func (m *Model) syncTyping() {
	typing := m.input.Value() != ""
	if typing == m.isTyping {
		return
	}
	m.isTyping = typing
	if err := m.ws.SendTyping(typing); err != nil {
		m.err = err
	}
}

func (m *Model) apply(ev chat.Event) {
	if t, ok := ev.Payload().(chat.Typing); ok {
		if t.IsTyping {
			m.typing[t.UserID] = true
		} else {
			delete(m.typing, t.UserID)
		}
		return
	}
	if nm, ok := ev.Payload().(chat.NewMessage); ok {
		delete(m.typing, nm.SenderID)
	}

	line, ok := formatEvent(ev, m.userID)
	if !ok {
		return
	}
	m.messages = append(m.messages, line)
	if len(m.messages) > maxScrollback {
		m.messages = m.messages[len(m.messages)-maxScrollback:]
	}
}

func formatEvent(ev chat.Event, self string) (string, bool) {
	switch p := ev.Payload().(type) {
	case chat.NewMessage:
		ts := p.SentAt.Local().Format("15:04")
		if p.IsSystemMessage {
			return fmt.Sprintf("[%s] * %s", ts, p.Content), true
		}
		sender := p.SenderID
		if sender == self {
			sender = "you"
		}
		return fmt.Sprintf("[%s] %s: %s", ts, sender, p.Content), true
	case chat.UserStatus:
		verb := "joined"
		if p.Status == chat.StatusOffline {
			verb = "left"
		}
		return fmt.Sprintf("* %s %s", p.UserID, verb), true
	case chat.Emergency:
		from := p.SenderName
		if from == "" {
			from = p.SenderID
		}
		return fmt.Sprintf("!! EMERGENCY from %s: %s", from, p.Content), true
	case chat.MessageRead:
		return fmt.Sprintf("* %s read message %s", p.ReadBy, p.MessageID), true
	case chat.SystemNotice:
		return "* " + p.Message, true
	case chat.ErrorNotice:
		return fmt.Sprintf("error (%s): %s", p.Code, p.Message), true
	}
	return "", false
}

// describeClose turns a read error into something a user can act on.
func describeClose(err error) string {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return fmt.Sprintf("connection lost: %v", err)
	}
	switch ce.Code {
	case websocket.CloseNormalClosure:
		return "chat closed"
	case websocket.ClosePolicyViolation:
		return "not allowed to join this incident: " + ce.Text
	case websocket.CloseInternalServerErr:
		return "server refused the session: " + ce.Text
	case websocket.CloseGoingAway:
		return "server is shutting down"
	case websocket.CloseTryAgainLater:
		return "connection too slow, dropped by server"
	}
	return fmt.Sprintf("connection closed (%d): %s", ce.Code, ce.Text)
}

func (m Model) View() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident %s\n\n", m.incidentID)
	for _, msg := range m.messages {
		b.WriteString(msg + "\n")
	}

	if len(m.typing) > 0 {
		users := make([]string, 0, len(m.typing))
		for u := range m.typing {
			users = append(users, u)
		}
		sort.Strings(users)
		b.WriteString("\n" + strings.Join(users, ", ") + " typing...")
	}
	if m.err != nil {
		b.WriteString("\n" + m.err.Error())
	}

	b.WriteString("\n" + m.input.View())
	b.WriteString("\n[Enter] to send, [Esc] to quit")
	return b.String()
}

// Err reports why the program stopped, if it was not the user quitting.
func (m Model) Err() error {
	return m.err
}
