package websocket

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"trustlink-chat/pkg/chat"
)

const maxContentLength = 4000

// Error codes sent to the client in error events.
const (
	ErrCodeInvalidMessage    = "invalid_message"
	ErrCodePersistenceFailed = "persistence_failed"
	ErrCodeRateLimited       = "rate_limited"
)

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	frame, err := chat.DecodeFrame(data)
	if err != nil {
		s.logger.Debug("ignoring malformed frame", "error", err)
		return
	}

	if s.mode == modeMonitor {
		s.handleMonitorFrame(frame)
		return
	}

	switch frame.Type {
	case chat.FrameMessage:
		if s.allow() {
			s.handleChatMessage(ctx, frame.Content)
		}
	case chat.FrameTyping:
		if s.allow() {
			s.handleTyping(ctx, frame.IsTyping)
		}
	default:
		s.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

func (s *Session) handleMonitorFrame(frame chat.InboundFrame) {
	if frame.Type != chat.FramePing {
		return
	}
	if err := s.client.SendEvent(chat.NewEvent(chat.Pong{Timestamp: time.Now()})); err != nil {
		s.logger.Debug("failed to queue pong", "error", err)
	}
}

func (s *Session) allow() bool {
	if s.h.Limiter == nil || s.h.Limiter.Allow(s.identity.UserID) {
		return true
	}
	s.sendError(ErrCodeRateLimited, "Too many messages. Please slow down.")
	return false
}

// handleChatMessage persists first and broadcasts only what was stored. The
// sender is included in the broadcast, which serves as its acknowledgement.
func (s *Session) handleChatMessage(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > maxContentLength {
		s.sendError(ErrCodeInvalidMessage, "Message must be between 1 and 4000 characters.")
		return
	}

	msg, err := s.persist(ctx, chat.MessageDraft{
		Content:    content,
		SenderID:   s.identity.UserID,
		IncidentID: &s.incidentID,
	})
	if err != nil {
		s.logger.Error("failed to persist message", "error", err)
		s.sendError(ErrCodePersistenceFailed, "Message could not be saved.")
		return
	}
	s.h.Distributor.BroadcastToIncident(ctx, s.incidentID, chat.NewMessageEvent(msg), nil)

	if !s.identity.Role.IsPrivileged() {
		s.autoReply(ctx, content)
	}
}

func (s *Session) autoReply(ctx context.Context, content string) {
	if s.h.Classifier == nil {
		return
	}
	reply, ok := s.h.Classifier.Reply(content)
	if !ok {
		return
	}

	msg, err := s.persist(ctx, chat.MessageDraft{
		Content:         reply,
		SenderID:        chat.SystemSenderID,
		IncidentID:      &s.incidentID,
		IsSystemMessage: true,
	})
	if err != nil {
		s.logger.Warn("failed to persist auto-reply", "error", err)
		return
	}
	s.h.Distributor.BroadcastToIncident(ctx, s.incidentID, chat.NewMessageEvent(msg), nil)
}

func (s *Session) persist(ctx context.Context, draft chat.MessageDraft) (*chat.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.h.cfg.PersistTimeout)
	defer cancel()

	msg, err := s.h.Messages.Create(ctx, draft)
	if err != nil {
		s.h.Metrics.MessagesPersisted.WithLabelValues("error").Inc()
		return nil, err
	}
	s.h.Metrics.MessagesPersisted.WithLabelValues("ok").Inc()
	return msg, nil
}

func (s *Session) handleTyping(ctx context.Context, isTyping bool) {
	ev := chat.NewEvent(chat.Typing{UserID: s.identity.UserID, IsTyping: isTyping})
	s.h.Distributor.BroadcastToIncident(ctx, s.incidentID, ev, s.client)
}

func (s *Session) sendError(code, message string) {
	if err := s.client.SendEvent(chat.ErrorEvent(code, message)); err != nil {
		s.logger.Debug("failed to queue error event", "code", code, "error", err)
	}
}
