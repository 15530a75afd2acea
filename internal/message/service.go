package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	. "trustlink-chat/pkg/chat"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Create persists a draft. The returned message carries its assigned id and
// sent_at.
func (s *MessageService) Create(ctx context.Context, draft MessageDraft) (*ChatMessage, error) {
	message := ChatMessage{
		Content:         draft.Content,
		SenderID:        draft.SenderID,
		IncidentID:      draft.IncidentID,
		IsEmergency:     draft.IsEmergency,
		IsSystemMessage: draft.IsSystemMessage,
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return nil, fmt.Errorf("%w: create message: %w", ErrPersistence, err)
	}

	return &message, nil
}

func (s *MessageService) Get(ctx context.Context, id string) (*ChatMessage, error) {
	var message ChatMessage
	if err := s.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &message, nil
}

// List returns an incident's messages oldest first, with the total count.
func (s *MessageService) List(ctx context.Context, incidentID string, limit, offset int) ([]ChatMessage, int64, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&ChatMessage{}).Where("incident_id = ?", incidentID)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []ChatMessage
	err := query.Order("sent_at ASC, id ASC").Limit(limit).Offset(offset).Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// Search returns an incident's messages containing query, case-insensitively,
// newest first.
func (s *MessageService) Search(ctx context.Context, incidentID, query string, limit int) ([]ChatMessage, int64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, errors.New("search query cannot be empty")
	}
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	likeQuery := "%" + escapeLike(strings.ToLower(query)) + "%"
	search := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("incident_id = ? AND LOWER(content) LIKE ? ESCAPE '\\'", incidentID, likeQuery)

	var total int64
	if err := search.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []ChatMessage
	if err := search.Order("sent_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// MarkRead flags a single message as read and returns it.
func (s *MessageService) MarkRead(ctx context.Context, id string) (*ChatMessage, error) {
	message, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if message.IsRead {
		return message, nil
	}

	if err := s.db.WithContext(ctx).Model(message).Update("is_read", true).Error; err != nil {
		return nil, fmt.Errorf("%w: mark read: %w", ErrPersistence, err)
	}
	message.IsRead = true
	return message, nil
}

// MarkIncidentRead flags every unread message of the incident not sent by
// readerID as read and returns how many changed.
func (s *MessageService) MarkIncidentRead(ctx context.Context, incidentID, readerID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("incident_id = ? AND sender_id <> ? AND is_read = ?", incidentID, readerID, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("%w: mark incident read: %w", ErrPersistence, result.Error)
	}
	return result.RowsAffected, nil
}
