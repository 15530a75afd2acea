package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	. "trustlink-chat/pkg/chat"
	"gorm.io/gorm"
)

type AuditService struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// Action constants for audit logging
const (
	ActionSessionRejected = "SESSION_REJECTED"
	ActionMonitorOpened   = "MONITOR_OPENED"
	ActionEmergencyRaised = "EMERGENCY_RAISED"
	ActionMessageRead     = "MESSAGE_READ"
	ActionIncidentRead    = "INCIDENT_READ"
)

type AuditMetadata struct {
	Reason    string `json:"reason,omitempty"`
	CloseCode int    `json:"close_code,omitempty"`
	Role      string `json:"role,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Count     int64  `json:"count,omitempty"`
}

func (s *AuditService) create(ctx context.Context, entry AuditLog, metadata AuditMetadata) error {
	metadataJSON, _ := json.Marshal(metadata)
	entry.Metadata = string(metadataJSON)
	return s.db.WithContext(ctx).Create(&entry).Error
}

// LogSessionRejected logs a chat or monitor handshake that was closed before
// opening. actorID is empty when the token could not be resolved.
func (s *AuditService) LogSessionRejected(ctx context.Context, actorID, incidentID, reason string, closeCode int) error {
	entry := AuditLog{
		Action:      ActionSessionRejected,
		ActorID:     actorID,
		Description: "Rejected websocket session: " + reason,
	}
	if incidentID != "" {
		entry.IncidentID = &incidentID
	}
	return s.create(ctx, entry, AuditMetadata{Reason: reason, CloseCode: closeCode})
}

// LogMonitorOpened logs a privileged user opening the live monitor.
func (s *AuditService) LogMonitorOpened(ctx context.Context, actorID string, role Role) error {
	entry := AuditLog{
		Action:      ActionMonitorOpened,
		ActorID:     actorID,
		Description: "Opened monitor session",
	}
	return s.create(ctx, entry, AuditMetadata{Role: role.String()})
}

// LogEmergency logs an emergency message fanned out to responders
func (s *AuditService) LogEmergency(ctx context.Context, actorID, messageID string) error {
	entry := AuditLog{
		Action:      ActionEmergencyRaised,
		ActorID:     actorID,
		Description: "Raised emergency message",
	}
	return s.create(ctx, entry, AuditMetadata{MessageID: messageID})
}

func (s *AuditService) LogMessageRead(ctx context.Context, actorID string, msg *ChatMessage) error {
	entry := AuditLog{
		Action:      ActionMessageRead,
		ActorID:     actorID,
		IncidentID:  msg.IncidentID,
		Description: "Marked message as read",
	}
	return s.create(ctx, entry, AuditMetadata{MessageID: msg.ID})
}

// LogIncidentRead logs a history fetch that marked messages as read.
func (s *AuditService) LogIncidentRead(ctx context.Context, actorID, incidentID string, count int64) error {
	entry := AuditLog{
		Action:      ActionIncidentRead,
		ActorID:     actorID,
		IncidentID:  &incidentID,
		Description: "Marked " + strconv.FormatInt(count, 10) + " messages as read",
	}
	return s.create(ctx, entry, AuditMetadata{Count: count})
}

// Filter narrows GetAuditLogs. Nil fields match everything.
type Filter struct {
	IncidentID *string
	ActorID    *string
	Action     *string
}

// GetAuditLogs retrieves audit logs with pagination and filtering
func (s *AuditService) GetAuditLogs(ctx context.Context, filter Filter, limit, offset int) ([]AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&AuditLog{})

	// Apply filters
	if filter.IncidentID != nil {
		query = query.Where("incident_id = ?", *filter.IncidentID)
	}
	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.Action != nil {
		query = query.Where("action = ?", *filter.Action)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	var logs []AuditLog
	err := query.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, total, err
}
