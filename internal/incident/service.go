package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"

	. "trustlink-chat/pkg/chat"
	"gorm.io/gorm"
)

type IncidentService struct {
	db *gorm.DB
}

func NewIncidentService(db *gorm.DB) *IncidentService {
	return &IncidentService{db: db}
}

// Get returns the incident or an error wrapping chat.ErrNotFound.
func (s *IncidentService) Get(ctx context.Context, id string) (*Incident, error) {
	var incident Incident
	if err := s.db.WithContext(ctx).First(&incident, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &incident, nil
}

func (s *IncidentService) Create(ctx context.Context, ownerID, title string) (*Incident, error) {
	title = strings.TrimSpace(title)
	if ownerID == "" {
		return nil, errors.New("owner cannot be empty")
	}
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}

	incident := Incident{OwnerID: ownerID, Title: title, Status: IncidentReported}
	if err := s.db.WithContext(ctx).Create(&incident).Error; err != nil {
		return nil, err
	}
	return &incident, nil
}

// ListForUser returns the incidents visible to identity, newest first.
func (s *IncidentService) ListForUser(ctx context.Context, identity Identity, limit, offset int) ([]Incident, error) {
	query := s.db.WithContext(ctx).Model(&Incident{})
	if !identity.Role.Can(CapViewAllIncidents) {
		query = query.Where("owner_id = ?", identity.UserID)
	}

	var incidents []Incident
	err := query.Order("reported_at DESC").Limit(limit).Offset(offset).Find(&incidents).Error
	return incidents, err
}
