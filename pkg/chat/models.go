package chat

import (
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// SystemSenderID is the sender of server-generated chat messages.
const SystemSenderID = "system"

type User struct {
	ID        string `gorm:"primaryKey;size:32"`
	FullName  string
	Role      Role `gorm:"type:varchar(16);not null"`
	IsActive  bool `gorm:"not null"`
	CreatedAt time.Time
}

type IncidentStatus string

const (
	IncidentReported   IncidentStatus = "reported"
	IncidentInProgress IncidentStatus = "in_progress"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentClosed     IncidentStatus = "closed"
)

type Incident struct {
	ID         string         `gorm:"primaryKey;size:32"`
	OwnerID    string         `gorm:"index;not null"`
	Title      string         `gorm:"not null"`
	Status     IncidentStatus `gorm:"type:varchar(16);not null;default:reported"`
	ReportedAt time.Time
}

// ChatMessage is a persisted chat line. IncidentID is nil for emergency
// messages that are not tied to an incident.
type ChatMessage struct {
	ID              string    `gorm:"primaryKey;size:32"`
	Content         string    `gorm:"type:text;not null"`
	SenderID        string    `gorm:"index;not null"`
	IncidentID      *string   `gorm:"index"`
	SentAt          time.Time `gorm:"index;not null"`
	IsRead          bool
	IsEmergency     bool
	IsSystemMessage bool
}

type AuditLog struct {
	ID          uint      `gorm:"primaryKey"`
	Action      string    `gorm:"index;not null"`
	ActorID     string    `gorm:"index"`
	IncidentID  *string
	Description string
	Metadata    string
	CreatedAt   time.Time `gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID, err = nanoid.New(8)
	}
	return
}

func (i *Incident) BeforeCreate(tx *gorm.DB) (err error) {
	if i.ID == "" {
		i.ID, err = nanoid.New(8)
	}
	if i.ReportedAt.IsZero() {
		i.ReportedAt = time.Now().UTC()
	}
	return
}

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID, err = nanoid.New(12)
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	return
}

// MessageDraft is the input of a Message Store write.
type MessageDraft struct {
	Content         string
	SenderID        string
	IncidentID      *string
	IsEmergency     bool
	IsSystemMessage bool
}
