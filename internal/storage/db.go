package storage

import (
	"fmt"
	"log/slog"

	. "trustlink-chat/pkg/chat"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the sqlite database at path and migrates the schema.
func Connect(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// sqlite allows one writer; a single connection also keeps :memory:
	// databases shared by every caller.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Incident{},
		&ChatMessage{},
		&AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Demo fixture ids, stable so that tokens minted for them keep working
// across restarts.
const (
	DemoCitizenID   = "demo-citizen"
	DemoResponderID = "demo-responder"
	DemoAdminID     = "demo-admin"
	DemoIncidentID  = "demo-incident"
)

// SeedDemo inserts a citizen, a responder, an admin and one incident owned
// by the citizen. Existing rows are left alone.
func SeedDemo(db *gorm.DB, log *slog.Logger) error {
	users := []User{
		{ID: DemoCitizenID, FullName: "Demo Citizen", Role: RoleCitizen, IsActive: true},
		{ID: DemoResponderID, FullName: "Demo Responder", Role: RoleResponder, IsActive: true},
		{ID: DemoAdminID, FullName: "Demo Admin", Role: RoleAdmin, IsActive: true},
	}

	for _, user := range users {
		result := db.Where(User{ID: user.ID}).FirstOrCreate(&user)
		if result.Error != nil {
			return fmt.Errorf("seed user %s: %w", user.ID, result.Error)
		}
		if result.RowsAffected > 0 {
			log.Info("inserted demo user", "user_id", user.ID, "role", user.Role)
		}
	}

	incident := Incident{ID: DemoIncidentID, OwnerID: DemoCitizenID, Title: "Demo incident", Status: IncidentReported}
	result := db.Where(Incident{ID: incident.ID}).FirstOrCreate(&incident)
	if result.Error != nil {
		return fmt.Errorf("seed incident: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Info("inserted demo incident", "incident_id", incident.ID)
	}
	return nil
}
