package db

import (
	"fmt"

	"agent_dispatch/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB, log *logrus.Entry) error {
	models := []interface{}{
		&model.User{},
		&model.Agent{},
		&model.Command{},
		&model.AuditLog{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if log != nil {
		log.WithField("tables", len(models)).Info("database migration completed")
	}
	return nil
}
