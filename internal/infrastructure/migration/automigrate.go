// Package migration runs schema migrations on startup.
package migration

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// Manager applies the schema for all persistence models.
type Manager struct {
	db  *gorm.DB
	log logger.Interface
}

func NewManager(db *gorm.DB, log logger.Interface) *Manager {
	return &Manager{db: db, log: log.Named("migration")}
}

// Run migrates every model and seeds the global settings row.
func (m *Manager) Run() error {
	m.log.Info("running auto migration")

	if err := m.db.AutoMigrate(
		&models.AgentModel{},
		&models.EndpointModel{},
		&models.RoutingKeyModel{},
		&models.PairwiseModel{},
		&models.GlobalSettingModel{},
		&models.KVEntryModel{},
		&models.BackupModel{},
		&models.UserModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// Settings live in a single row created once; updates lock the table.
	seed := &models.GlobalSettingModel{ID: 1, Content: []byte(`{}`)}
	if err := m.db.FirstOrCreate(seed, "id = ?", 1).Error; err != nil {
		return fmt.Errorf("seed global settings: %w", err)
	}

	m.log.Info("auto migration completed")
	return nil
}

// Tables lists every table the schema owns, in migration order.
func Tables() []string {
	return []string{
		models.AgentModel{}.TableName(),
		models.EndpointModel{}.TableName(),
		models.RoutingKeyModel{}.TableName(),
		models.PairwiseModel{}.TableName(),
		models.GlobalSettingModel{}.TableName(),
		models.KVEntryModel{}.TableName(),
		models.BackupModel{}.TableName(),
		models.UserModel{}.TableName(),
	}
}
