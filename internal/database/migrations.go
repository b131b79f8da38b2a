package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeOrphanLayerPayloads = "2026-07-21_purge_orphan_layer_payloads"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeOrphanLayerPayloads, apply: purgeOrphanLayerPayloads},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Older writers inserted the payload row and the log row as two separate
// statements, so a crash between them could strand a payload no log entry
// references. Appends are transactional now; this cleans up what those
// writers left behind.
func purgeOrphanLayerPayloads(db *gorm.DB) error {
	return db.
		Where("id NOT IN (?)", db.Model(&eventlog.Event{}).
			Select("payload_id").
			Where("type IN ?", []int{int(eventlog.EventTypeAddLayer), int(eventlog.EventTypeRemoveLayer)})).
		Delete(&eventlog.LayerPayload{}).Error
}
