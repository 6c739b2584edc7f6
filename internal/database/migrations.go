package database

import (
	"errors"
	"time"

	"github.com/driftline/driftline/internal/event"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPayloadVersion = "2026-07-02_backfill_payload_version"

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
		{name: migrationBackfillPayloadVersion, apply: backfillPayloadVersion},
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

// backfillPayloadVersion stamps the baseline schema version on rows written
// before the payload_version column existed.
func backfillPayloadVersion(db *gorm.DB) error {
	return db.Model(&event.Event{}).
		Where("payload_version <= 0").
		Update("payload_version", event.MinSupportedPayloadVersion).Error
}
