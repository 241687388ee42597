package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecountWaveCounters        = "2026-09-01_recount_wave_counters"
	migrationPruneOrphanedNotifications = "2026-09-01_prune_orphaned_notifications"
)

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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationRecountWaveCounters, apply: recountWaveCounters},
		{name: migrationPruneOrphanedNotifications, apply: pruneOrphanedNotifications},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// recountWaveCounters rebuilds the denormalized counters from the child tables.
func recountWaveCounters(db *gorm.DB) error {
	return db.Exec(`UPDATE waves SET
		comment_count = (SELECT COUNT(*) FROM comments WHERE comments.wave_id = waves.id),
		splash_count = (SELECT COUNT(*) FROM splashes WHERE splashes.wave_id = waves.id),
		ripple_count = (SELECT COUNT(*) FROM ripples WHERE ripples.wave_id = waves.id)`).Error
}

func pruneOrphanedNotifications(db *gorm.DB) error {
	return db.Exec(`DELETE FROM notifications WHERE wave_id NOT IN (SELECT id FROM waves)`).Error
}
