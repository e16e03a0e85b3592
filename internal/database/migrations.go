package database

import (
	"errors"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRoadmapDefaults = "2026-10-01_normalize_roadmap_defaults"

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
		{name: migrationNormalizeRoadmapDefaults, apply: normalizeRoadmapDefaults},
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

// normalizeRoadmapDefaults fills the documented defaults on rows written
// before they were enforced. edittime is left alone so the rows do not
// re-replicate.
func normalizeRoadmapDefaults(db *gorm.DB) error {
	if err := db.Model(&roadmap.Record{}).
		Where("color IS NULL OR TRIM(color) = ''").
		Update("color", roadmap.DefaultColor).Error; err != nil {
		return err
	}
	if err := db.Model(&roadmap.Record{}).
		Where("status IS NULL OR TRIM(status) = ''").
		Update("status", roadmap.StatusPlanned).Error; err != nil {
		return err
	}
	if err := db.Model(&roadmap.Record{}).
		Where("user_id IS NULL OR user_id <= 0").
		Update("user_id", roadmap.DefaultOwnerID).Error; err != nil {
		return err
	}
	return db.Model(&roadmap.Record{}).
		Where("addtime = 0").
		Update("addtime", gorm.Expr("edittime")).Error
}
