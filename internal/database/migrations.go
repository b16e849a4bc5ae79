package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/chatsync/internal/watchlist"
)

// Early clients keyed watched streams by "<platform>-<channel>". Those ids collide when a channel
// is re-added after a relay session change, so they are replaced with UUIDv7 ids.
const migrationRekeySynthesizedStreamIDs = "2026-03-01_rekey_synthesized_stream_ids"

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
		{name: migrationRekeySynthesizedStreamIDs, apply: rekeySynthesizedStreamIDs},
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
		if err := db.Transaction(migration.apply); err != nil {
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

func rekeySynthesizedStreamIDs(tx *gorm.DB) error {
	var legacy []watchlist.WatchedStream
	if err := tx.Where("stream_id = platform || '-' || channel").Find(&legacy).Error; err != nil {
		return err
	}
	for _, row := range legacy {
		replacement, err := uuid.NewV7()
		if err != nil {
			return err
		}
		newID := replacement.String()
		if err := tx.Model(&watchlist.ReadWatermark{}).
			Where("stream_id = ?", row.StreamID).
			Update("stream_id", newID).Error; err != nil {
			return err
		}
		if err := tx.Model(&watchlist.WatchedStream{}).
			Where("stream_id = ?", row.StreamID).
			Update("stream_id", newID).Error; err != nil {
			return err
		}
	}
	return nil
}
