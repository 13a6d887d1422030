package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCompletionAddresses = "2026-10-01_normalize_completion_addresses"

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
		{name: migrationNormalizeCompletionAddresses, apply: normalizeStoredAddresses},
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

// addressTable names a table keyed by address. keyColumn completes the natural key;
// rows that would collide with an already-normalized row are dropped.
type addressTable struct {
	name      string
	keyColumn string
}

var addressTables = []addressTable{
	{name: "task_completions", keyColumn: "task_id"},
	{name: "quest_awards", keyColumn: "quest_id"},
	{name: "experience_entries"},
}

// normalizeStoredAddresses rewrites rows written with mixed-case or unpadded addresses to the
// canonical form. Unparseable addresses are left untouched.
func normalizeStoredAddresses(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, table := range addressTables {
			var addresses []string
			if err := tx.Table(table.name).Distinct("address").Pluck("address", &addresses).Error; err != nil {
				return err
			}
			for _, legacy := range addresses {
				normalized, err := stark.NewAddress(legacy)
				if err != nil || normalized.String() == legacy {
					continue
				}
				if table.keyColumn != "" {
					deleteCollisions := fmt.Sprintf(
						"DELETE FROM %s WHERE address = ? AND %s IN (SELECT %s FROM %s WHERE address = ?)",
						table.name, table.keyColumn, table.keyColumn, table.name)
					if err := tx.Exec(deleteCollisions, legacy, normalized.String()).Error; err != nil {
						return err
					}
				}
				if err := tx.Table(table.name).Where("address = ?", legacy).Update("address", normalized.String()).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
