package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const legacyTable = "results_legacy"

// legacyResult is the historical shape of the results table: one row per
// attempt, with the latest attempt carrying the highest id.
type legacyResult struct {
	ID         uint `gorm:"primaryKey"`
	Path       string
	Status     string
	Error      string
	DurationMS int64 `gorm:"column:duration_ms"`
	Timestamp  int64
}

func (legacyResult) TableName() string {
	return "results"
}

// migrate brings the schema to one row per identifier. A legacy table is
// collapsed to its most recent row per path before the new table replaces it.
func (s *store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	m := db.Migrator()

	if m.HasTable("results") && m.HasColumn(&legacyResult{}, "path") {
		if err := s.collapseLegacy(db); err != nil {
			return fmt.Errorf("migrating legacy results: %w", err)
		}
	}

	if err := db.AutoMigrate(&Result{}); err != nil {
		return fmt.Errorf("running results migrations: %w", err)
	}

	return nil
}

func (s *store) collapseLegacy(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Migrator().RenameTable("results", legacyTable); err != nil {
			return fmt.Errorf("renaming legacy table: %w", err)
		}

		if err := tx.Migrator().CreateTable(&Result{}); err != nil {
			return fmt.Errorf("creating results table: %w", err)
		}

		res := tx.Exec(`INSERT INTO results (identifier, outcome, error, duration_ms, timestamp)
SELECT l.path, l.status, COALESCE(l.error, ''), COALESCE(l.duration_ms, 0), COALESCE(l.timestamp, 0)
FROM ` + legacyTable + ` l
WHERE l.path IS NOT NULL AND l.id = (
	SELECT MAX(i.id) FROM ` + legacyTable + ` i WHERE i.path = l.path
)`)
		if res.Error != nil {
			return fmt.Errorf("copying latest legacy rows: %w", res.Error)
		}

		if err := tx.Migrator().DropTable(legacyTable); err != nil {
			return fmt.Errorf("dropping legacy table: %w", err)
		}

		s.log.WithField("rows", res.RowsAffected).
			Info("Collapsed legacy results to one row per identifier")

		return nil
	})
}
