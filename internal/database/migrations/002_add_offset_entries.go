package migrations

import (
	"github.com/ksred/klear-netting/internal/offset"
	"gorm.io/gorm"
)

func AddOffsetEntries(db *gorm.DB) error {
	if err := db.AutoMigrate(&offset.Entry{}); err != nil {
		return err
	}

	// Composite index for the party listing, which filters by status
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_offset_entries_status_created_at
		 ON offset_entries(status, created_at)`).Error
}
