package migrations

import (
	"github.com/ksred/klear-netting/internal/netting"
	"gorm.io/gorm"
)

// AddNettingSessions creates the agreement, session and audit tables and
// the indexes the engine queries by
func AddNettingSessions(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&netting.Agreement{},
		&netting.Party{},
		&netting.Session{},
		&netting.Transaction{},
		&netting.Position{},
		&netting.Instruction{},
		&netting.AuditRecord{},
		&netting.IdempotencyRecord{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Session listing per agreement, newest first
		`CREATE INDEX IF NOT EXISTS idx_sessions_agreement_date
		 ON sessions(agreement_id, netting_date)`,

		// Settled-session lookups when locking party edits
		`CREATE INDEX IF NOT EXISTS idx_sessions_agreement_status
		 ON sessions(agreement_id, status)`,

		// Instructions are always read in sequence order
		`CREATE INDEX IF NOT EXISTS idx_instructions_session_sequence
		 ON instructions(session_id, sequence)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_records_session_created_at
		 ON audit_records(session_id, created_at)`,

		// Expired idempotency keys are swept by expiry
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
