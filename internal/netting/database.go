package netting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database is the gorm implementation of Repository
type Database struct {
	db    *gorm.DB
	locks *keyedMutex
	// rowLocks is false for sqlite, which serializes writers itself and has no FOR UPDATE
	rowLocks bool
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{
		db:       db,
		locks:    newKeyedMutex(),
		rowLocks: db.Dialector.Name() != "sqlite",
	}
}

// Atomic serializes callers on lockKeys within this process and runs fn in a
// database transaction. On dialects with row locks the session row is also
// locked FOR UPDATE so that several processes sharing a database serialize too.
func (d *Database) Atomic(ctx context.Context, lockKeys []string, fn func(tx Tx) error) error {
	unlock := d.locks.Lock(lockKeys...)
	defer unlock()

	return d.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&gormTx{db: gtx, rowLocks: d.rowLocks})
	})
}

func (d *Database) GetAgreement(ctx context.Context, agreementID string) (*Agreement, error) {
	return getAgreement(d.db.WithContext(ctx), agreementID)
}

func (d *Database) ListAgreements(ctx context.Context) ([]Agreement, error) {
	var agreements []Agreement
	if err := d.db.WithContext(ctx).
		Preload("Parties", func(db *gorm.DB) *gorm.DB { return db.Order("party_id") }).
		Order("agreement_id").
		Find(&agreements).Error; err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	return agreements, nil
}

func (d *Database) PurgeIdempotencyRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (d *Database) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return getSession(d.db.WithContext(ctx), sessionID, false)
}

func (d *Database) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	query := preloadSession(d.db.WithContext(ctx))
	if filter.AgreementID != "" {
		query = query.Where("agreement_id = ?", filter.AgreementID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var sessions []Session
	if err := query.Order("created_at DESC").Order("session_id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (d *Database) ListAuditRecords(ctx context.Context, sessionID string) ([]AuditRecord, error) {
	var records []AuditRecord
	if err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch audit trail: %w", err)
	}
	return records, nil
}

func getAgreement(db *gorm.DB, agreementID string) (*Agreement, error) {
	var agreement Agreement
	if err := db.
		Preload("Parties", func(db *gorm.DB) *gorm.DB { return db.Order("party_id") }).
		Where("agreement_id = ?", agreementID).
		First(&agreement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgreementNotFound.WithMessage(fmt.Sprintf("agreement %s not found", agreementID))
		}
		return nil, fmt.Errorf("failed to fetch agreement: %w", err)
	}
	return &agreement, nil
}

func preloadSession(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Positions", func(db *gorm.DB) *gorm.DB { return db.Order("party_id") }).
		Preload("Instructions", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") })
}

func getSession(db *gorm.DB, sessionID string, forUpdate bool) (*Session, error) {
	query := preloadSession(db)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var session Session
	if err := query.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound.WithMessage(fmt.Sprintf("session %s not found", sessionID))
		}
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return &session, nil
}

type gormTx struct {
	db       *gorm.DB
	rowLocks bool
}

func (t *gormTx) GetAgreement(agreementID string) (*Agreement, error) {
	return getAgreement(t.db, agreementID)
}

func (t *gormTx) CreateAgreement(a *Agreement) error {
	if err := t.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to create agreement: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateAgreement(a *Agreement) error {
	if err := t.db.Model(&Agreement{}).
		Where("agreement_id = ?", a.AgreementID).
		Updates(map[string]interface{}{
			"name":              a.Name,
			"currency":          a.Currency,
			"frequency":         a.Frequency,
			"settlement_method": a.SettlementMethod,
			"updated_at":        time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update agreement: %w", err)
	}
	return nil
}

func (t *gormTx) CreateParty(p *Party) error {
	if err := t.db.Create(p).Error; err != nil {
		return fmt.Errorf("failed to create party: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateParty(p *Party) error {
	if err := t.db.Model(&Party{}).
		Where("agreement_id = ? AND party_id = ?", p.AgreementID, p.PartyID).
		Updates(map[string]interface{}{
			"name":       p.Name,
			"kind":       p.Kind,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update party: %w", err)
	}
	return nil
}

func (t *gormTx) AdvanceLastNettingDate(agreementID string, date time.Time) error {
	if err := t.db.Model(&Agreement{}).
		Where("agreement_id = ? AND (last_netting_date IS NULL OR last_netting_date < ?)", agreementID, date).
		Updates(map[string]interface{}{
			"last_netting_date": date,
			"updated_at":        time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to advance last netting date: %w", err)
	}
	return nil
}

func (t *gormTx) CountSessions(agreementID string) (int64, error) {
	var n int64
	if err := t.db.Model(&Session{}).Where("agreement_id = ?", agreementID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func (t *gormTx) PartyInSettledSession(agreementID, partyID string) (bool, error) {
	var n int64
	if err := t.db.Model(&Position{}).
		Joins("JOIN sessions ON sessions.session_id = positions.session_id").
		Where("sessions.agreement_id = ? AND sessions.status = ? AND positions.party_id = ?",
			agreementID, StatusSettled, partyID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check party usage: %w", err)
	}
	return n > 0, nil
}

func (t *gormTx) GetSession(sessionID string) (*Session, error) {
	return getSession(t.db, sessionID, t.rowLocks)
}

func (t *gormTx) CreateSession(s *Session) error {
	if err := t.db.Omit(clause.Associations).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateSession(s *Session) error {
	s.UpdatedAt = time.Now()
	if err := t.db.Omit(clause.Associations).Save(s).Error; err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (t *gormTx) DeleteSession(sessionID string) error {
	for _, model := range []interface{}{&Transaction{}, &Position{}, &Instruction{}, &Session{}} {
		if err := t.db.Where("session_id = ?", sessionID).Delete(model).Error; err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	return nil
}

func (t *gormTx) ReplaceTransactions(sessionID string, txs []Transaction) error {
	if err := t.db.Where("session_id = ?", sessionID).Delete(&Transaction{}).Error; err != nil {
		return fmt.Errorf("failed to clear transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}
	if err := t.db.Create(&txs).Error; err != nil {
		return fmt.Errorf("failed to save transactions: %w", err)
	}
	return nil
}

func (t *gormTx) ReplacePositions(sessionID string, positions []Position) error {
	if err := t.db.Where("session_id = ?", sessionID).Delete(&Position{}).Error; err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	if err := t.db.Create(&positions).Error; err != nil {
		return fmt.Errorf("failed to save positions: %w", err)
	}
	return nil
}

func (t *gormTx) ReplaceInstructions(sessionID string, instructions []Instruction) error {
	if err := t.db.Where("session_id = ?", sessionID).Delete(&Instruction{}).Error; err != nil {
		return fmt.Errorf("failed to clear instructions: %w", err)
	}
	if len(instructions) == 0 {
		return nil
	}
	if err := t.db.Create(&instructions).Error; err != nil {
		return fmt.Errorf("failed to save instructions: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateInstructions(instructions []Instruction) error {
	for i := range instructions {
		ins := &instructions[i]
		ins.UpdatedAt = time.Now()
		if err := t.db.Model(&Instruction{}).
			Where("instruction_id = ?", ins.InstructionID).
			Updates(map[string]interface{}{
				"status":         ins.Status,
				"processed_at":   ins.ProcessedAt,
				"failure_reason": ins.FailureReason,
				"reissue_count":  ins.ReissueCount,
				"resolution":     ins.Resolution,
				"updated_at":     ins.UpdatedAt,
			}).Error; err != nil {
			return fmt.Errorf("failed to update instruction %s: %w", ins.InstructionID, err)
		}
	}
	return nil
}

func (t *gormTx) AppendAudit(rec *AuditRecord) error {
	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (t *gormTx) FindIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := t.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch idempotency record: %w", err)
	}
	return &record, nil
}

func (t *gormTx) CreateIdempotencyRecord(rec *IdempotencyRecord) error {
	if err := t.db.Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrIdempotencyConflict.WithMessage(fmt.Sprintf("idempotency key %s is already in use", rec.IdempotencyKey))
		}
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}
