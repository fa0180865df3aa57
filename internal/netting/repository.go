package netting

import (
	"context"
	"time"
)

// Repository is the persistence boundary of the engine. The engine holds no
// state of its own; every state change happens inside Atomic.
type Repository interface {
	// Atomic runs fn while holding the exclusive locks for lockKeys. Writes made
	// through tx are committed together when fn returns nil and discarded otherwise.
	// Reads through tx observe committed state.
	Atomic(ctx context.Context, lockKeys []string, fn func(tx Tx) error) error

	GetAgreement(ctx context.Context, agreementID string) (*Agreement, error)
	ListAgreements(ctx context.Context) ([]Agreement, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	ListAuditRecords(ctx context.Context, sessionID string) ([]AuditRecord, error)
	// PurgeIdempotencyRecords deletes records that expired before cutoff
	PurgeIdempotencyRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tx is the unit of work handed to Repository.Atomic
type Tx interface {
	GetAgreement(agreementID string) (*Agreement, error)
	CreateAgreement(a *Agreement) error
	UpdateAgreement(a *Agreement) error
	CreateParty(p *Party) error
	UpdateParty(p *Party) error
	// AdvanceLastNettingDate moves the agreement's last netting date forward, never back
	AdvanceLastNettingDate(agreementID string, date time.Time) error
	CountSessions(agreementID string) (int64, error)
	PartyInSettledSession(agreementID, partyID string) (bool, error)

	// GetSession returns the session with transactions, positions and instructions loaded
	GetSession(sessionID string) (*Session, error)
	CreateSession(s *Session) error
	// UpdateSession persists session-level fields only
	UpdateSession(s *Session) error
	DeleteSession(sessionID string) error
	ReplaceTransactions(sessionID string, txs []Transaction) error
	ReplacePositions(sessionID string, positions []Position) error
	ReplaceInstructions(sessionID string, instructions []Instruction) error
	UpdateInstructions(instructions []Instruction) error

	AppendAudit(rec *AuditRecord) error

	FindIdempotencyRecord(key string) (*IdempotencyRecord, error)
	CreateIdempotencyRecord(rec *IdempotencyRecord) error
}
