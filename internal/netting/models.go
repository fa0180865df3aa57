package netting

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type SessionStatus string

const (
	StatusDraft           SessionStatus = "draft"
	StatusPendingApproval SessionStatus = "pending_approval"
	StatusApproved        SessionStatus = "approved"
	StatusSettled         SessionStatus = "settled"
	StatusCancelled       SessionStatus = "cancelled"
)

type InstructionStatus string

const (
	InstructionPending   InstructionStatus = "pending"
	InstructionCompleted InstructionStatus = "completed"
	InstructionFailed    InstructionStatus = "failed"
)

const (
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"

	MethodDirectTransfer  = "direct_transfer"
	MethodClearingAccount = "clearing_account"

	PartyInternal = "internal"
	PartyExternal = "external"
)

type Agreement struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	AgreementID      string     `gorm:"uniqueIndex" json:"agreement_id"`
	Name             string     `json:"name"`
	Currency         string     `json:"currency"`
	Frequency        string     `json:"frequency"`         // daily, weekly, monthly, quarterly
	SettlementMethod string     `json:"settlement_method"` // direct_transfer, clearing_account
	Parties          []Party    `gorm:"foreignKey:AgreementID;references:AgreementID" json:"parties"`
	LastNettingDate  *time.Time `json:"last_netting_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasParty reports whether partyID is enrolled in the agreement
func (a *Agreement) HasParty(partyID string) bool {
	for _, p := range a.Parties {
		if p.PartyID == partyID {
			return true
		}
	}
	return false
}

type Party struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	PartyID     string    `gorm:"uniqueIndex:idx_party_agreement" json:"party_id"`
	AgreementID string    `gorm:"uniqueIndex:idx_party_agreement" json:"agreement_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"` // internal, external
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Session struct {
	ID           uint          `gorm:"primaryKey" json:"-"`
	SessionID    string        `gorm:"uniqueIndex" json:"session_id"`
	AgreementID  string        `gorm:"index" json:"agreement_id"`
	NettingDate  time.Time     `json:"netting_date"`
	Currency     string        `json:"currency"`
	Status       SessionStatus `gorm:"index" json:"status"`
	ApprovedBy   string        `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
	SettledAt    *time.Time    `json:"settled_at,omitempty"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	CreatedBy    string        `json:"created_by"`
	Transactions []Transaction `gorm:"foreignKey:SessionID;references:SessionID" json:"transactions"`
	Positions    []Position    `gorm:"foreignKey:SessionID;references:SessionID" json:"positions"`
	Instructions []Instruction `gorm:"foreignKey:SessionID;references:SessionID" json:"instructions"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PositionSum returns the signed sum of all positions in minor units
func (s *Session) PositionSum() int64 {
	var sum int64
	for _, p := range s.Positions {
		sum += p.Amount
	}
	return sum
}

type Transaction struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	TransactionID   string    `gorm:"uniqueIndex:idx_transaction_session" json:"transaction_id"`
	SessionID       string    `gorm:"uniqueIndex:idx_transaction_session" json:"session_id"`
	SourceParty     string    `json:"source_party"` // owes
	TargetParty     string    `json:"target_party"` // is owed
	Amount          int64     `json:"amount"`       // minor units, always positive
	Currency        string    `json:"currency"`
	SourceDocument  string    `json:"source_document"`
	TransactionDate time.Time `json:"transaction_date"`
	CreatedAt       time.Time `json:"created_at"`
}

type Position struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	SessionID        string    `gorm:"uniqueIndex:idx_position_party" json:"session_id"`
	PartyID          string    `gorm:"uniqueIndex:idx_position_party" json:"party_id"`
	Amount           int64     `json:"amount"` // inflow positive, outflow negative
	Inflow           int64     `json:"inflow"`
	Outflow          int64     `json:"outflow"`
	Currency         string    `json:"currency"`
	TransactionCount int       `json:"transaction_count"`
	CreatedAt        time.Time `json:"created_at"`
}

type Instruction struct {
	ID            uint              `gorm:"primaryKey" json:"-"`
	InstructionID string            `gorm:"uniqueIndex" json:"instruction_id"`
	SessionID     string            `gorm:"index" json:"session_id"`
	Sequence      int               `json:"sequence"`
	SourceParty   string            `json:"source_party"`
	TargetParty   string            `json:"target_party"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        InstructionStatus `json:"status"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ReissueCount  int               `json:"reissue_count"`
	Resolution    string            `json:"resolution,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

var errAuditImmutable = errors.New("audit records are append-only")

type AuditRecord struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RecordID      string    `gorm:"uniqueIndex" json:"record_id"`
	SessionID     string    `gorm:"index" json:"session_id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

func (AuditRecord) BeforeUpdate(*gorm.DB) error {
	return errAuditImmutable
}

func (AuditRecord) BeforeDelete(*gorm.DB) error {
	return errAuditImmutable
}

// IdempotencyRecord maps a client supplied key to the session it created
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	AgreementID    string    `gorm:"index" json:"agreement_id"`
	RequestHash    string    `json:"request_hash"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Identity is the caller of an engine operation
type Identity struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

const (
	PermissionOperate = "netting:operate"
	PermissionApprove = "netting:approve"
)

func (i Identity) Can(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	AgreementID string
	Status      SessionStatus
	Limit       int
}
