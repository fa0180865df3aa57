package offset

import (
	"time"

	"github.com/ksred/klear-netting/pkg/apperror"
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusPosted Status = "posted"
)

// Entry is a bilateral adjustment: DebitParty's obligation to CreditParty
// is reduced by Amount. It never touches netting sessions.
type Entry struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	EntryID     string     `gorm:"uniqueIndex" json:"entry_id"`
	DebitParty  string     `gorm:"index" json:"debit_party"`
	CreditParty string     `gorm:"index" json:"credit_party"`
	Amount      int64      `json:"-"` // minor units
	Currency    string     `json:"currency"`
	Reference   string     `json:"reference,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      Status     `gorm:"index" json:"status"`
	CreatedBy   string     `json:"created_by"`
	PostedBy    string     `json:"posted_by,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Entry) TableName() string {
	return "offset_entries"
}

type Filter struct {
	Party  string
	Status Status
	Limit  int
}

var (
	ErrInvalidInput  = apperror.New(apperror.KindInput, "INVALID_INPUT", "invalid offset entry")
	ErrSameParty     = apperror.New(apperror.KindInput, "SAME_PARTY", "an offset needs two distinct parties")
	ErrEntryNotFound = apperror.New(apperror.KindNotFound, "OFFSET_NOT_FOUND", "offset entry not found")
	ErrAlreadyPosted = apperror.New(apperror.KindState, "OFFSET_POSTED", "posted offset entries are immutable")
)
