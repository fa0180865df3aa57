package netting

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreate             = "create"
	ActionReaggregate        = "reaggregate"
	ActionSubmit             = "submit_for_approval"
	ActionApprove            = "approve"
	ActionSettle             = "settle"
	ActionCancel             = "cancel"
	ActionDelete             = "delete"
	ActionInstructionFailed  = "instruction_failed"
	ActionInstructionResolve = "instruction_resolved"
)

// newAuditRecord builds the record for one transition. It is appended through
// the same Tx as the change it describes.
func newAuditRecord(sessionID, actor, action string, from, to string, description string) *AuditRecord {
	return &AuditRecord{
		RecordID:      "AUD_" + uuid.New().String(),
		SessionID:     sessionID,
		Actor:         actor,
		Action:        action,
		PreviousState: from,
		NewState:      to,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	}
}
