package netting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TransactionInput is one gross obligation: SourceParty owes TargetParty Amount
type TransactionInput struct {
	TransactionID   string    `json:"transaction_id"`
	SourceParty     string    `json:"source_party" validate:"required"`
	TargetParty     string    `json:"target_party" validate:"required"`
	Amount          int64     `json:"amount"` // minor units
	Currency        string    `json:"currency" validate:"required,len=3"`
	SourceDocument  string    `json:"source_document"`
	TransactionDate time.Time `json:"transaction_date"`
}

type PartyInput struct {
	PartyID string `json:"party_id" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Kind    string `json:"kind" validate:"omitempty,oneof=internal external"`
}

type CreateAgreementCommand struct {
	AgreementID      string       `validate:"omitempty,max=64"`
	Name             string       `validate:"required"`
	Currency         string       `validate:"required,len=3"`
	Frequency        string       `validate:"required,oneof=daily weekly monthly quarterly"`
	SettlementMethod string       `validate:"required,oneof=direct_transfer clearing_account"`
	Parties          []PartyInput `validate:"min=2,dive"`
	Actor            Identity
}

type UpdateAgreementCommand struct {
	AgreementID      string  `validate:"required"`
	Name             *string `validate:"omitempty,min=1"`
	Currency         *string `validate:"omitempty,len=3"`
	Frequency        *string `validate:"omitempty,oneof=daily weekly monthly quarterly"`
	SettlementMethod *string `validate:"omitempty,oneof=direct_transfer clearing_account"`
	Actor            Identity
}

type AddPartyCommand struct {
	AgreementID string `validate:"required"`
	Party       PartyInput
	Actor       Identity
}

type UpdatePartyCommand struct {
	AgreementID string  `validate:"required"`
	PartyID     string  `validate:"required"`
	Name        *string `validate:"omitempty,min=1"`
	Kind        *string `validate:"omitempty,oneof=internal external"`
	Actor       Identity
}

// Command is the closed set of session operations accepted by Engine.Execute
type Command interface {
	actor() Identity
	sessionCommand()
}

type CreateSessionCommand struct {
	AgreementID    string             `validate:"required"`
	NettingDate    time.Time          `validate:"required"`
	Transactions   []TransactionInput `validate:"dive"`
	IdempotencyKey string             `validate:"omitempty,max=128"`
	Actor          Identity
}

type ReaggregateCommand struct {
	SessionID    string             `validate:"required"`
	Transactions []TransactionInput `validate:"dive"`
	Actor        Identity
}

type SubmitCommand struct {
	SessionID string `validate:"required"`
	Actor     Identity
}

type ApproveCommand struct {
	SessionID string `validate:"required"`
	Approver  Identity
}

type SettleCommand struct {
	SessionID string `validate:"required"`
	Actor     Identity
}

type CancelCommand struct {
	SessionID string `validate:"required"`
	Reason    string `validate:"required"`
	Actor     Identity
}

type DeleteSessionCommand struct {
	SessionID string `validate:"required"`
	Actor     Identity
}

type FailInstructionCommand struct {
	SessionID     string `validate:"required"`
	InstructionID string `validate:"required"`
	Reason        string `validate:"required"`
	Actor         Identity
}

const (
	ResolutionReissue   = "reissue"
	ResolutionReconcile = "reconcile"
)

type ResolveInstructionCommand struct {
	SessionID     string `validate:"required"`
	InstructionID string `validate:"required"`
	Resolution    string `validate:"required,oneof=reissue reconcile"`
	Note          string
	Actor         Identity
}

func (c CreateSessionCommand) actor() Identity      { return c.Actor }
func (c ReaggregateCommand) actor() Identity        { return c.Actor }
func (c SubmitCommand) actor() Identity             { return c.Actor }
func (c ApproveCommand) actor() Identity            { return c.Approver }
func (c SettleCommand) actor() Identity             { return c.Actor }
func (c CancelCommand) actor() Identity             { return c.Actor }
func (c DeleteSessionCommand) actor() Identity      { return c.Actor }
func (c FailInstructionCommand) actor() Identity    { return c.Actor }
func (c ResolveInstructionCommand) actor() Identity { return c.Actor }

func (CreateSessionCommand) sessionCommand()      {}
func (ReaggregateCommand) sessionCommand()        {}
func (SubmitCommand) sessionCommand()             {}
func (ApproveCommand) sessionCommand()            {}
func (SettleCommand) sessionCommand()             {}
func (CancelCommand) sessionCommand()             {}
func (DeleteSessionCommand) sessionCommand()      {}
func (FailInstructionCommand) sessionCommand()    {}
func (ResolveInstructionCommand) sessionCommand() {}

// validateCommand checks struct tags and that an actor is named
func validateCommand(cmd interface{}, actor Identity) error {
	if strings.TrimSpace(actor.ID) == "" {
		return ErrInvalidInput.WithMessage("actor identity is required")
	}
	if err := validate.Struct(cmd); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return ErrInvalidInput.WithMessage(strings.Join(msgs, "; "))
		}
		return ErrInvalidInput.Wrap(err)
	}
	return nil
}
