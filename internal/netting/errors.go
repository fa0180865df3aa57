package netting

import "github.com/ksred/klear-netting/pkg/apperror"

var (
	ErrInvalidInput        = apperror.New(apperror.KindInput, "INVALID_INPUT", "invalid input")
	ErrCurrencyMismatch    = apperror.New(apperror.KindInput, "CURRENCY_MISMATCH", "transaction currency differs from session currency")
	ErrEmptyTransactionSet = apperror.New(apperror.KindInput, "EMPTY_TRANSACTION_SET", "no transactions to aggregate")
	ErrUnknownParty        = apperror.New(apperror.KindInput, "UNKNOWN_PARTY", "party is not enrolled in the agreement")
	ErrAmountOverflow      = apperror.New(apperror.KindInput, "AMOUNT_OVERFLOW", "amount overflows minor units")
	ErrIdempotencyExpired  = apperror.New(apperror.KindInput, "IDEMPOTENCY_KEY_EXPIRED", "idempotency key has expired, use a new key")

	ErrAgreementNotFound   = apperror.New(apperror.KindNotFound, "AGREEMENT_NOT_FOUND", "netting agreement not found")
	ErrSessionNotFound     = apperror.New(apperror.KindNotFound, "SESSION_NOT_FOUND", "netting session not found")
	ErrInstructionNotFound = apperror.New(apperror.KindNotFound, "INSTRUCTION_NOT_FOUND", "settlement instruction not found")
	ErrPartyNotFound       = apperror.New(apperror.KindNotFound, "PARTY_NOT_FOUND", "netting party not found")

	ErrInvalidState       = apperror.New(apperror.KindState, "INVALID_STATE", "operation not allowed in current state")
	ErrSessionLocked      = apperror.New(apperror.KindState, "SESSION_LOCKED", "session positions and instructions are read-only")
	ErrAgreementImmutable = apperror.New(apperror.KindState, "AGREEMENT_IMMUTABLE", "agreement currency and frequency are fixed once a session exists")
	ErrPartyLocked        = apperror.New(apperror.KindState, "PARTY_LOCKED", "party is referenced by a settled session")
	ErrDuplicateParty     = apperror.New(apperror.KindState, "DUPLICATE_PARTY", "party already enrolled in the agreement")
	ErrAgreementExists    = apperror.New(apperror.KindState, "AGREEMENT_EXISTS", "agreement already exists")

	ErrIdempotencyConflict = apperror.New(apperror.KindState, "IDEMPOTENCY_KEY_CONFLICT", "idempotency key was used for a different request")

	ErrUnauthorized = apperror.New(apperror.KindAuthorization, "UNAUTHORIZED", "caller lacks the approver capability")

	ErrUnbalancedPositions = apperror.New(apperror.KindInvariant, "UNBALANCED_POSITIONS", "positions do not sum to zero")
)
