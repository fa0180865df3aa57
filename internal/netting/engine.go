package netting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-netting/internal/money"
	"github.com/ksred/klear-netting/pkg/apperror"
	"github.com/rs/zerolog/log"
)

// Engine drives netting sessions from aggregation through settlement.
// It keeps no state between calls; everything lives behind the Repository.
type Engine struct {
	repo           Repository
	optimizer      *Optimizer
	metrics        *Metrics
	now            func() time.Time
	idempotencyTTL time.Duration
}

type Option func(*Engine)

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.idempotencyTTL = ttl }
}

func NewEngine(repo Repository, optimizer *Optimizer, opts ...Option) *Engine {
	if optimizer == nil {
		optimizer = NewOptimizer(OptimizerConfig{})
	}
	e := &Engine{
		repo:           repo,
		optimizer:      optimizer,
		now:            time.Now,
		idempotencyTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches a session command to its operation
func (e *Engine) Execute(ctx context.Context, cmd Command) (*Session, error) {
	switch c := cmd.(type) {
	case CreateSessionCommand:
		return e.CreateSession(ctx, c)
	case ReaggregateCommand:
		return e.Reaggregate(ctx, c)
	case SubmitCommand:
		return e.SubmitForApproval(ctx, c)
	case ApproveCommand:
		return e.Approve(ctx, c)
	case SettleCommand:
		return e.Settle(ctx, c)
	case CancelCommand:
		return e.Cancel(ctx, c)
	case DeleteSessionCommand:
		return e.DeleteSession(ctx, c)
	case FailInstructionCommand:
		return e.FailInstruction(ctx, c)
	case ResolveInstructionCommand:
		return e.ResolveInstruction(ctx, c)
	default:
		return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("unsupported command %T", cmd))
	}
}

func (e *Engine) finish(action, sessionID string, start time.Time, err error) {
	e.metrics.observe(action, start, err)
	if err == nil {
		return
	}

	logger := log.With().
		Str("session_id", sessionID).
		Str("action", action).
		Str("service", "netting").
		Logger()

	switch apperror.KindOf(err) {
	case apperror.KindInvariant:
		e.metrics.incInvariantViolation(action)
		logger.Error().Err(err).Msg("money conservation invariant violated")
	case apperror.KindInput, apperror.KindState, apperror.KindNotFound, apperror.KindAuthorization:
		logger.Warn().Err(err).Msg("netting operation rejected")
	default:
		logger.Error().Err(err).Msg("netting operation failed")
	}
}

// CreateSession opens a draft session for an agreement and aggregates its positions
func (e *Engine) CreateSession(ctx context.Context, cmd CreateSessionCommand) (session *Session, err error) {
	start := time.Now()
	defer func() {
		id := ""
		if session != nil {
			id = session.SessionID
		}
		e.finish(ActionCreate, id, start, err)
	}()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("agreement_id", cmd.AgreementID).
		Str("service", "netting").
		Logger()
	logger.Info().Int("transactions", len(cmd.Transactions)).Msg("creating netting session")

	lockKeys := []string{agreementLockKey(cmd.AgreementID)}
	var requestHash string
	if cmd.IdempotencyKey != "" {
		lockKeys = append(lockKeys, idempotencyLockKey(cmd.IdempotencyKey))
		if requestHash, err = fingerprint(cmd); err != nil {
			return nil, err
		}
	}

	err = e.repo.Atomic(ctx, lockKeys, func(tx Tx) error {
		now := e.now().UTC()

		if cmd.IdempotencyKey != "" {
			record, err := tx.FindIdempotencyRecord(cmd.IdempotencyKey)
			if err != nil {
				return err
			}
			if record != nil {
				if record.ExpiresAt.Before(now) {
					return ErrIdempotencyExpired
				}
				if record.AgreementID != cmd.AgreementID || record.RequestHash != requestHash {
					return ErrIdempotencyConflict.WithMessage(fmt.Sprintf(
						"idempotency key %s was used for a different request on %s", cmd.IdempotencyKey, record.AgreementID))
				}
				existing, err := tx.GetSession(record.ResourceID)
				if err != nil {
					return err
				}
				logger.Info().
					Str("session_id", existing.SessionID).
					Str("idempotency_key", cmd.IdempotencyKey).
					Msg("returning session for replayed idempotency key")
				session = existing
				return nil
			}
		}

		agreement, err := tx.GetAgreement(cmd.AgreementID)
		if err != nil {
			return err
		}

		s := &Session{
			SessionID:   "NET_" + uuid.New().String(),
			AgreementID: agreement.AgreementID,
			NettingDate: cmd.NettingDate.UTC(),
			Currency:    agreement.Currency,
			Status:      StatusDraft,
			CreatedBy:   cmd.Actor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		txs, err := buildTransactions(s.SessionID, agreement, cmd.Transactions, now)
		if err != nil {
			return err
		}
		positions, err := Aggregate(s.SessionID, s.Currency, txs)
		if err != nil {
			return err
		}

		if err := tx.CreateSession(s); err != nil {
			return err
		}
		if err := tx.ReplaceTransactions(s.SessionID, txs); err != nil {
			return err
		}
		if err := tx.ReplacePositions(s.SessionID, positions); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionCreate, "", string(StatusDraft),
			fmt.Sprintf("session created for %s with %d transactions across %d parties",
				s.NettingDate.Format("2006-01-02"), len(txs), len(positions)))); err != nil {
			return err
		}
		if cmd.IdempotencyKey != "" {
			if err := tx.CreateIdempotencyRecord(&IdempotencyRecord{
				IdempotencyKey: cmd.IdempotencyKey,
				AgreementID:    agreement.AgreementID,
				RequestHash:    requestHash,
				ResourceID:     s.SessionID,
				ResourceType:   "netting_session",
				ExpiresAt:      now.Add(e.idempotencyTTL),
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		s.Transactions = txs
		s.Positions = positions
		s.Instructions = []Instruction{}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("session_id", session.SessionID).
		Int("positions", len(session.Positions)).
		Msg("netting session created")
	return session, nil
}

// Reaggregate replaces the transactions and positions of a draft session
func (e *Engine) Reaggregate(ctx context.Context, cmd ReaggregateCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionReaggregate, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if err := requireDraft(s); err != nil {
			return err
		}
		agreement, err := tx.GetAgreement(s.AgreementID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		txs, err := buildTransactions(s.SessionID, agreement, cmd.Transactions, now)
		if err != nil {
			return err
		}
		positions, err := Aggregate(s.SessionID, s.Currency, txs)
		if err != nil {
			return err
		}

		s.UpdatedAt = now
		if err := tx.ReplaceTransactions(s.SessionID, txs); err != nil {
			return err
		}
		if err := tx.ReplacePositions(s.SessionID, positions); err != nil {
			return err
		}
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionReaggregate,
			string(StatusDraft), string(StatusDraft),
			fmt.Sprintf("positions recomputed from %d transactions", len(txs)))); err != nil {
			return err
		}

		s.Transactions = txs
		s.Positions = positions
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SubmitForApproval moves a draft session with balanced positions to pending_approval
func (e *Engine) SubmitForApproval(ctx context.Context, cmd SubmitCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionSubmit, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if err := requireTransition(s, StatusPendingApproval); err != nil {
			return err
		}
		if len(s.Positions) == 0 {
			return ErrInvalidState.WithMessage(fmt.Sprintf("session %s has no positions", s.SessionID))
		}
		if _, err := e.optimizer.CheckBalanced(s.Positions); err != nil {
			return err
		}

		previous := s.Status
		s.Status = StatusPendingApproval
		s.UpdatedAt = e.now().UTC()
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionSubmit,
			string(previous), string(s.Status),
			fmt.Sprintf("submitted %d positions for approval", len(s.Positions)))); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Approve records the approver and generates the settlement instructions
func (e *Engine) Approve(ctx context.Context, cmd ApproveCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionApprove, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Approver); err != nil {
		return nil, err
	}
	if !cmd.Approver.Can(PermissionApprove) {
		return nil, ErrUnauthorized.WithMessage(fmt.Sprintf("%s may not approve netting sessions", cmd.Approver.ID))
	}

	logger := log.With().
		Str("session_id", cmd.SessionID).
		Str("approver", cmd.Approver.ID).
		Str("service", "netting").
		Logger()

	var transactions int
	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusPendingApproval {
			return ErrInvalidState.WithMessage(fmt.Sprintf("session %s is %s, not %s", s.SessionID, s.Status, StatusPendingApproval))
		}

		plan, err := e.optimizer.Optimize(s.Positions)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		instructions := make([]Instruction, 0, len(plan.Transfers))
		for i, t := range plan.Transfers {
			instructions = append(instructions, Instruction{
				InstructionID: "INS_" + uuid.New().String(),
				SessionID:     s.SessionID,
				Sequence:      i + 1,
				SourceParty:   t.From,
				TargetParty:   t.To,
				Amount:        t.Amount,
				Currency:      s.Currency,
				Status:        InstructionPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}

		previous := s.Status
		s.Status = StatusApproved
		s.ApprovedBy = cmd.Approver.ID
		s.ApprovedAt = &now
		s.UpdatedAt = now

		if err := tx.ReplaceInstructions(s.SessionID, instructions); err != nil {
			return err
		}
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		description := fmt.Sprintf("approved by %s; %d settlement instructions generated", cmd.Approver.ID, len(instructions))
		if plan.Residual != 0 {
			description += fmt.Sprintf("; residual of %d minor units absorbed", plan.Residual)
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Approver.ID, ActionApprove,
			string(previous), string(s.Status), description)); err != nil {
			return err
		}

		s.Instructions = instructions
		transactions = len(s.Transactions)
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.observePlan(len(session.Instructions), transactions)
	logger.Info().
		Int("instructions", len(session.Instructions)).
		Int("positions", len(session.Positions)).
		Msg("netting session approved")
	return session, nil
}

// Cancel discards a session that has not been approved yet
func (e *Engine) Cancel(ctx context.Context, cmd CancelCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionCancel, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if err := requireTransition(s, StatusCancelled); err != nil {
			return err
		}

		now := e.now().UTC()
		previous := s.Status
		s.Status = StatusCancelled
		s.CancelledAt = &now
		s.CancelReason = cmd.Reason
		s.UpdatedAt = now
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionCancel,
			string(previous), string(s.Status), "cancelled: "+cmd.Reason)); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession removes a draft or cancelled session together with its
// positions, transactions and instructions. The audit trail is kept.
func (e *Engine) DeleteSession(ctx context.Context, cmd DeleteSessionCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionDelete, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusDraft && s.Status != StatusCancelled {
			return ErrInvalidState.WithMessage(fmt.Sprintf("session %s is %s and cannot be deleted", s.SessionID, s.Status))
		}
		if err := tx.DeleteSession(s.SessionID); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionDelete,
			string(s.Status), "deleted", "session and its positions removed")); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return e.repo.GetSession(ctx, sessionID)
}

func (e *Engine) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	return e.repo.ListSessions(ctx, filter)
}

// AuditTrail returns the audit records of a session in the order they were written
func (e *Engine) AuditTrail(ctx context.Context, sessionID string) ([]AuditRecord, error) {
	records, err := e.repo.ListAuditRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := e.repo.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// fingerprint identifies the request body an idempotency key was first used with
func fingerprint(cmd CreateSessionCommand) (string, error) {
	body, err := json.Marshal(struct {
		AgreementID  string             `json:"agreement_id"`
		NettingDate  string             `json:"netting_date"`
		Transactions []TransactionInput `json:"transactions"`
	}{
		AgreementID:  cmd.AgreementID,
		NettingDate:  cmd.NettingDate.UTC().Format(time.RFC3339),
		Transactions: cmd.Transactions,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func buildTransactions(sessionID string, agreement *Agreement, inputs []TransactionInput, now time.Time) ([]Transaction, error) {
	txs := make([]Transaction, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		currency, err := money.NormalizeCurrency(in.Currency)
		if err != nil {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transaction %d: %v", i, err))
		}
		for _, party := range []string{in.SourceParty, in.TargetParty} {
			if !agreement.HasParty(party) {
				return nil, ErrUnknownParty.WithMessage(fmt.Sprintf("party %s is not enrolled in agreement %s", party, agreement.AgreementID))
			}
		}

		id := in.TransactionID
		if id == "" {
			id = "TXN_" + uuid.New().String()
		}
		if seen[id] {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("duplicate transaction id %s", id))
		}
		seen[id] = true

		date := in.TransactionDate
		if date.IsZero() {
			date = now
		}

		txs = append(txs, Transaction{
			TransactionID:   id,
			SessionID:       sessionID,
			SourceParty:     in.SourceParty,
			TargetParty:     in.TargetParty,
			Amount:          in.Amount,
			Currency:        currency,
			SourceDocument:  in.SourceDocument,
			TransactionDate: date.UTC(),
			CreatedAt:       now,
		})
	}
	return txs, nil
}

// IsRetryable reports whether the caller may retry after re-fetching state
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSessionLocked)
}
