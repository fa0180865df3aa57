package netting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Settle completes every pending instruction of an approved session. The
// session becomes settled once no instruction is left failed; settling a
// settled session returns it unchanged.
func (e *Engine) Settle(ctx context.Context, cmd SettleCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionSettle, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("session_id", cmd.SessionID).
		Str("service", "netting").
		Logger()

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, err := tx.GetSession(cmd.SessionID)
		if err != nil {
			return err
		}
		if s.Status == StatusSettled {
			session = s
			return nil
		}
		if err := requireTransition(s, StatusSettled); err != nil {
			return err
		}

		now := e.now().UTC()
		var completed, failed int
		changed := make([]Instruction, 0, len(s.Instructions))
		for i := range s.Instructions {
			ins := &s.Instructions[i]
			switch ins.Status {
			case InstructionPending:
				ins.Status = InstructionCompleted
				ins.ProcessedAt = &now
				ins.UpdatedAt = now
				changed = append(changed, *ins)
				completed++
			case InstructionFailed:
				failed++
			}
		}

		if len(changed) > 0 {
			if err := tx.UpdateInstructions(changed); err != nil {
				return err
			}
		}

		if failed > 0 {
			session = s
			// only failed instructions remain; nothing moved so nothing is audited
			if len(changed) == 0 {
				return nil
			}
			s.UpdatedAt = now
			if err := tx.UpdateSession(s); err != nil {
				return err
			}
			return tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionSettle,
				string(StatusApproved), string(StatusApproved),
				fmt.Sprintf("partial settlement: %d instructions completed, %d failed", completed, failed)))
		}

		s.Status = StatusSettled
		s.SettledAt = &now
		s.UpdatedAt = now
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		if err := tx.AdvanceLastNettingDate(s.AgreementID, s.NettingDate); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionSettle,
			string(StatusApproved), string(StatusSettled),
			fmt.Sprintf("settled %d instructions", len(s.Instructions)))); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("status", string(session.Status)).Msg("settlement processed")
	return session, nil
}

// FailInstruction marks a pending instruction of an approved session as failed
func (e *Engine) FailInstruction(ctx context.Context, cmd FailInstructionCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionInstructionFailed, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, ins, err := approvedInstruction(tx, cmd.SessionID, cmd.InstructionID)
		if err != nil {
			return err
		}
		if ins.Status != InstructionPending {
			return ErrInvalidState.WithMessage(fmt.Sprintf("instruction %s is %s", ins.InstructionID, ins.Status))
		}

		now := e.now().UTC()
		ins.Status = InstructionFailed
		ins.FailureReason = cmd.Reason
		ins.UpdatedAt = now
		if err := tx.UpdateInstructions([]Instruction{*ins}); err != nil {
			return err
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionInstructionFailed,
			string(s.Status), string(s.Status),
			fmt.Sprintf("instruction %d (%s) failed: %s", ins.Sequence, ins.InstructionID, cmd.Reason))); err != nil {
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

// ResolveInstruction clears a failed instruction. Reissue puts it back to
// pending for the next Settle; reconcile records that it was settled out of band.
func (e *Engine) ResolveInstruction(ctx context.Context, cmd ResolveInstructionCommand) (session *Session, err error) {
	start := time.Now()
	defer func() { e.finish(ActionInstructionResolve, cmd.SessionID, start, err) }()

	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	err = e.repo.Atomic(ctx, []string{sessionLockKey(cmd.SessionID)}, func(tx Tx) error {
		s, ins, err := approvedInstruction(tx, cmd.SessionID, cmd.InstructionID)
		if err != nil {
			return err
		}
		if ins.Status != InstructionFailed {
			return ErrInvalidState.WithMessage(fmt.Sprintf("instruction %s is %s, not failed", ins.InstructionID, ins.Status))
		}

		now := e.now().UTC()
		switch cmd.Resolution {
		case ResolutionReissue:
			ins.Status = InstructionPending
			ins.ReissueCount++
		case ResolutionReconcile:
			ins.Status = InstructionCompleted
			ins.ProcessedAt = &now
		}
		ins.Resolution = cmd.Resolution
		ins.UpdatedAt = now
		if err := tx.UpdateInstructions([]Instruction{*ins}); err != nil {
			return err
		}

		description := fmt.Sprintf("instruction %d (%s) resolved by %s", ins.Sequence, ins.InstructionID, cmd.Resolution)
		if cmd.Note != "" {
			description += ": " + cmd.Note
		}
		if err := tx.AppendAudit(newAuditRecord(s.SessionID, cmd.Actor.ID, ActionInstructionResolve,
			string(s.Status), string(s.Status), description)); err != nil {
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

func approvedInstruction(tx Tx, sessionID, instructionID string) (*Session, *Instruction, error) {
	s, err := tx.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if s.Status != StatusApproved {
		return nil, nil, ErrInvalidState.WithMessage(fmt.Sprintf("session %s is %s, not %s", s.SessionID, s.Status, StatusApproved))
	}
	for i := range s.Instructions {
		if s.Instructions[i].InstructionID == instructionID {
			return s, &s.Instructions[i], nil
		}
	}
	return nil, nil, ErrInstructionNotFound.WithMessage(fmt.Sprintf("instruction %s not found in session %s", instructionID, sessionID))
}
