package netting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a Repository backed by process memory. Writes inside
// Atomic are staged and applied in one step on success.
type MemoryRepository struct {
	locks *keyedMutex

	mu          sync.RWMutex
	agreements  map[string]*Agreement
	sessions    map[string]*Session
	audit       []AuditRecord
	idempotency map[string]IdempotencyRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:       newKeyedMutex(),
		agreements:  make(map[string]*Agreement),
		sessions:    make(map[string]*Session),
		idempotency: make(map[string]IdempotencyRecord),
	}
}

func (r *MemoryRepository) Atomic(ctx context.Context, lockKeys []string, fn func(tx Tx) error) error {
	unlock := r.locks.Lock(lockKeys...)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

func (r *MemoryRepository) GetAgreement(_ context.Context, agreementID string) (*Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agreement(agreementID)
}

func (r *MemoryRepository) ListAgreements(_ context.Context) ([]Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agreements := make([]Agreement, 0, len(r.agreements))
	for _, a := range r.agreements {
		agreements = append(agreements, *cloneAgreement(a))
	}
	sort.Slice(agreements, func(i, j int) bool {
		return agreements[i].AgreementID < agreements[j].AgreementID
	})
	return agreements, nil
}

func (r *MemoryRepository) PurgeIdempotencyRecords(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for key, rec := range r.idempotency {
		if rec.ExpiresAt.Before(cutoff) {
			delete(r.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session(sessionID)
}

func (r *MemoryRepository) ListSessions(_ context.Context, filter SessionFilter) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0)
	for _, s := range r.sessions {
		if filter.AgreementID != "" && s.AgreementID != filter.AgreementID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		sessions = append(sessions, *cloneSession(s))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	if filter.Limit > 0 && len(sessions) > filter.Limit {
		sessions = sessions[:filter.Limit]
	}
	return sessions, nil
}

func (r *MemoryRepository) ListAuditRecords(_ context.Context, sessionID string) ([]AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]AuditRecord, 0)
	for _, rec := range r.audit {
		if rec.SessionID == sessionID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *MemoryRepository) agreement(agreementID string) (*Agreement, error) {
	a, ok := r.agreements[agreementID]
	if !ok {
		return nil, ErrAgreementNotFound.WithMessage(fmt.Sprintf("agreement %s not found", agreementID))
	}
	return cloneAgreement(a), nil
}

func (r *MemoryRepository) session(sessionID string) (*Session, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound.WithMessage(fmt.Sprintf("session %s not found", sessionID))
	}
	return cloneSession(s), nil
}

type memoryTx struct {
	repo *MemoryRepository
	ops  []func()
}

func (t *memoryTx) stage(op func()) {
	t.ops = append(t.ops, op)
}

func (t *memoryTx) GetAgreement(agreementID string) (*Agreement, error) {
	return t.repo.GetAgreement(context.Background(), agreementID)
}

func (t *memoryTx) CreateAgreement(a *Agreement) error {
	t.repo.mu.RLock()
	_, exists := t.repo.agreements[a.AgreementID]
	t.repo.mu.RUnlock()
	if exists {
		return fmt.Errorf("agreement %s already exists", a.AgreementID)
	}
	c := cloneAgreement(a)
	t.stage(func() { t.repo.agreements[c.AgreementID] = c })
	return nil
}

func (t *memoryTx) UpdateAgreement(a *Agreement) error {
	c := cloneAgreement(a)
	t.stage(func() {
		existing, ok := t.repo.agreements[c.AgreementID]
		if !ok {
			return
		}
		c.Parties = existing.Parties
		c.LastNettingDate = existing.LastNettingDate
		t.repo.agreements[c.AgreementID] = c
	})
	return nil
}

func (t *memoryTx) CreateParty(p *Party) error {
	c := *p
	t.stage(func() {
		if a, ok := t.repo.agreements[c.AgreementID]; ok {
			a.Parties = append(a.Parties, c)
		}
	})
	return nil
}

func (t *memoryTx) UpdateParty(p *Party) error {
	c := *p
	t.stage(func() {
		a, ok := t.repo.agreements[c.AgreementID]
		if !ok {
			return
		}
		for i := range a.Parties {
			if a.Parties[i].PartyID == c.PartyID {
				a.Parties[i] = c
			}
		}
	})
	return nil
}

func (t *memoryTx) AdvanceLastNettingDate(agreementID string, date time.Time) error {
	t.stage(func() {
		a, ok := t.repo.agreements[agreementID]
		if !ok {
			return
		}
		if a.LastNettingDate == nil || a.LastNettingDate.Before(date) {
			d := date
			a.LastNettingDate = &d
			a.UpdatedAt = time.Now()
		}
	})
	return nil
}

func (t *memoryTx) CountSessions(agreementID string) (int64, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	var n int64
	for _, s := range t.repo.sessions {
		if s.AgreementID == agreementID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) PartyInSettledSession(agreementID, partyID string) (bool, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, s := range t.repo.sessions {
		if s.AgreementID != agreementID || s.Status != StatusSettled {
			continue
		}
		for _, p := range s.Positions {
			if p.PartyID == partyID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memoryTx) GetSession(sessionID string) (*Session, error) {
	return t.repo.GetSession(context.Background(), sessionID)
}

func (t *memoryTx) CreateSession(s *Session) error {
	t.repo.mu.RLock()
	_, exists := t.repo.sessions[s.SessionID]
	t.repo.mu.RUnlock()
	if exists {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	c := cloneSession(s)
	t.stage(func() { t.repo.sessions[c.SessionID] = c })
	return nil
}

func (t *memoryTx) UpdateSession(s *Session) error {
	c := cloneSession(s)
	t.stage(func() {
		existing, ok := t.repo.sessions[c.SessionID]
		if !ok {
			return
		}
		c.Transactions = existing.Transactions
		c.Positions = existing.Positions
		c.Instructions = existing.Instructions
		t.repo.sessions[c.SessionID] = c
	})
	return nil
}

func (t *memoryTx) DeleteSession(sessionID string) error {
	t.stage(func() { delete(t.repo.sessions, sessionID) })
	return nil
}

func (t *memoryTx) ReplaceTransactions(sessionID string, txs []Transaction) error {
	c := append([]Transaction(nil), txs...)
	t.stage(func() {
		if s, ok := t.repo.sessions[sessionID]; ok {
			s.Transactions = c
		}
	})
	return nil
}

func (t *memoryTx) ReplacePositions(sessionID string, positions []Position) error {
	c := append([]Position(nil), positions...)
	t.stage(func() {
		if s, ok := t.repo.sessions[sessionID]; ok {
			s.Positions = c
		}
	})
	return nil
}

func (t *memoryTx) ReplaceInstructions(sessionID string, instructions []Instruction) error {
	c := cloneInstructions(instructions)
	t.stage(func() {
		if s, ok := t.repo.sessions[sessionID]; ok {
			s.Instructions = c
		}
	})
	return nil
}

func (t *memoryTx) UpdateInstructions(instructions []Instruction) error {
	c := cloneInstructions(instructions)
	t.stage(func() {
		for _, ins := range c {
			s, ok := t.repo.sessions[ins.SessionID]
			if !ok {
				continue
			}
			for i := range s.Instructions {
				if s.Instructions[i].InstructionID == ins.InstructionID {
					s.Instructions[i] = ins
				}
			}
		}
	})
	return nil
}

func (t *memoryTx) AppendAudit(rec *AuditRecord) error {
	c := *rec
	t.stage(func() { t.repo.audit = append(t.repo.audit, c) })
	return nil
}

func (t *memoryTx) FindIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	rec, ok := t.repo.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memoryTx) CreateIdempotencyRecord(rec *IdempotencyRecord) error {
	t.repo.mu.RLock()
	_, exists := t.repo.idempotency[rec.IdempotencyKey]
	t.repo.mu.RUnlock()
	if exists {
		return ErrIdempotencyConflict.WithMessage(fmt.Sprintf("idempotency key %s is already in use", rec.IdempotencyKey))
	}

	c := *rec
	t.stage(func() { t.repo.idempotency[c.IdempotencyKey] = c })
	return nil
}

func cloneAgreement(a *Agreement) *Agreement {
	c := *a
	c.Parties = append([]Party(nil), a.Parties...)
	if a.LastNettingDate != nil {
		d := *a.LastNettingDate
		c.LastNettingDate = &d
	}
	return &c
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Transactions = append([]Transaction(nil), s.Transactions...)
	c.Positions = append([]Position(nil), s.Positions...)
	c.Instructions = cloneInstructions(s.Instructions)
	c.ApprovedAt = cloneTime(s.ApprovedAt)
	c.SettledAt = cloneTime(s.SettledAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

func cloneInstructions(in []Instruction) []Instruction {
	out := make([]Instruction, len(in))
	for i, ins := range in {
		out[i] = ins
		out[i].ProcessedAt = cloneTime(ins.ProcessedAt)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
