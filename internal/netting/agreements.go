package netting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-netting/internal/money"
	"github.com/rs/zerolog/log"
)

// CreateAgreement registers a netting agreement and its initial parties
func (e *Engine) CreateAgreement(ctx context.Context, cmd CreateAgreementCommand) (*Agreement, error) {
	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	currency, err := money.NormalizeCurrency(cmd.Currency)
	if err != nil {
		return nil, ErrInvalidInput.WithMessage(err.Error())
	}

	id := cmd.AgreementID
	if id == "" {
		id = "AGR_" + uuid.New().String()
	}

	now := e.now().UTC()
	agreement := &Agreement{
		AgreementID:      id,
		Name:             cmd.Name,
		Currency:         currency,
		Frequency:        cmd.Frequency,
		SettlementMethod: cmd.SettlementMethod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	seen := make(map[string]bool, len(cmd.Parties))
	for _, in := range cmd.Parties {
		if seen[in.PartyID] {
			return nil, ErrDuplicateParty.WithMessage(fmt.Sprintf("party %s listed twice", in.PartyID))
		}
		seen[in.PartyID] = true
		agreement.Parties = append(agreement.Parties, newParty(id, in, now))
	}

	err = e.repo.Atomic(ctx, []string{agreementLockKey(id)}, func(tx Tx) error {
		if _, err := tx.GetAgreement(id); err == nil {
			return ErrAgreementExists.WithMessage(fmt.Sprintf("agreement %s already exists", id))
		}
		return tx.CreateAgreement(agreement)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("agreement_id", id).
		Str("currency", currency).
		Int("parties", len(agreement.Parties)).
		Str("service", "netting").
		Msg("netting agreement created")
	return agreement, nil
}

func (e *Engine) GetAgreement(ctx context.Context, agreementID string) (*Agreement, error) {
	return e.repo.GetAgreement(ctx, agreementID)
}

func (e *Engine) ListAgreements(ctx context.Context) ([]Agreement, error) {
	return e.repo.ListAgreements(ctx)
}

// UpdateAgreement patches agreement terms. Currency and frequency are fixed
// once any session references the agreement.
func (e *Engine) UpdateAgreement(ctx context.Context, cmd UpdateAgreementCommand) (*Agreement, error) {
	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	var updated *Agreement
	err := e.repo.Atomic(ctx, []string{agreementLockKey(cmd.AgreementID)}, func(tx Tx) error {
		a, err := tx.GetAgreement(cmd.AgreementID)
		if err != nil {
			return err
		}

		termsChanged := false
		if cmd.Currency != nil {
			currency, err := money.NormalizeCurrency(*cmd.Currency)
			if err != nil {
				return ErrInvalidInput.WithMessage(err.Error())
			}
			termsChanged = termsChanged || currency != a.Currency
			a.Currency = currency
		}
		if cmd.Frequency != nil {
			termsChanged = termsChanged || *cmd.Frequency != a.Frequency
			a.Frequency = *cmd.Frequency
		}
		if termsChanged {
			n, err := tx.CountSessions(a.AgreementID)
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrAgreementImmutable.WithMessage(fmt.Sprintf("agreement %s is referenced by %d sessions", a.AgreementID, n))
			}
		}
		if cmd.Name != nil {
			a.Name = *cmd.Name
		}
		if cmd.SettlementMethod != nil {
			a.SettlementMethod = *cmd.SettlementMethod
		}
		a.UpdatedAt = e.now().UTC()

		if err := tx.UpdateAgreement(a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddParty enrols a new party in an agreement
func (e *Engine) AddParty(ctx context.Context, cmd AddPartyCommand) (*Party, error) {
	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	var party Party
	err := e.repo.Atomic(ctx, []string{agreementLockKey(cmd.AgreementID)}, func(tx Tx) error {
		a, err := tx.GetAgreement(cmd.AgreementID)
		if err != nil {
			return err
		}
		if a.HasParty(cmd.Party.PartyID) {
			return ErrDuplicateParty.WithMessage(fmt.Sprintf("party %s already enrolled in %s", cmd.Party.PartyID, a.AgreementID))
		}
		party = newParty(a.AgreementID, cmd.Party, e.now().UTC())
		return tx.CreateParty(&party)
	})
	if err != nil {
		return nil, err
	}
	return &party, nil
}

// UpdateParty renames or reclassifies a party. Parties that appear in a
// settled session are frozen.
func (e *Engine) UpdateParty(ctx context.Context, cmd UpdatePartyCommand) (*Party, error) {
	if err := validateCommand(cmd, cmd.Actor); err != nil {
		return nil, err
	}

	var party *Party
	err := e.repo.Atomic(ctx, []string{agreementLockKey(cmd.AgreementID)}, func(tx Tx) error {
		a, err := tx.GetAgreement(cmd.AgreementID)
		if err != nil {
			return err
		}
		for i := range a.Parties {
			if a.Parties[i].PartyID == cmd.PartyID {
				party = &a.Parties[i]
			}
		}
		if party == nil {
			return ErrPartyNotFound.WithMessage(fmt.Sprintf("party %s not enrolled in %s", cmd.PartyID, a.AgreementID))
		}

		locked, err := tx.PartyInSettledSession(a.AgreementID, cmd.PartyID)
		if err != nil {
			return err
		}
		if locked {
			return ErrPartyLocked.WithMessage(fmt.Sprintf("party %s appears in a settled session", cmd.PartyID))
		}

		if cmd.Name != nil {
			party.Name = *cmd.Name
		}
		if cmd.Kind != nil {
			party.Kind = *cmd.Kind
		}
		party.UpdatedAt = e.now().UTC()
		return tx.UpdateParty(party)
	})
	if err != nil {
		return nil, err
	}
	return party, nil
}

func newParty(agreementID string, in PartyInput, now time.Time) Party {
	kind := in.Kind
	if kind == "" {
		kind = PartyExternal
	}
	return Party{
		PartyID:     in.PartyID,
		AgreementID: agreementID,
		Name:        in.Name,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
