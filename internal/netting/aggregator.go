package netting

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ksred/klear-netting/internal/money"
	"github.com/rs/zerolog/log"
)

// Aggregate folds a transaction set into one position per distinct party.
// Each transaction moves amount out of SourceParty and into TargetParty, so the
// resulting positions always sum to zero.
// Positions are returned ordered by party identifier.
func Aggregate(sessionID, currency string, transactions []Transaction) ([]Position, error) {
	logger := log.With().
		Str("session_id", sessionID).
		Str("currency", currency).
		Str("service", "netting").
		Logger()

	if len(transactions) == 0 {
		return nil, ErrEmptyTransactionSet
	}

	byParty := make(map[string]*Position)
	get := func(partyID string) *Position {
		p, ok := byParty[partyID]
		if !ok {
			p = &Position{SessionID: sessionID, PartyID: partyID, Currency: currency}
			byParty[partyID] = p
		}
		return p
	}

	for _, tx := range transactions {
		if tx.Currency != currency {
			return nil, ErrCurrencyMismatch.WithMessage(fmt.Sprintf(
				"transaction %s is in %s, session currency is %s", tx.TransactionID, tx.Currency, currency))
		}
		if tx.Amount <= 0 {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transaction %s amount must be positive", tx.TransactionID))
		}
		if tx.SourceParty == "" || tx.TargetParty == "" {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transaction %s must name both parties", tx.TransactionID))
		}
		if tx.SourceParty == tx.TargetParty {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transaction %s has the same source and target", tx.TransactionID))
		}

		source := get(tx.SourceParty)
		target := get(tx.TargetParty)
		if err := accumulate(source, target, tx.Amount); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	positions := make([]Position, 0, len(byParty))
	var sum int64
	for _, p := range byParty {
		p.CreatedAt = now
		positions = append(positions, *p)
		sum += p.Amount
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].PartyID < positions[j].PartyID
	})

	// Each transaction contributes +a and -a, so anything else is a bug here.
	if sum != 0 {
		logger.Error().Int64("position_sum", sum).Msg("aggregated positions do not conserve money")
		return nil, ErrUnbalancedPositions.WithMessage(fmt.Sprintf("aggregated positions sum to %d", sum))
	}

	logger.Debug().
		Int("transactions", len(transactions)).
		Int("parties", len(positions)).
		Msg("aggregated positions")

	return positions, nil
}

func accumulate(source, target *Position, amount int64) error {
	var err error
	if source.Outflow, err = money.Add(source.Outflow, amount); err != nil {
		return overflow(err)
	}
	if source.Amount, err = money.Add(source.Amount, -amount); err != nil {
		return overflow(err)
	}
	if target.Inflow, err = money.Add(target.Inflow, amount); err != nil {
		return overflow(err)
	}
	if target.Amount, err = money.Add(target.Amount, amount); err != nil {
		return overflow(err)
	}
	source.TransactionCount++
	target.TransactionCount++
	return nil
}

func overflow(err error) error {
	if errors.Is(err, money.ErrOverflow) {
		return ErrAmountOverflow.Wrap(err)
	}
	return err
}
