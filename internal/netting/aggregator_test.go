package netting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id, source, target string, amount int64) Transaction {
	return Transaction{TransactionID: id, SourceParty: source, TargetParty: target, Amount: amount, Currency: "USD"}
}

func TestAggregateThreePartyCycle(t *testing.T) {
	positions, err := Aggregate("NET_1", "USD", []Transaction{
		tx("T1", "A", "B", 10000),
		tx("T2", "B", "C", 10000),
		tx("T3", "C", "A", 4000),
	})
	require.NoError(t, err)
	require.Len(t, positions, 3)

	byParty := map[string]Position{}
	for _, p := range positions {
		byParty[p.PartyID] = p
	}
	assert.Equal(t, int64(-6000), byParty["A"].Amount)
	assert.Equal(t, int64(0), byParty["B"].Amount)
	assert.Equal(t, int64(6000), byParty["C"].Amount)

	assert.Equal(t, int64(4000), byParty["A"].Inflow)
	assert.Equal(t, int64(10000), byParty["A"].Outflow)
	assert.Equal(t, 2, byParty["B"].TransactionCount)

	assert.Equal(t, []string{"A", "B", "C"}, []string{positions[0].PartyID, positions[1].PartyID, positions[2].PartyID})
}

func TestAggregateConservesMoney(t *testing.T) {
	transactions := []Transaction{
		tx("T1", "A", "B", 1),
		tx("T2", "B", "C", 99999),
		tx("T3", "D", "A", 12345),
		tx("T4", "C", "D", 500),
		tx("T5", "A", "C", 7),
	}
	positions, err := Aggregate("NET_1", "USD", transactions)
	require.NoError(t, err)

	var sum int64
	for _, p := range positions {
		sum += p.Amount
		assert.Equal(t, p.Inflow-p.Outflow, p.Amount)
	}
	assert.Zero(t, sum)
}

func TestAggregateErrors(t *testing.T) {
	tests := []struct {
		name         string
		transactions []Transaction
		wantErr      error
	}{
		{
			name:    "empty set",
			wantErr: ErrEmptyTransactionSet,
		},
		{
			name: "currency mismatch",
			transactions: []Transaction{
				tx("T1", "A", "B", 100),
				{TransactionID: "T2", SourceParty: "B", TargetParty: "A", Amount: 100, Currency: "EUR"},
			},
			wantErr: ErrCurrencyMismatch,
		},
		{
			name:         "zero amount",
			transactions: []Transaction{tx("T1", "A", "B", 0)},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "negative amount",
			transactions: []Transaction{tx("T1", "A", "B", -5)},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "self transfer",
			transactions: []Transaction{tx("T1", "A", "A", 5)},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "missing party",
			transactions: []Transaction{tx("T1", "", "A", 5)},
			wantErr:      ErrInvalidInput,
		},
		{
			name: "overflow",
			transactions: []Transaction{
				tx("T1", "A", "B", math.MaxInt64),
				tx("T2", "C", "B", 1),
			},
			wantErr: ErrAmountOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions, err := Aggregate("NET_1", "USD", tt.transactions)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, positions)
		})
	}
}
