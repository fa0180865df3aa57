package netting

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func positionsOf(amounts map[string]int64) []Position {
	positions := make([]Position, 0, len(amounts))
	for party, amount := range amounts {
		positions = append(positions, Position{PartyID: party, Amount: amount, Currency: "USD"})
	}
	return positions
}

// settles applies the plan to the positions and reports whether every party ends at zero
func settles(positions []Position, plan *Plan) bool {
	remaining := make(map[string]int64, len(positions))
	for _, p := range positions {
		remaining[p.PartyID] = p.Amount
	}
	for _, t := range plan.Transfers {
		remaining[t.From] += t.Amount
		remaining[t.To] -= t.Amount
	}
	for _, v := range remaining {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestOptimizeThreePartyCycle(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	plan, err := o.Optimize(positionsOf(map[string]int64{"A": -6000, "B": 0, "C": 6000}))
	require.NoError(t, err)
	assert.Equal(t, []Transfer{{From: "A", To: "C", Amount: 6000}}, plan.Transfers)
	assert.Zero(t, plan.Residual)
}

func TestOptimizeFourParties(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	plan, err := o.Optimize(positionsOf(map[string]int64{"A": 50, "B": 30, "C": -40, "D": -40}))
	require.NoError(t, err)
	assert.Equal(t, []Transfer{
		{From: "C", To: "A", Amount: 40},
		{From: "D", To: "B", Amount: 30},
		{From: "D", To: "A", Amount: 10},
	}, plan.Transfers)
}

func TestOptimizeIsDeterministic(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	amounts := map[string]int64{"P1": 100, "P2": 100, "P3": -100, "P4": -50, "P5": -50, "P6": 0}

	first, err := o.Optimize(positionsOf(amounts))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		// map iteration shuffles the input order on every call
		plan, err := o.Optimize(positionsOf(amounts))
		require.NoError(t, err)
		assert.Equal(t, first.Transfers, plan.Transfers)
	}
}

func TestOptimizeAllZero(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	plan, err := o.Optimize(positionsOf(map[string]int64{"A": 0, "B": 0}))
	require.NoError(t, err)
	assert.Empty(t, plan.Transfers)
}

func TestOptimizeRandomSets(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(30)
		positions := make([]Position, 0, n)
		var sum int64
		for i := 0; i < n-1; i++ {
			amount := rng.Int63n(2_000_000) - 1_000_000
			positions = append(positions, Position{PartyID: fmt.Sprintf("P%03d", i), Amount: amount})
			sum += amount
		}
		positions = append(positions, Position{PartyID: fmt.Sprintf("P%03d", n-1), Amount: -sum})

		nonZero := 0
		for _, p := range positions {
			if p.Amount != 0 {
				nonZero++
			}
		}

		plan, err := o.Optimize(positions)
		require.NoError(t, err)
		assert.True(t, settles(positions, plan), "round %d does not settle", round)
		if nonZero > 0 {
			assert.LessOrEqual(t, len(plan.Transfers), nonZero-1, "round %d", round)
		}
		for _, tr := range plan.Transfers {
			assert.Positive(t, tr.Amount)
			assert.NotEqual(t, tr.From, tr.To)
		}
	}
}

func TestOptimizeRejectsUnbalanced(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	_, err := o.Optimize(positionsOf(map[string]int64{"A": 100, "B": -99}))
	assert.ErrorIs(t, err, ErrUnbalancedPositions)
}

func TestOptimizeRejectsDuplicateParty(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{})
	_, err := o.Optimize([]Position{
		{PartyID: "A", Amount: 10},
		{PartyID: "A", Amount: -10},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOptimizeResidualWithinEpsilon(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{Epsilon: 2, ResidualPolicy: ResidualLargest})
	plan, err := o.Optimize(positionsOf(map[string]int64{"A": 100, "B": 50, "C": -149}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), plan.Residual)
	assert.Equal(t, []Transfer{
		{From: "C", To: "A", Amount: 100},
		{From: "C", To: "B", Amount: 50},
	}, plan.Transfers)
}

func TestOptimizeResidualRejectPolicy(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{Epsilon: 2, ResidualPolicy: ResidualReject})
	_, err := o.Optimize(positionsOf(map[string]int64{"A": 100, "C": -99}))
	assert.ErrorIs(t, err, ErrUnbalancedPositions)

	plan, err := o.Optimize(positionsOf(map[string]int64{"A": 100, "C": -100}))
	require.NoError(t, err)
	assert.Len(t, plan.Transfers, 1)
}

func TestOptimizeResidualBeyondEpsilon(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{Epsilon: 2})
	_, err := o.Optimize(positionsOf(map[string]int64{"A": 100, "C": -97}))
	assert.ErrorIs(t, err, ErrUnbalancedPositions)
}
