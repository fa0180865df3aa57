package netting

import (
	"fmt"

	"github.com/ksred/klear-netting/internal/money"
	"github.com/tidwall/btree"
)

// ResidualPolicy decides what happens to an imbalance that is within epsilon
type ResidualPolicy string

const (
	// ResidualLargest folds the residual into the largest instruction that
	// touches the party left holding it.
	ResidualLargest ResidualPolicy = "largest"
	// ResidualReject treats any residual as an unbalanced position set.
	ResidualReject ResidualPolicy = "reject"
)

// OptimizerConfig controls the netting optimizer
type OptimizerConfig struct {
	// Epsilon is the largest tolerated |Σ positions| in minor units
	Epsilon        int64
	ResidualPolicy ResidualPolicy
}

// Transfer is one directed payment produced by the optimizer
type Transfer struct {
	From   string
	To     string
	Amount int64
}

// Plan is the optimizer output
type Plan struct {
	Transfers []Transfer
	// Residual is the imbalance absorbed under ResidualLargest; zero for balanced input
	Residual int64
}

// Optimizer computes the minimal set of transfers that settles a position set
type Optimizer struct {
	cfg OptimizerConfig
}

func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	if cfg.Epsilon < 0 {
		cfg.Epsilon = 0
	}
	if cfg.ResidualPolicy == "" {
		cfg.ResidualPolicy = ResidualLargest
	}
	return &Optimizer{cfg: cfg}
}

func (o *Optimizer) Config() OptimizerConfig {
	return o.cfg
}

type balance struct {
	party     string
	magnitude int64
}

// byMagnitude orders balances so that PopMax yields the largest magnitude and,
// among equal magnitudes, the lexicographically smallest party.
func byMagnitude(a, b balance) bool {
	if a.magnitude != b.magnitude {
		return a.magnitude < b.magnitude
	}
	return a.party > b.party
}

// CheckBalanced validates the zero-sum precondition against the configured epsilon
func (o *Optimizer) CheckBalanced(positions []Position) (int64, error) {
	var sum int64
	for _, p := range positions {
		var err error
		if sum, err = money.Add(sum, p.Amount); err != nil {
			return 0, ErrUnbalancedPositions.Wrap(err)
		}
	}
	abs, err := money.Abs(sum)
	if err != nil {
		return 0, ErrUnbalancedPositions.Wrap(err)
	}
	if abs > o.cfg.Epsilon || (abs != 0 && o.cfg.ResidualPolicy == ResidualReject) {
		return sum, ErrUnbalancedPositions.WithMessage(fmt.Sprintf("positions sum to %d minor units", sum))
	}
	return sum, nil
}

// Optimize runs greedy debt simplification: repeatedly match the largest
// creditor with the largest debtor for min(credit, |debt|) until both sides
// are exhausted. Every step zeroes at least one party, so the plan never has
// more than (non-zero positions - 1) transfers.
func (o *Optimizer) Optimize(positions []Position) (*Plan, error) {
	sum, err := o.CheckBalanced(positions)
	if err != nil {
		return nil, err
	}

	creditors := btree.NewBTreeG[balance](byMagnitude)
	debtors := btree.NewBTreeG[balance](byMagnitude)
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if seen[p.PartyID] {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("duplicate position for party %s", p.PartyID))
		}
		seen[p.PartyID] = true
		switch {
		case p.Amount > 0:
			creditors.Set(balance{party: p.PartyID, magnitude: p.Amount})
		case p.Amount < 0:
			debtors.Set(balance{party: p.PartyID, magnitude: -p.Amount})
		}
	}

	plan := &Plan{}
	for creditors.Len() > 0 && debtors.Len() > 0 {
		creditor, _ := creditors.PopMax()
		debtor, _ := debtors.PopMax()

		amount := min(creditor.magnitude, debtor.magnitude)
		plan.Transfers = append(plan.Transfers, Transfer{From: debtor.party, To: creditor.party, Amount: amount})

		creditor.magnitude -= amount
		debtor.magnitude -= amount
		if creditor.magnitude > 0 {
			creditors.Set(creditor)
		}
		if debtor.magnitude > 0 {
			debtors.Set(debtor)
		}
	}

	if sum == 0 {
		return plan, nil
	}

	// A non-zero sum within epsilon leaves exactly one side with a remainder.
	leftover := creditors
	if debtors.Len() > 0 {
		leftover = debtors
	}
	for leftover.Len() > 0 {
		rest, _ := leftover.PopMax()
		if !plan.absorb(rest.party, rest.magnitude) {
			return nil, ErrUnbalancedPositions.WithMessage(fmt.Sprintf(
				"residual of %d minor units on party %s has no instruction to absorb it", rest.magnitude, rest.party))
		}
	}
	plan.Residual = sum
	return plan, nil
}

// absorb adds the remaining magnitude of party to the largest transfer that
// touches it. Ties go to the earliest transfer.
func (p *Plan) absorb(party string, magnitude int64) bool {
	best := -1
	for i, t := range p.Transfers {
		if t.From != party && t.To != party {
			continue
		}
		if best == -1 || t.Amount > p.Transfers[best].Amount {
			best = i
		}
	}
	if best == -1 {
		return false
	}
	p.Transfers[best].Amount += magnitude
	return true
}
