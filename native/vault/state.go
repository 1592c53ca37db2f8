package vault

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"nhbvault/crypto"
	nativecommon "nhbvault/native/common"
)

type balanceEntry struct {
	holder crypto.Address
	amount uint256.Int
}

// State is the single mutable aggregate owned by an Engine. It is only
// mutated from inside a latched engine operation.
type State struct {
	operator      crypto.Address
	capacity      uint256.Int
	withdrawLimit uint256.Int

	balances map[[crypto.AddressLength]byte]*balanceEntry
	total    uint256.Int
	paused   bool
	latch    nativecommon.Latch
}

func newState(p Params) (*State, error) {
	capacity, err := toUint(p.Capacity)
	if err != nil {
		return nil, err
	}
	limit, err := toUint(p.WithdrawLimit)
	if err != nil {
		return nil, err
	}
	return &State{
		operator:      p.Operator,
		capacity:      *capacity,
		withdrawLimit: *limit,
		balances:      make(map[[crypto.AddressLength]byte]*balanceEntry),
	}, nil
}

// BalanceEntry is an exported depositor balance.
type BalanceEntry struct {
	Holder crypto.Address
	Amount *big.Int
}

// Snapshot is a point-in-time copy of the mutable ledger fields.
type Snapshot struct {
	Balances []BalanceEntry
	Total    *big.Int
	Paused   bool
}

func (s *State) snapshot() Snapshot {
	snap := Snapshot{Total: s.total.ToBig(), Paused: s.paused}
	snap.Balances = make([]BalanceEntry, 0, len(s.balances))
	for _, entry := range s.balances {
		snap.Balances = append(snap.Balances, BalanceEntry{Holder: entry.holder, Amount: entry.amount.ToBig()})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i].Holder.Key(), snap.Balances[j].Holder.Key()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return snap
}

// load replaces the mutable fields with snap after checking the invariants.
func (s *State) load(snap Snapshot) error {
	balances := make(map[[crypto.AddressLength]byte]*balanceEntry, len(snap.Balances))
	var sum uint256.Int
	for _, entry := range snap.Balances {
		if entry.Holder.IsZero() {
			return fmt.Errorf("%w: snapshot holder missing", ErrInvariantViolated)
		}
		key := entry.Holder.Key()
		if _, dup := balances[key]; dup {
			return fmt.Errorf("%w: duplicate holder %s", ErrInvariantViolated, entry.Holder)
		}
		amount := new(big.Int)
		if entry.Amount != nil {
			amount.Set(entry.Amount)
		}
		if amount.Sign() < 0 {
			return fmt.Errorf("%w: negative balance for %s", ErrInvariantViolated, entry.Holder)
		}
		value, overflow := uint256.FromBig(amount)
		if overflow {
			return fmt.Errorf("%w: balance overflow for %s", ErrInvariantViolated, entry.Holder)
		}
		if _, overflow := sum.AddOverflow(&sum, value); overflow {
			return fmt.Errorf("%w: balance sum overflow", ErrInvariantViolated)
		}
		balances[key] = &balanceEntry{holder: entry.Holder, amount: *value}
	}
	total := new(big.Int)
	if snap.Total != nil {
		total.Set(snap.Total)
	}
	if total.Cmp(sum.ToBig()) != 0 {
		return fmt.Errorf("%w: total %s does not match balance sum %s", ErrInvariantViolated, FormatAmount(total), FormatAmount(sum.ToBig()))
	}
	if sum.Gt(&s.capacity) {
		return &CapacityError{Ceiling: s.capacity.ToBig(), Attempted: sum.ToBig()}
	}
	s.balances = balances
	s.total = sum
	s.paused = snap.Paused
	return nil
}

// CheckInvariants verifies sum(balances) == total <= capacity.
func (s *State) CheckInvariants() error {
	var sum uint256.Int
	for _, entry := range s.balances {
		if _, overflow := sum.AddOverflow(&sum, &entry.amount); overflow {
			return fmt.Errorf("%w: balance sum overflow", ErrInvariantViolated)
		}
	}
	if !sum.Eq(&s.total) {
		return fmt.Errorf("%w: balance sum %s != total %s", ErrInvariantViolated, FormatAmount(sum.ToBig()), FormatAmount(s.total.ToBig()))
	}
	if s.total.Gt(&s.capacity) {
		return fmt.Errorf("%w: total %s above capacity %s", ErrInvariantViolated, FormatAmount(s.total.ToBig()), FormatAmount(s.capacity.ToBig()))
	}
	return nil
}
