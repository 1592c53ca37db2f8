package vault

import (
	"math/big"

	"github.com/holiman/uint256"

	"nhbvault/crypto"
)

// Ledger performs the two-field balance/total update. It trusts the caller's
// balance snapshot; the engine latch guarantees nothing changed in between.
type Ledger struct {
	state *State
}

func newLedger(state *State) *Ledger { return &Ledger{state: state} }

// Balance returns a copy of the depositor's balance; unknown depositors hold zero.
func (l *Ledger) Balance(depositor crypto.Address) *uint256.Int {
	entry, ok := l.state.balances[depositor.Key()]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(&entry.amount)
}

// Total returns a copy of the aggregate total.
func (l *Ledger) Total() *uint256.Int {
	return new(uint256.Int).Set(&l.state.total)
}

// Apply credits or debits amount against currentBalance and commits the new
// balance together with the adjusted total. Nothing is written on failure.
func (l *Ledger) Apply(depositor crypto.Address, amount *uint256.Int, credit bool, currentBalance *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if currentBalance == nil {
		currentBalance = new(uint256.Int)
	}
	newBalance := new(uint256.Int)
	newTotal := new(uint256.Int)
	if credit {
		if _, overflow := newTotal.AddOverflow(&l.state.total, amount); overflow || newTotal.Gt(&l.state.capacity) {
			attempted := l.state.total.ToBig()
			attempted.Add(attempted, amount.ToBig())
			return nil, &CapacityError{Ceiling: l.state.capacity.ToBig(), Attempted: attempted}
		}
		if _, overflow := newBalance.AddOverflow(currentBalance, amount); overflow {
			return nil, &CapacityError{Ceiling: l.state.capacity.ToBig(), Attempted: newTotal.ToBig()}
		}
	} else {
		if amount.Gt(currentBalance) {
			return nil, &FundsError{Available: currentBalance.ToBig(), Requested: amount.ToBig()}
		}
		newBalance.Sub(currentBalance, amount)
		if _, underflow := newTotal.SubOverflow(&l.state.total, amount); underflow {
			return nil, ErrInvariantViolated
		}
	}
	l.commit(depositor, newBalance, newTotal)
	return new(uint256.Int).Set(newBalance), nil
}

// checkCredit reports whether crediting amount would stay within capacity.
func (l *Ledger) checkCredit(amount *big.Int) error {
	units, err := toUint(amount)
	if err != nil {
		return err
	}
	var newTotal uint256.Int
	if _, overflow := newTotal.AddOverflow(&l.state.total, units); overflow || newTotal.Gt(&l.state.capacity) {
		attempted := l.state.total.ToBig()
		attempted.Add(attempted, amount)
		return &CapacityError{Ceiling: l.state.capacity.ToBig(), Attempted: attempted}
	}
	return nil
}

func (l *Ledger) commit(depositor crypto.Address, balance, total *uint256.Int) {
	key := depositor.Key()
	entry, ok := l.state.balances[key]
	if !ok {
		entry = &balanceEntry{holder: depositor}
		l.state.balances[key] = entry
	}
	entry.amount.Set(balance)
	l.state.total.Set(total)
}

// Checkpoint captures the fields Apply may touch for depositor.
type Checkpoint struct {
	depositor crypto.Address
	existed   bool
	balance   uint256.Int
	total     uint256.Int
}

// Checkpoint records the depositor's balance and the total for a later Restore.
func (l *Ledger) Checkpoint(depositor crypto.Address) Checkpoint {
	cp := Checkpoint{depositor: depositor, total: l.state.total}
	if entry, ok := l.state.balances[depositor.Key()]; ok {
		cp.existed = true
		cp.balance = entry.amount
	}
	return cp
}

// Restore undoes every Apply made for the checkpointed depositor since the
// checkpoint was taken.
func (l *Ledger) Restore(cp Checkpoint) {
	key := cp.depositor.Key()
	if !cp.existed {
		delete(l.state.balances, key)
	} else if entry, ok := l.state.balances[key]; ok {
		entry.amount = cp.balance
	} else {
		l.state.balances[key] = &balanceEntry{holder: cp.depositor, amount: cp.balance}
	}
	l.state.total = cp.total
}
