package vault

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func newTestLedger(t *testing.T, capacity int64) *Ledger {
	t.Helper()
	params := testParams()
	params.Capacity = big.NewInt(capacity)
	state, err := newState(params)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return newLedger(state)
}

func TestLedgerCreditAndDebit(t *testing.T) {
	ledger := newTestLedger(t, 1_000)

	balance, err := ledger.Apply(depositorA, uint256.NewInt(400), true, ledger.Balance(depositorA))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance.Uint64() != 400 || ledger.Total().Uint64() != 400 {
		t.Fatalf("unexpected state after credit: balance=%s total=%s", balance, ledger.Total())
	}

	balance, err = ledger.Apply(depositorA, uint256.NewInt(150), false, ledger.Balance(depositorA))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance.Uint64() != 250 || ledger.Total().Uint64() != 250 {
		t.Fatalf("unexpected state after debit: balance=%s total=%s", balance, ledger.Total())
	}
	if err := ledger.state.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestLedgerCapacityBoundary(t *testing.T) {
	ledger := newTestLedger(t, 1_000)
	if _, err := ledger.Apply(depositorA, uint256.NewInt(600), true, ledger.Balance(depositorA)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := ledger.Apply(depositorB, uint256.NewInt(400), true, ledger.Balance(depositorB)); err != nil {
		t.Fatalf("credit to exact ceiling should succeed: %v", err)
	}
	_, err := ledger.Apply(depositorB, uint256.NewInt(1), true, ledger.Balance(depositorB))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *CapacityError, got %T", err)
	}
	if capErr.Ceiling.Int64() != 1_000 || capErr.Attempted.Int64() != 1_001 {
		t.Fatalf("unexpected capacity error payload: %+v", capErr)
	}
	if ledger.Total().Uint64() != 1_000 || ledger.Balance(depositorB).Uint64() != 400 {
		t.Fatalf("failed credit must not mutate state")
	}
}

func TestLedgerInsufficientFunds(t *testing.T) {
	ledger := newTestLedger(t, 1_000)
	if _, err := ledger.Apply(depositorA, uint256.NewInt(50), true, ledger.Balance(depositorA)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := ledger.Apply(depositorA, uint256.NewInt(51), false, ledger.Balance(depositorA))
	var fundsErr *FundsError
	if !errors.As(err, &fundsErr) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
	if fundsErr.Available.Int64() != 50 || fundsErr.Requested.Int64() != 51 {
		t.Fatalf("unexpected funds error payload: %+v", fundsErr)
	}
	if ledger.Balance(depositorA).Uint64() != 50 {
		t.Fatalf("failed debit must not mutate balance")
	}
}

func TestLedgerRejectsZeroAmount(t *testing.T) {
	ledger := newTestLedger(t, 1_000)
	if _, err := ledger.Apply(depositorA, new(uint256.Int), true, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestLedgerZeroBalanceEntryIsKept(t *testing.T) {
	ledger := newTestLedger(t, 1_000)
	if _, err := ledger.Apply(depositorA, uint256.NewInt(10), true, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := ledger.Apply(depositorA, uint256.NewInt(10), false, ledger.Balance(depositorA)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	snap := ledger.state.snapshot()
	if len(snap.Balances) != 1 || snap.Balances[0].Amount.Sign() != 0 {
		t.Fatalf("expected a retained zero balance entry, got %+v", snap.Balances)
	}
}

func TestLedgerCheckpointRestore(t *testing.T) {
	ledger := newTestLedger(t, 1_000)
	if _, err := ledger.Apply(depositorA, uint256.NewInt(300), true, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	cp := ledger.Checkpoint(depositorA)
	if _, err := ledger.Apply(depositorA, uint256.NewInt(100), false, ledger.Balance(depositorA)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	ledger.Restore(cp)
	if ledger.Balance(depositorA).Uint64() != 300 || ledger.Total().Uint64() != 300 {
		t.Fatalf("restore did not roll back: balance=%s total=%s", ledger.Balance(depositorA), ledger.Total())
	}

	fresh := ledger.Checkpoint(depositorB)
	if _, err := ledger.Apply(depositorB, uint256.NewInt(5), true, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	ledger.Restore(fresh)
	if len(ledger.state.balances) != 1 {
		t.Fatalf("restoring a fresh checkpoint should drop the new entry")
	}
	if err := ledger.state.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestCheckCredit(t *testing.T) {
	ledger := newTestLedger(t, 100)
	if err := ledger.checkCredit(big.NewInt(100)); err != nil {
		t.Fatalf("exact capacity should pass: %v", err)
	}
	if err := ledger.checkCredit(big.NewInt(101)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}
