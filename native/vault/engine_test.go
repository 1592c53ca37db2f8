package vault

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"nhbvault/crypto"
)

func TestDepositSettlementAndWithdraw(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	requireAmount(t, "credited", receipt.Credited, Units(100))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(100))
	requireAmount(t, "total", h.engine.TotalValue(), Units(100))
	requireAmount(t, "vault holdings", h.bank.balance(settlementAsset, vaultAddr), Units(100))
	if h.venue.swaps != 0 {
		t.Fatalf("settlement deposits must not be converted")
	}
	h.requireInvariants(t)

	receipt, err = h.engine.Withdraw(ctx, depositorA, Units(50))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "debited", receipt.Debited, Units(50))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(50))
	requireAmount(t, "total", h.engine.TotalValue(), Units(50))
	requireAmount(t, "depositor holdings", h.bank.balance(settlementAsset, depositorA), Units(2_000_000-50))
	h.requireInvariants(t)

	got := h.emitter.types()
	if len(got) != 2 || got[0] != EventTypeDeposit || got[1] != EventTypeWithdraw {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestDepositForeignConverts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.engine.Deposit(ctx, depositorB, foreignAsset, Units(100))
	if err != nil {
		t.Fatalf("deposit foreign: %v", err)
	}
	if receipt.Asset.Kind != AssetForeign {
		t.Fatalf("expected foreign receipt, got %s", receipt.Asset.Kind)
	}
	requireAmount(t, "amount in", receipt.AmountIn, Units(100))
	requireAmount(t, "credited", receipt.Credited, Units(100))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorB), Units(100))
	requireAmount(t, "vault settlement", h.bank.balance(settlementAsset, vaultAddr), Units(100))
	requireAmount(t, "vault foreign", h.bank.balance(foreignAsset, vaultAddr), new(big.Int))
	if h.venue.lastNative {
		t.Fatalf("foreign deposit used the native swap")
	}
	h.requireInvariants(t)

	evt, ok := h.emitter.events[0].(vaultEvent)
	if !ok {
		t.Fatalf("unexpected event implementation %T", h.emitter.events[0])
	}
	if evt.Event().Attributes["kind"] != "foreign" || evt.Event().Attributes["depositor"] != depositorB.String() {
		t.Fatalf("unexpected deposit attributes %v", evt.Event().Attributes)
	}
}

func TestDepositForeignCreditsConvertedAmount(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.num, h.venue.den = 3, 2
	if _, err := h.engine.Deposit(context.Background(), depositorA, foreignAsset, Units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(15))
	h.requireInvariants(t)
}

func TestDepositNativeUsesWrappedPath(t *testing.T) {
	h := newHarness(t, nil)
	receipt, err := h.engine.DepositNative(context.Background(), depositorA, Units(7))
	if err != nil {
		t.Fatalf("deposit native: %v", err)
	}
	if receipt.Asset.Kind != AssetNative {
		t.Fatalf("expected native receipt, got %s", receipt.Asset.Kind)
	}
	if !h.venue.lastNative {
		t.Fatalf("native deposit must use the native swap")
	}
	if len(h.venue.lastPath) != 2 || !h.venue.lastPath[0].Equal(wrappedNative) {
		t.Fatalf("unexpected path %v", h.venue.lastPath)
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(7))
	requireAmount(t, "depositor native", h.bank.balance(nativeAsset, depositorA), Units(2_000_000-7))
}

func TestDepositNativeRequiresConfiguration(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.Native = crypto.Address{}
		p.WrappedNative = crypto.Address{}
	})
	if _, err := h.engine.DepositNative(context.Background(), depositorA, Units(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	if h.bank.pulls != 0 {
		t.Fatalf("nothing should be pulled")
	}
}

func TestDepositRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	cases := []struct {
		name   string
		caller crypto.Address
		asset  crypto.Address
		amount *big.Int
		want   error
	}{
		{"zero amount", depositorA, settlementAsset, new(big.Int), ErrZeroAmount},
		{"nil amount", depositorA, settlementAsset, nil, ErrZeroAmount},
		{"negative amount", depositorA, settlementAsset, big.NewInt(-5), ErrInvalidAmount},
		{"vault as asset", depositorA, vaultAddr, Units(1), ErrInvalidAsset},
		{"zero asset", depositorA, crypto.Address{}, Units(1), ErrInvalidAsset},
		{"zero caller", crypto.Address{}, settlementAsset, Units(1), ErrInvalidCaller},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Deposit(ctx, tc.caller, tc.asset, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %s", KindOf(err))
			}
		})
	}
	if h.bank.pulls != 0 || len(h.emitter.events) != 0 {
		t.Fatalf("rejected deposits must not move funds or emit")
	}
	if _, err := h.engine.DepositNative(ctx, depositorA, new(big.Int)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for native, got %v", err)
	}
}

func TestWithdrawRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := h.engine.Withdraw(ctx, depositorA, new(big.Int)); !errors.Is(err, ErrZeroAmount) || KindOf(err) != KindValidation {
		t.Fatalf("expected validation ErrZeroAmount, got %v", err)
	}
	_, err := h.engine.Withdraw(ctx, depositorA, Units(11))
	var funds *FundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
	requireAmount(t, "available", funds.Available, Units(10))
	requireAmount(t, "requested", funds.Requested, Units(11))
	if _, err := h.engine.Withdraw(ctx, depositorB, Units(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for empty account, got %v", err)
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(10))
	h.requireInvariants(t)
}

func TestWithdrawLimitBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(50_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := h.engine.Withdraw(ctx, depositorA, Units(10_000)); err != nil {
		t.Fatalf("withdraw at limit: %v", err)
	}
	over := new(big.Int).Add(Units(10_000), big.NewInt(1))
	_, err := h.engine.Withdraw(ctx, depositorA, over)
	var limit *LimitError
	if !errors.As(err, &limit) || !errors.Is(err, ErrWithdrawLimitExceeded) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	requireAmount(t, "limit", limit.Limit, Units(10_000))
	requireAmount(t, "requested", limit.Requested, over)
	if KindOf(err) != KindCapacity {
		t.Fatalf("expected capacity kind, got %s", KindOf(err))
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(40_000))
	h.requireInvariants(t)
}

func TestDepositCapacityBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(1_000_000)); err != nil {
		t.Fatalf("deposit to capacity: %v", err)
	}
	pulls := h.bank.pulls
	_, err := h.engine.Deposit(ctx, depositorB, settlementAsset, big.NewInt(1))
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	requireAmount(t, "ceiling", capErr.Ceiling, Units(1_000_000))
	requireAmount(t, "attempted", capErr.Attempted, new(big.Int).Add(Units(1_000_000), big.NewInt(1)))
	if h.bank.pulls != pulls {
		t.Fatalf("settlement over capacity must be rejected before the pull")
	}
	requireAmount(t, "depositor B holdings", h.bank.balance(settlementAsset, depositorB), Units(2_000_000))
	requireAmount(t, "total", h.engine.TotalValue(), Units(1_000_000))
	h.requireInvariants(t)
}

func TestConvertedDepositOverCapacityRejectedBeforePull(t *testing.T) {
	for _, tc := range []struct {
		name   string
		filled *big.Int
		amount *big.Int
	}{
		{"vault full", Units(1_000_000), Units(5)},
		{"quote over ceiling", Units(999_990), Units(20)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, tc.filled); err != nil {
				t.Fatalf("deposit: %v", err)
			}
			pulls := h.bank.pulls

			if _, err := h.engine.Deposit(ctx, depositorB, foreignAsset, tc.amount); !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("foreign: expected ErrCapacityExceeded, got %v", err)
			}
			if _, err := h.engine.DepositNative(ctx, depositorB, tc.amount); !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("native: expected ErrCapacityExceeded, got %v", err)
			}
			if h.venue.swaps != 0 || h.bank.pulls != pulls {
				t.Fatalf("rejected deposit moved funds: swaps=%d pulls=%d", h.venue.swaps, h.bank.pulls-pulls)
			}
			requireAmount(t, "depositor B foreign", h.bank.balance(foreignAsset, depositorB), Units(2_000_000))
			requireAmount(t, "depositor B native", h.bank.balance(nativeAsset, depositorB), Units(2_000_000))
			requireAmount(t, "depositor B settlement", h.bank.balance(settlementAsset, depositorB), Units(2_000_000))
			h.requireInvariants(t)
		})
	}
}

func TestForeignDepositOverCapacityRefundsProceeds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(999_990)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// The quote fits under the ceiling but the fill does not.
	h.venue.quoteBias = -Units(15).Int64()

	_, err := h.engine.Deposit(ctx, depositorB, foreignAsset, Units(20))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if h.venue.swaps != 1 {
		t.Fatalf("expected the swap to run, got %d swaps", h.venue.swaps)
	}
	// The swap already happened, so the converted settlement units go back.
	requireAmount(t, "depositor B settlement", h.bank.balance(settlementAsset, depositorB), Units(2_000_020))
	requireAmount(t, "vault settlement", h.bank.balance(settlementAsset, vaultAddr), Units(999_990))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorB), new(big.Int))
	if len(h.emitter.events) != 1 {
		t.Fatalf("failed deposit must not emit, got %v", h.emitter.types())
	}
	h.requireInvariants(t)
}

func TestConversionFailureRefundsInput(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.swapErr = errors.New("pool drained")

	_, err := h.engine.Deposit(context.Background(), depositorB, foreignAsset, Units(100))
	if !errors.Is(err, ErrConversionFailed) || KindOf(err) != KindExternal {
		t.Fatalf("expected external ErrConversionFailed, got %v", err)
	}
	requireAmount(t, "depositor B foreign", h.bank.balance(foreignAsset, depositorB), Units(2_000_000))
	requireAmount(t, "vault foreign", h.bank.balance(foreignAsset, vaultAddr), new(big.Int))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorB), new(big.Int))
	requireAmount(t, "total", h.engine.TotalValue(), new(big.Int))
	if len(h.emitter.events) != 0 {
		t.Fatalf("failed deposit must not emit")
	}
}

func TestCompensationRunsAfterCancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.venue.onSwap = func(context.Context) { cancel() }
	h.venue.swapErr = errors.New("reverted")

	_, err := h.engine.Deposit(ctx, depositorB, foreignAsset, Units(10))
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if errors.Is(err, ErrTransferFailed) {
		t.Fatalf("compensation failed on a cancelled context: %v", err)
	}
	requireAmount(t, "depositor B foreign", h.bank.balance(foreignAsset, depositorB), Units(2_000_000))
	requireAmount(t, "vault foreign", h.bank.balance(foreignAsset, vaultAddr), new(big.Int))
	requireAmount(t, "balance", h.engine.BalanceOf(depositorB), new(big.Int))
}

func TestZeroOutputConversionFails(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.zeroOut = true
	if _, err := h.engine.DepositNative(context.Background(), depositorA, Units(1)); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	requireAmount(t, "depositor native", h.bank.balance(nativeAsset, depositorA), Units(2_000_000))
	requireAmount(t, "total", h.engine.TotalValue(), new(big.Int))
}

func TestFailedCompensationJoinsErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.swapErr = errors.New("reverted")
	h.bank.failPush = errors.New("bank offline")

	_, err := h.engine.Deposit(context.Background(), depositorB, foreignAsset, Units(1))
	if !errors.Is(err, ErrConversionFailed) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected both conversion and transfer failures, got %v", err)
	}
}

func TestPullFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.bank.failPull = errors.New("allowance missing")
	_, err := h.engine.Deposit(context.Background(), depositorA, settlementAsset, Units(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	requireAmount(t, "total", h.engine.TotalValue(), new(big.Int))
}

func TestWithdrawPushFailureRestoresDebit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.bank.failPush = errors.New("recipient rejected")

	_, err := h.engine.Withdraw(ctx, depositorA, Units(40))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(100))
	requireAmount(t, "total", h.engine.TotalValue(), Units(100))
	h.requireInvariants(t)
	if got := h.emitter.types(); len(got) != 1 {
		t.Fatalf("failed withdraw must not emit, got %v", got)
	}

	h.bank.failPush = nil
	if _, err := h.engine.Withdraw(ctx, depositorA, Units(40)); err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(60))
}

func TestRoundTripRestoresHoldings(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	before := h.bank.balance(settlementAsset, depositorA)

	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, depositorA, Units(250)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "holdings", h.bank.balance(settlementAsset, depositorA), before)
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), new(big.Int))
	requireAmount(t, "total", h.engine.TotalValue(), new(big.Int))
	h.requireInvariants(t)
}

func TestNewEngineRejectsInvalidParams(t *testing.T) {
	bank := newStubTransfer()
	venue := newStubVenue(bank)
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero capacity", func(p *Params) { p.Capacity = new(big.Int) }},
		{"nil withdraw limit", func(p *Params) { p.WithdrawLimit = nil }},
		{"zero settlement", func(p *Params) { p.Settlement = crypto.Address{} }},
		{"zero venue", func(p *Params) { p.Venue = crypto.Address{} }},
		{"zero vault", func(p *Params) { p.Vault = crypto.Address{} }},
		{"zero operator", func(p *Params) { p.Operator = crypto.Address{} }},
		{"settlement is vault", func(p *Params) { p.Settlement = p.Vault }},
		{"native without wrapped", func(p *Params) { p.WrappedNative = crypto.Address{} }},
		{"slippage above 100%", func(p *Params) { p.MaxSlippageBps = 10_001 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := testParams()
			tc.mutate(&params)
			if _, err := NewEngine(params, venue, bank); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
	if _, err := NewEngine(testParams(), nil, bank); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for nil venue, got %v", err)
	}
	if _, err := NewEngine(testParams(), venue, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for nil transfer, got %v", err)
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if _, err := e.Deposit(context.Background(), depositorA, settlementAsset, Units(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if e.TotalValue().Sign() != 0 || e.Paused() {
		t.Fatalf("nil engine reads must be zero valued")
	}
}

func TestEmergencySweepBreaksBackingOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, depositorA, settlementAsset, Units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := h.engine.EmergencySweep(ctx, depositorA, settlementAsset, Units(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.EmergencySweep(ctx, operatorAddr, settlementAsset, Units(100)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	requireAmount(t, "operator holdings", h.bank.balance(settlementAsset, operatorAddr), Units(100))
	held := h.bank.balance(settlementAsset, vaultAddr)
	if held.Cmp(h.engine.TotalValue()) >= 0 {
		t.Fatalf("sweep of settlement should leave the ledger unbacked")
	}
	// The ledger itself is untouched and still consistent.
	h.requireInvariants(t)
	requireAmount(t, "balance", h.engine.BalanceOf(depositorA), Units(100))
	if got := h.emitter.types(); len(got) != 1 {
		t.Fatalf("sweep does not emit, got %v", got)
	}

	if err := h.engine.EmergencySweep(ctx, operatorAddr, vaultAddr, Units(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for vault target, got %v", err)
	}
	if err := h.engine.EmergencySweep(ctx, operatorAddr, settlementAsset, new(big.Int)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestRecoverForeignAsset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.bank.mint(foreignAsset, vaultAddr, Units(5))

	if err := h.engine.RecoverForeignAsset(ctx, operatorAddr, settlementAsset, Units(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for settlement, got %v", err)
	}
	if err := h.engine.RecoverForeignAsset(ctx, depositorA, foreignAsset, Units(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.RecoverForeignAsset(ctx, operatorAddr, foreignAsset, Units(5)); err != nil {
		t.Fatalf("recover: %v", err)
	}
	requireAmount(t, "operator foreign", h.bank.balance(foreignAsset, operatorAddr), Units(5))
	got := h.emitter.types()
	if len(got) != 1 || got[0] != EventTypeAssetRecovery {
		t.Fatalf("unexpected events %v", got)
	}
}

type countingObserver struct {
	operations map[string]int
	failures   int
	lastTotal  *big.Int
}

func (o *countingObserver) ObserveOperation(operation string, err error, _ time.Duration) {
	if o.operations == nil {
		o.operations = make(map[string]int)
	}
	o.operations[operation]++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveTotal(total *big.Int) { o.lastTotal = total }

func TestObserverSeesOperations(t *testing.T) {
	h := newHarness(t, nil)
	obs := &countingObserver{}
	h.engine.SetObserver(obs)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, depositorA, foreignAsset, Units(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, depositorA, Units(9)); err == nil {
		t.Fatalf("expected withdraw to fail")
	}
	if obs.operations["deposit_foreign"] != 1 || obs.operations["withdraw"] != 1 || obs.failures != 1 {
		t.Fatalf("unexpected observations %+v", obs)
	}
	requireAmount(t, "observed total", obs.lastTotal, Units(3))
}

func TestRandomisedSequencePreservesInvariants(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.Capacity = Units(5_000)
		p.WithdrawLimit = Units(700)
	})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	callers := []crypto.Address{depositorA, depositorB}
	assets := []crypto.Address{settlementAsset, foreignAsset}

	for i := 0; i < 500; i++ {
		caller := callers[rng.Intn(len(callers))]
		amount := big.NewInt(rng.Int63n(1_000_000_000))
		var err error
		switch rng.Intn(6) {
		case 0, 1:
			_, err = h.engine.Deposit(ctx, caller, assets[rng.Intn(len(assets))], amount)
		case 2:
			_, err = h.engine.DepositNative(ctx, caller, amount)
		case 3, 4:
			_, err = h.engine.Withdraw(ctx, caller, amount)
		case 5:
			if rng.Intn(2) == 0 {
				h.venue.swapErr = errors.New("flaky")
			} else {
				h.venue.swapErr = nil
			}
		}
		if errors.Is(err, ErrReentrancy) {
			t.Fatalf("step %d: unexpected reentrancy failure", i)
		}
		h.requireInvariants(t)
		if h.engine.TotalValue().Cmp(Units(5_000)) > 0 {
			t.Fatalf("step %d: total above capacity", i)
		}
		held := h.bank.balance(settlementAsset, vaultAddr)
		if held.Cmp(h.engine.TotalValue()) != 0 {
			t.Fatalf("step %d: holdings %s diverged from total %s", i, held, h.engine.TotalValue())
		}
	}
}
