package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"

	"nhbvault/core/events"
	"nhbvault/core/types"
	"nhbvault/crypto"
)

// AssetTransfer moves assets between holders. Both calls either complete in
// full or fail without moving anything.
type AssetTransfer interface {
	Pull(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error
	Push(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error
}

// Observer receives operation outcomes, typically for metrics.
type Observer interface {
	ObserveOperation(operation string, err error, duration time.Duration)
	ObserveTotal(total *big.Int)
}

// Engine is the vault facade. Every mutating call holds the state latch for
// its whole duration, so a collaborator calling back into the engine fails
// with ErrReentrancy. The engine is not safe for concurrent use; callers that
// share it across goroutines must serialise access.
type Engine struct {
	params    Params
	state     *State
	ledger    *Ledger
	access    *AccessController
	converter *Converter
	transfer  AssetTransfer
	emitter   events.Emitter
	observer  Observer
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine validates params and wires the vault to its venue and asset
// transfer collaborators.
func NewEngine(params Params, venue Venue, transfer AssetTransfer) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if venue == nil {
		return nil, fmt.Errorf("%w: venue required", ErrInvalidParams)
	}
	if transfer == nil {
		return nil, fmt.Errorf("%w: asset transfer required", ErrInvalidParams)
	}
	params = params.withDefaults()
	state, err := newState(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return &Engine{
		params:    params,
		state:     state,
		ledger:    newLedger(state),
		access:    newAccessController(state),
		converter: newConverter(params, venue, otel.Tracer("nhbvault/vault"), otel.GetMeterProvider().Meter("nhbvault/vault")),
		transfer:  transfer,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		clock:     time.Now,
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetObserver(observer Observer) {
	if e == nil {
		return
	}
	e.observer = observer
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source used for swap deadlines.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
	e.converter.clock = clock
}

// Params returns a copy of the construction parameters.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params.Clone()
}

// BalanceOf returns the settlement balance credited to addr.
func (e *Engine) BalanceOf(addr crypto.Address) *big.Int {
	if e == nil || e.state == nil {
		return new(big.Int)
	}
	return e.ledger.Balance(addr).ToBig()
}

// TotalValue returns the aggregate settlement amount owed to depositors.
func (e *Engine) TotalValue() *big.Int {
	if e == nil || e.state == nil {
		return new(big.Int)
	}
	return e.ledger.Total().ToBig()
}

func (e *Engine) Paused() bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.paused
}

// Snapshot copies the mutable ledger state.
func (e *Engine) Snapshot() Snapshot {
	if e == nil || e.state == nil {
		return Snapshot{Total: new(big.Int)}
	}
	return e.state.snapshot()
}

// CheckInvariants verifies sum(balances) == total <= capacity.
func (e *Engine) CheckInvariants() error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	return e.state.CheckInvariants()
}

// Estimate quotes the settlement amount a deposit of amount would credit.
// It does not mutate state.
func (e *Engine) Estimate(ctx context.Context, assetID crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNotConfigured
	}
	if _, err := toUint(amount); err != nil {
		return nil, err
	}
	asset, err := classify(e.params, assetID)
	if err != nil {
		return nil, err
	}
	return e.converter.Estimate(ctx, asset, amount)
}

// Restore replaces the ledger with a previously captured snapshot. The
// snapshot must satisfy the ledger invariants and the capacity ceiling.
func (e *Engine) Restore(snap Snapshot) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return err
	}
	defer release()
	return e.state.load(snap)
}

// DepositNative converts amount of the native asset and credits the caller.
func (e *Engine) DepositNative(ctx context.Context, caller crypto.Address, amount *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := e.clock()
	receipt, err := func() (*Receipt, error) {
		if err := e.access.RequireNotPaused(); err != nil {
			return nil, err
		}
		if e.params.Native.IsZero() {
			return nil, fmt.Errorf("%w: native deposits not configured", ErrInvalidAsset)
		}
		return e.deposit(ctx, caller, Asset{Kind: AssetNative, ID: e.params.Native}, amount)
	}()
	e.observe("deposit_native", err, start)
	return receipt, err
}

// Deposit credits the caller for amount of asset. Settlement deposits are
// credited as-is; anything else is converted first.
func (e *Engine) Deposit(ctx context.Context, caller crypto.Address, assetID crypto.Address, amount *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := e.clock()
	operation := "deposit"
	receipt, err := func() (*Receipt, error) {
		if err := e.access.RequireNotPaused(); err != nil {
			return nil, err
		}
		asset, err := classify(e.params, assetID)
		if err != nil {
			return nil, err
		}
		operation = "deposit_" + asset.Kind.String()
		return e.deposit(ctx, caller, asset, amount)
	}()
	e.observe(operation, err, start)
	return receipt, err
}

// deposit runs after the pause gate and asset classification.
func (e *Engine) deposit(ctx context.Context, caller crypto.Address, asset Asset, amount *big.Int) (*Receipt, error) {
	if caller.IsZero() {
		return nil, ErrInvalidCaller
	}
	if _, err := toUint(amount); err != nil {
		return nil, err
	}
	if err := e.precheckCredit(ctx, asset, amount); err != nil {
		return nil, err
	}

	if err := e.transfer.Pull(ctx, asset.ID, caller, e.params.Vault, amount); err != nil {
		return nil, fmt.Errorf("%w: pull %s: %w", ErrTransferFailed, asset.Kind, err)
	}

	credited := cloneBig(amount)
	refundAsset := asset.ID
	if asset.Kind != AssetSettlement {
		received, err := e.converter.Convert(ctx, asset, amount)
		if err != nil {
			return nil, e.compensate(ctx, asset.ID, caller, amount, err)
		}
		credited = received
		refundAsset = e.params.Settlement
	}

	creditUnits, err := toUint(credited)
	if err != nil {
		return nil, e.compensate(ctx, refundAsset, caller, credited, err)
	}
	current := e.ledger.Balance(caller)
	balance, err := e.ledger.Apply(caller, creditUnits, true, current)
	if err != nil {
		return nil, e.compensate(ctx, refundAsset, caller, credited, err)
	}

	receipt := &Receipt{
		Depositor: caller,
		Asset:     asset,
		AmountIn:  cloneBig(amount),
		Credited:  credited,
		Balance:   balance.ToBig(),
		Total:     e.ledger.Total().ToBig(),
	}
	e.emit(NewDepositEvent(receipt))
	e.logger.Debug("vault deposit", "depositor", caller.String(), "kind", asset.Kind.String(), "credited", FormatAmount(credited))
	return receipt, nil
}

// precheckCredit rejects a deposit before any funds move when the credit
// cannot fit under the ceiling. Converted deposits are checked against a
// fresh quote; the fill is checked again after the swap.
func (e *Engine) precheckCredit(ctx context.Context, asset Asset, amount *big.Int) error {
	if asset.Kind == AssetSettlement {
		return e.ledger.checkCredit(amount)
	}
	if err := e.ledger.checkCredit(big.NewInt(1)); err != nil {
		return err
	}
	quoted, err := e.converter.Estimate(ctx, asset, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return e.ledger.checkCredit(quoted)
}

// compensate returns funds the vault already took when a later step fails,
// so the caller observes no effect from the aborted operation. The push runs
// even when ctx is already cancelled.
func (e *Engine) compensate(ctx context.Context, asset, to crypto.Address, amount *big.Int, cause error) error {
	if err := e.transfer.Push(context.WithoutCancel(ctx), asset, e.params.Vault, to, amount); err != nil {
		e.logger.Error("vault compensation failed", "asset", asset.String(), "to", to.String(), "amount", FormatAmount(amount), "error", err)
		return errors.Join(cause, fmt.Errorf("%w: compensation: %w", ErrTransferFailed, err))
	}
	return cause
}

// Withdraw debits the caller and pushes settlement units to them. The debit
// commits before the transfer and is rolled back if the transfer fails.
func (e *Engine) Withdraw(ctx context.Context, caller crypto.Address, amount *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := e.clock()
	receipt, err := e.withdraw(ctx, caller, amount)
	e.observe("withdraw", err, start)
	return receipt, err
}

func (e *Engine) withdraw(ctx context.Context, caller crypto.Address, amount *big.Int) (*Receipt, error) {
	if err := e.access.RequireNotPaused(); err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, ErrInvalidCaller
	}
	units, err := toUint(amount)
	if err != nil {
		return nil, err
	}
	if units.Gt(&e.state.withdrawLimit) {
		return nil, &LimitError{Limit: e.state.withdrawLimit.ToBig(), Requested: cloneBig(amount)}
	}

	checkpoint := e.ledger.Checkpoint(caller)
	current := e.ledger.Balance(caller)
	balance, err := e.ledger.Apply(caller, units, false, current)
	if err != nil {
		return nil, err
	}
	if err := e.transfer.Push(ctx, e.params.Settlement, e.params.Vault, caller, amount); err != nil {
		e.ledger.Restore(checkpoint)
		return nil, fmt.Errorf("%w: push settlement: %w", ErrTransferFailed, err)
	}

	receipt := &Receipt{
		Depositor: caller,
		Asset:     Asset{Kind: AssetSettlement, ID: e.params.Settlement},
		Debited:   cloneBig(amount),
		Balance:   balance.ToBig(),
		Total:     e.ledger.Total().ToBig(),
	}
	e.emit(NewWithdrawEvent(receipt))
	e.logger.Debug("vault withdraw", "depositor", caller.String(), "amount", FormatAmount(amount))
	return receipt, nil
}

// Pause stops all depositor-facing operations.
func (e *Engine) Pause(ctx context.Context, caller crypto.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause resumes depositor-facing operations.
func (e *Engine) Unpause(ctx context.Context, caller crypto.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(_ context.Context, caller crypto.Address, paused bool) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return err
	}
	defer release()

	start := e.clock()
	operation := "unpause"
	if paused {
		operation = "pause"
	}
	err = e.access.SetPaused(caller, paused)
	if err == nil {
		e.emit(NewPauseChangedEvent(caller, paused))
		e.logger.Info("vault pause state asserted", "paused", paused)
	}
	e.observe(operation, err, start)
	return err
}

// EmergencySweep pushes any asset held by the vault to the operator without
// touching the ledger. Sweeping the settlement asset leaves recorded balances
// unbacked; it is an escape hatch for a fully trusted operator.
func (e *Engine) EmergencySweep(ctx context.Context, caller crypto.Address, asset crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return err
	}
	defer release()

	start := e.clock()
	err = e.sweep(ctx, caller, asset, amount, false)
	e.observe("emergency_sweep", err, start)
	return err
}

// RecoverForeignAsset returns a stray non-settlement asset to the operator.
// The settlement asset can only leave through Withdraw.
func (e *Engine) RecoverForeignAsset(ctx context.Context, caller crypto.Address, asset crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	release, err := e.state.latch.Enter()
	if err != nil {
		return err
	}
	defer release()

	start := e.clock()
	err = e.sweep(ctx, caller, asset, amount, true)
	e.observe("recover_foreign", err, start)
	return err
}

func (e *Engine) sweep(ctx context.Context, caller, asset crypto.Address, amount *big.Int, foreignOnly bool) error {
	if err := e.access.RequireOperator(caller); err != nil {
		return err
	}
	if _, err := toUint(amount); err != nil {
		return err
	}
	if asset.IsZero() || asset.Equal(e.params.Vault) {
		return fmt.Errorf("%w: sweep target", ErrInvalidAsset)
	}
	if foreignOnly && asset.Equal(e.params.Settlement) {
		return fmt.Errorf("%w: settlement asset cannot be recovered", ErrInvalidAsset)
	}
	operator := e.access.Operator()
	if err := e.transfer.Push(ctx, asset, e.params.Vault, operator, amount); err != nil {
		return fmt.Errorf("%w: sweep: %w", ErrTransferFailed, err)
	}
	if foreignOnly {
		e.emit(NewRecoveredEvent(operator, asset, amount))
		return nil
	}
	e.logger.Warn("vault emergency sweep", "asset", asset.String(), "amount", FormatAmount(amount), "settlement", asset.Equal(e.params.Settlement))
	return nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: event})
}

func (e *Engine) observe(operation string, err error, start time.Time) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveOperation(operation, err, e.clock().Sub(start))
	if err == nil {
		e.observer.ObserveTotal(e.ledger.Total().ToBig())
	}
}
