package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"nhbvault/crypto"
)

var (
	// ErrInvalidAmount indicates a nil, zero or negative transfer amount.
	ErrInvalidAmount = errors.New("bank: amount must be positive")
	// ErrInsufficientBalance indicates the sender holds less than the amount.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAccount indicates a zero asset or holder identity.
	ErrInvalidAccount = errors.New("bank: asset and holder required")
)

// Hook runs after a successful move of the asset it is registered for. It is
// invoked without the bank lock held so it may call back into other modules.
type Hook func(ctx context.Context, from, to crypto.Address, amount *big.Int)

type account struct {
	asset  crypto.Address
	holder crypto.Address
}

type accountKey struct {
	asset  [crypto.AddressLength]byte
	holder [crypto.AddressLength]byte
}

func keyOf(asset, holder crypto.Address) accountKey {
	return accountKey{asset: asset.Key(), holder: holder.Key()}
}

// Ledger is an in-process multi-asset token ledger. Every transfer is all or
// nothing.
type Ledger struct {
	mu       sync.RWMutex
	balances map[accountKey]*big.Int
	accounts map[accountKey]account
	hooks    map[[crypto.AddressLength]byte]Hook
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[accountKey]*big.Int),
		accounts: make(map[accountKey]account),
		hooks:    make(map[[crypto.AddressLength]byte]Hook),
	}
}

// Mint credits holder with amount of asset out of thin air. It is used for
// genesis balances and tests.
func (l *Ledger) Mint(asset, holder crypto.Address, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	if asset.IsZero() || holder.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, holder, amount)
	return nil
}

// Burn destroys amount of asset held by holder.
func (l *Ledger) Burn(asset, holder crypto.Address, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	if asset.IsZero() || holder.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.balances[keyOf(asset, holder)]
	if !ok || src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: cannot burn %s", ErrInsufficientBalance, amount)
	}
	src.Sub(src, amount)
	return nil
}

// BalanceOf returns a copy of holder's balance of asset.
func (l *Ledger) BalanceOf(asset, holder crypto.Address) *big.Int {
	if l == nil {
		return new(big.Int)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.balances[keyOf(asset, holder)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Holding is one non-zero balance.
type Holding struct {
	Asset   crypto.Address
	Holder  crypto.Address
	Balance *big.Int
}

// Holdings lists every non-zero balance ordered by asset then holder bytes.
func (l *Ledger) Holdings() []Holding {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Holding, 0, len(l.balances))
	for key, balance := range l.balances {
		if balance.Sign() == 0 {
			continue
		}
		acct := l.accounts[key]
		out = append(out, Holding{Asset: acct.asset, Holder: acct.holder, Balance: new(big.Int).Set(balance)})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Asset.Key(), out[j].Asset.Key()
		if ai != aj {
			return string(ai[:]) < string(aj[:])
		}
		hi, hj := out[i].Holder.Key(), out[j].Holder.Key()
		return string(hi[:]) < string(hj[:])
	})
	return out
}

// Restore replaces every balance with holdings. Holdings must name distinct
// accounts with positive balances; on error the ledger is left unchanged.
func (l *Ledger) Restore(holdings []Holding) error {
	if l == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	balances := make(map[accountKey]*big.Int, len(holdings))
	accounts := make(map[accountKey]account, len(holdings))
	for _, h := range holdings {
		if h.Asset.IsZero() || h.Holder.IsZero() {
			return ErrInvalidAccount
		}
		if h.Balance == nil || h.Balance.Sign() <= 0 {
			return ErrInvalidAmount
		}
		key := keyOf(h.Asset, h.Holder)
		if _, dup := balances[key]; dup {
			return fmt.Errorf("bank: duplicate holding %s/%s", h.Asset, h.Holder)
		}
		balances[key] = new(big.Int).Set(h.Balance)
		accounts[key] = account{asset: h.Asset, holder: h.Holder}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = balances
	l.accounts = accounts
	return nil
}

// SetHook registers hook for asset, replacing any previous one. A nil hook
// removes the registration.
func (l *Ledger) SetHook(asset crypto.Address, hook Hook) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook == nil {
		delete(l.hooks, asset.Key())
		return
	}
	l.hooks[asset.Key()] = hook
}

// Pull moves amount of asset from the owner to the puller. It is the
// transferFrom half of the vault's asset transfer collaborator.
func (l *Ledger) Pull(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	return l.Transfer(ctx, asset, from, to, amount)
}

// Push moves amount of asset out of the sender's holdings.
func (l *Ledger) Push(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	return l.Transfer(ctx, asset, from, to, amount)
}

// Transfer moves amount of asset from one holder to another and then runs the
// asset's hook, if any.
func (l *Ledger) Transfer(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if asset.IsZero() || from.IsZero() || to.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	src, ok := l.balances[keyOf(asset, from)]
	if !ok || src.Cmp(amount) < 0 {
		available := new(big.Int)
		if ok {
			available.Set(src)
		}
		l.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, available, amount)
	}
	src.Sub(src, amount)
	l.credit(asset, to, amount)
	hook := l.hooks[asset.Key()]
	l.mu.Unlock()

	if hook != nil {
		hook(ctx, from, to, new(big.Int).Set(amount))
	}
	return nil
}

// credit must be called with the lock held.
func (l *Ledger) credit(asset, holder crypto.Address, amount *big.Int) {
	key := keyOf(asset, holder)
	dst, ok := l.balances[key]
	if !ok {
		dst = new(big.Int)
		l.balances[key] = dst
		l.accounts[key] = account{asset: asset, holder: holder}
	}
	dst.Add(dst, amount)
}
