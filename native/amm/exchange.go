package amm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"nhbvault/crypto"
)

var (
	ErrInvalidPath           = errors.New("amm: path must name at least two distinct assets")
	ErrInvalidAmount         = errors.New("amm: amount must be positive")
	ErrNoPool                = errors.New("amm: pool not found")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrSlippage              = errors.New("amm: output below minimum")
	ErrExpired               = errors.New("amm: deadline passed")
	ErrNativeDisabled        = errors.New("amm: native swaps not configured")
)

const (
	feeNumerator   = 997
	feeDenominator = 1000
)

// Bank is the token ledger the exchange settles through.
type Bank interface {
	Transfer(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error
	Mint(asset, holder crypto.Address, amount *big.Int) error
	Burn(asset, holder crypto.Address, amount *big.Int) error
}

type pairKey struct {
	lo, hi [crypto.AddressLength]byte
}

func keyFor(a, b crypto.Address) (pairKey, bool) {
	ka, kb := a.Key(), b.Key()
	if bytes.Compare(ka[:], kb[:]) <= 0 {
		return pairKey{lo: ka, hi: kb}, false
	}
	return pairKey{lo: kb, hi: ka}, true
}

type pool struct {
	assetLo, assetHi     crypto.Address
	reserveLo, reserveHi *big.Int
}

// reserves returns (reserveIn, reserveOut) for a swap from in.
func (p *pool) reserves(in crypto.Address) (*big.Int, *big.Int) {
	if in.Equal(p.assetLo) {
		return p.reserveLo, p.reserveHi
	}
	return p.reserveHi, p.reserveLo
}

// Pool describes one pair and its reserves.
type Pool struct {
	AssetA   crypto.Address
	AssetB   crypto.Address
	ReserveA *big.Int
	ReserveB *big.Int
}

// Exchange is a constant-product market maker holding its reserves at its own
// address in the bank. Swaps are charged a 30 bps fee.
type Exchange struct {
	mu      sync.Mutex
	bank    Bank
	address crypto.Address
	native  crypto.Address
	wrapped crypto.Address
	pools   map[pairKey]*pool
	clock   func() time.Time
}

// NewExchange builds an exchange that holds its reserves at address.
func NewExchange(b Bank, address crypto.Address) (*Exchange, error) {
	if b == nil {
		return nil, fmt.Errorf("amm: bank required")
	}
	if address.IsZero() {
		return nil, fmt.Errorf("amm: exchange address required")
	}
	return &Exchange{
		bank:    b,
		address: address,
		pools:   make(map[pairKey]*pool),
		clock:   time.Now,
	}, nil
}

// Address returns the holder of the exchange reserves.
func (x *Exchange) Address() crypto.Address { return x.address }

// SetNative enables native swaps. Native input is wrapped 1:1 into the
// wrapped asset before entering the pool.
func (x *Exchange) SetNative(native, wrapped crypto.Address) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.native = native
	x.wrapped = wrapped
}

// SetClock overrides the deadline clock.
func (x *Exchange) SetClock(clock func() time.Time) {
	if x == nil || clock == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.clock = clock
}

// AddLiquidity moves both amounts from provider into the exchange and adds
// them to the pair's reserves, creating the pool on first use.
func (x *Exchange) AddLiquidity(ctx context.Context, provider, assetA, assetB crypto.Address, amountA, amountB *big.Int) error {
	if x == nil {
		return fmt.Errorf("amm: exchange not configured")
	}
	if assetA.IsZero() || assetB.IsZero() || assetA.Equal(assetB) {
		return ErrInvalidPath
	}
	if !positive(amountA) || !positive(amountB) {
		return ErrInvalidAmount
	}
	if err := x.bank.Transfer(ctx, assetA, provider, x.address, amountA); err != nil {
		return fmt.Errorf("amm: deposit %s: %w", assetA, err)
	}
	if err := x.bank.Transfer(ctx, assetB, provider, x.address, amountB); err != nil {
		if refundErr := x.bank.Transfer(context.WithoutCancel(ctx), assetA, x.address, provider, amountA); refundErr != nil {
			return errors.Join(fmt.Errorf("amm: deposit %s: %w", assetB, err), refundErr)
		}
		return fmt.Errorf("amm: deposit %s: %w", assetB, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	key, swapped := keyFor(assetA, assetB)
	p, ok := x.pools[key]
	if !ok {
		p = &pool{reserveLo: new(big.Int), reserveHi: new(big.Int)}
		if swapped {
			p.assetLo, p.assetHi = assetB, assetA
		} else {
			p.assetLo, p.assetHi = assetA, assetB
		}
		x.pools[key] = p
	}
	if swapped {
		p.reserveLo.Add(p.reserveLo, amountB)
		p.reserveHi.Add(p.reserveHi, amountA)
	} else {
		p.reserveLo.Add(p.reserveLo, amountA)
		p.reserveHi.Add(p.reserveHi, amountB)
	}
	return nil
}

// Pools lists every pool ordered by pair.
func (x *Exchange) Pools() []Pool {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	keys := make([]pairKey, 0, len(x.pools))
	for key := range x.pools {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].lo[:], keys[j].lo[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(keys[i].hi[:], keys[j].hi[:]) < 0
	})
	out := make([]Pool, 0, len(keys))
	for _, key := range keys {
		p := x.pools[key]
		out = append(out, Pool{
			AssetA:   p.assetLo,
			AssetB:   p.assetHi,
			ReserveA: new(big.Int).Set(p.reserveLo),
			ReserveB: new(big.Int).Set(p.reserveHi),
		})
	}
	return out
}

// RestorePools replaces every pool with pools. Reserves are not moved in the
// bank; the caller restores the bank holdings alongside.
func (x *Exchange) RestorePools(pools []Pool) error {
	if x == nil {
		return fmt.Errorf("amm: exchange not configured")
	}
	restored := make(map[pairKey]*pool, len(pools))
	for _, p := range pools {
		if p.AssetA.IsZero() || p.AssetB.IsZero() || p.AssetA.Equal(p.AssetB) {
			return ErrInvalidPath
		}
		if !positive(p.ReserveA) || !positive(p.ReserveB) {
			return ErrInvalidAmount
		}
		key, swapped := keyFor(p.AssetA, p.AssetB)
		if _, dup := restored[key]; dup {
			return fmt.Errorf("amm: duplicate pool %s/%s", p.AssetA, p.AssetB)
		}
		entry := &pool{
			assetLo:   p.AssetA,
			assetHi:   p.AssetB,
			reserveLo: new(big.Int).Set(p.ReserveA),
			reserveHi: new(big.Int).Set(p.ReserveB),
		}
		if swapped {
			entry.assetLo, entry.assetHi = p.AssetB, p.AssetA
			entry.reserveLo, entry.reserveHi = entry.reserveHi, entry.reserveLo
		}
		restored[key] = entry
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pools = restored
	return nil
}

// AmountOut applies the constant-product formula with the swap fee.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if !positive(amountIn) {
		return nil, ErrInvalidAmount
	}
	if !positive(reserveIn) || !positive(reserveOut) {
		return nil, ErrInsufficientLiquidity
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(feeNumerator))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator))
	denominator.Add(denominator, inWithFee)
	out := numerator.Quo(numerator, denominator)
	if out.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

// quote walks path against the current reserves. It must be called with the
// lock held.
func (x *Exchange) quote(amountIn *big.Int, path []crypto.Address) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 0; i < len(path)-1; i++ {
		in, out := path[i], path[i+1]
		if in.IsZero() || out.IsZero() || in.Equal(out) {
			return nil, ErrInvalidPath
		}
		key, _ := keyFor(in, out)
		p, ok := x.pools[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoPool, in, out)
		}
		reserveIn, reserveOut := p.reserves(in)
		next, err := AmountOut(amounts[i], reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
		amounts[i+1] = next
	}
	return amounts, nil
}

// GetAmountsOut quotes every hop of path for amountIn.
func (x *Exchange) GetAmountsOut(_ context.Context, amountIn *big.Int, path []crypto.Address) ([]*big.Int, error) {
	if x == nil {
		return nil, fmt.Errorf("amm: exchange not configured")
	}
	if !positive(amountIn) {
		return nil, ErrInvalidAmount
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.quote(amountIn, path)
}

// swap takes amountIn of the input from sender, walks path and delivers the
// final output to recipient. Input already taken is returned when the swap
// cannot complete.
func (x *Exchange) swap(ctx context.Context, sender crypto.Address, native bool, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) (_ []*big.Int, err error) {
	if x == nil {
		return nil, fmt.Errorf("amm: exchange not configured")
	}
	if !positive(amountIn) {
		return nil, ErrInvalidAmount
	}
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	if to.IsZero() {
		return nil, fmt.Errorf("amm: recipient required")
	}

	x.mu.Lock()
	now := x.clock()
	nativeAsset, wrapped := x.native, x.wrapped
	x.mu.Unlock()
	if !deadline.IsZero() && now.After(deadline) {
		return nil, ErrExpired
	}
	input := path[0]
	if native {
		if nativeAsset.IsZero() || wrapped.IsZero() {
			return nil, ErrNativeDisabled
		}
		if !path[0].Equal(wrapped) {
			return nil, fmt.Errorf("%w: native swaps must start at the wrapped asset", ErrInvalidPath)
		}
		input = nativeAsset
	}

	if err = x.bank.Transfer(ctx, input, sender, x.address, amountIn); err != nil {
		return nil, fmt.Errorf("amm: take input: %w", err)
	}
	if native {
		// The exchange keeps the native value as backing for the wrapped units.
		if err = x.bank.Mint(wrapped, x.address, amountIn); err != nil {
			return nil, x.refund(ctx, input, sender, amountIn, fmt.Errorf("amm: wrap native: %w", err))
		}
		defer func() {
			if err != nil {
				// Undo the wrap when the swap does not complete.
				if burnErr := x.bank.Burn(wrapped, x.address, amountIn); burnErr != nil {
					err = errors.Join(err, fmt.Errorf("amm: unwrap native: %w", burnErr))
				}
			}
		}()
	}

	x.mu.Lock()
	amounts, err := x.quote(amountIn, path)
	if err == nil && amountOutMin != nil && amounts[len(amounts)-1].Cmp(amountOutMin) < 0 {
		err = fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, amounts[len(amounts)-1], amountOutMin)
	}
	if err == nil {
		x.apply(path, amounts, 1)
	}
	x.mu.Unlock()
	if err != nil {
		return nil, x.refund(ctx, input, sender, amountIn, err)
	}

	out := amounts[len(amounts)-1]
	if err = x.bank.Transfer(ctx, path[len(path)-1], x.address, to, out); err != nil {
		x.mu.Lock()
		x.apply(path, amounts, -1)
		x.mu.Unlock()
		return nil, x.refund(ctx, input, sender, amountIn, fmt.Errorf("amm: deliver output: %w", err))
	}
	return amounts, nil
}

// apply moves reserves along path; sign -1 undoes a previous apply. It must
// be called with the lock held.
func (x *Exchange) apply(path []crypto.Address, amounts []*big.Int, sign int) {
	for i := 0; i < len(path)-1; i++ {
		key, _ := keyFor(path[i], path[i+1])
		p := x.pools[key]
		reserveIn, reserveOut := p.reserves(path[i])
		if sign > 0 {
			reserveIn.Add(reserveIn, amounts[i])
			reserveOut.Sub(reserveOut, amounts[i+1])
		} else {
			reserveIn.Sub(reserveIn, amounts[i])
			reserveOut.Add(reserveOut, amounts[i+1])
		}
	}
}

// refund hands taken input back to its sender, ignoring cancellation of ctx.
func (x *Exchange) refund(ctx context.Context, asset, to crypto.Address, amount *big.Int, cause error) error {
	if err := x.bank.Transfer(context.WithoutCancel(ctx), asset, x.address, to, amount); err != nil {
		return errors.Join(cause, fmt.Errorf("amm: refund input: %w", err))
	}
	return cause
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
