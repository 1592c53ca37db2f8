package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"nhbvault/core/events"
	"nhbvault/crypto"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(prefix, raw)
}

var (
	vaultAddr       = makeAddress(crypto.ModulePrefix, 0x01)
	venueAddr       = makeAddress(crypto.ModulePrefix, 0x02)
	operatorAddr    = makeAddress(crypto.AccountPrefix, 0x0A)
	depositorA      = makeAddress(crypto.AccountPrefix, 0xA1)
	depositorB      = makeAddress(crypto.AccountPrefix, 0xB2)
	settlementAsset = makeAddress(crypto.AssetPrefix, 0x51)
	foreignAsset    = makeAddress(crypto.AssetPrefix, 0x52)
	nativeAsset     = makeAddress(crypto.AssetPrefix, 0x53)
	wrappedNative   = makeAddress(crypto.AssetPrefix, 0x54)
)

type holding struct {
	asset  [crypto.AddressLength]byte
	holder [crypto.AddressLength]byte
}

// stubTransfer is an in-memory asset ledger with failure injection and hooks.
type stubTransfer struct {
	mu       sync.Mutex
	balances map[holding]*big.Int
	failPull error
	failPush error
	onPush   func(ctx context.Context, asset, from, to crypto.Address, amount *big.Int)
	onPull   func(ctx context.Context, asset, from, to crypto.Address, amount *big.Int)
	pushes   int
	pulls    int
}

func newStubTransfer() *stubTransfer {
	return &stubTransfer{balances: make(map[holding]*big.Int)}
}

func (s *stubTransfer) mint(asset, holder crypto.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := holding{asset.Key(), holder.Key()}
	current, ok := s.balances[key]
	if !ok {
		current = new(big.Int)
		s.balances[key] = current
	}
	current.Add(current, amount)
}

func (s *stubTransfer) balance(asset, holder crypto.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.balances[holding{asset.Key(), holder.Key()}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (s *stubTransfer) move(asset, from, to crypto.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fromKey := holding{asset.Key(), from.Key()}
	src, ok := s.balances[fromKey]
	if !ok || src.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance for %s", asset, from)
	}
	src.Sub(src, amount)
	toKey := holding{asset.Key(), to.Key()}
	dst, ok := s.balances[toKey]
	if !ok {
		dst = new(big.Int)
		s.balances[toKey] = dst
	}
	dst.Add(dst, amount)
	return nil
}

func (s *stubTransfer) Pull(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	s.pulls++
	if s.failPull != nil {
		return s.failPull
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.move(asset, from, to, amount); err != nil {
		return err
	}
	if s.onPull != nil {
		s.onPull(ctx, asset, from, to, amount)
	}
	return nil
}

func (s *stubTransfer) Push(ctx context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	s.pushes++
	if s.failPush != nil {
		return s.failPush
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.move(asset, from, to, amount); err != nil {
		return err
	}
	if s.onPush != nil {
		s.onPush(ctx, asset, from, to, amount)
	}
	return nil
}

// stubVenue converts at num/den and settles through the stub transfer.
type stubVenue struct {
	bank      *stubTransfer
	num, den  int64
	swapErr   error
	quoteErr  error
	zeroOut   bool
	quoteBias int64

	lastPath     []crypto.Address
	lastMinOut   *big.Int
	lastDeadline time.Time
	lastNative   bool
	swaps        int
	onSwap       func(ctx context.Context)
}

func newStubVenue(bank *stubTransfer) *stubVenue {
	bank.mint(settlementAsset, venueAddr, Units(1_000_000_000))
	return &stubVenue{bank: bank, num: 1, den: 1}
}

func (v *stubVenue) out(amountIn *big.Int) *big.Int {
	out := new(big.Int).Mul(amountIn, big.NewInt(v.num))
	return out.Quo(out, big.NewInt(v.den))
}

func (v *stubVenue) GetAmountsOut(_ context.Context, amountIn *big.Int, path []crypto.Address) ([]*big.Int, error) {
	if v.quoteErr != nil {
		return nil, v.quoteErr
	}
	out := v.out(amountIn)
	out.Add(out, big.NewInt(v.quoteBias))
	if v.zeroOut {
		out.SetInt64(0)
	}
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (v *stubVenue) swap(ctx context.Context, native bool, amountIn, minOut *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error) {
	v.swaps++
	v.lastPath = append([]crypto.Address(nil), path...)
	v.lastMinOut = new(big.Int).Set(minOut)
	v.lastDeadline = deadline
	v.lastNative = native
	if v.onSwap != nil {
		v.onSwap(ctx)
	}
	if v.swapErr != nil {
		return nil, v.swapErr
	}
	out := v.out(amountIn)
	if v.zeroOut {
		return []*big.Int{amountIn, new(big.Int)}, nil
	}
	if out.Cmp(minOut) < 0 {
		return nil, errors.New("stub venue: insufficient output amount")
	}
	input := path[0]
	if native {
		input = nativeAsset
	}
	if err := v.bank.move(input, to, venueAddr, amountIn); err != nil {
		return nil, err
	}
	if err := v.bank.move(path[len(path)-1], venueAddr, to, out); err != nil {
		return nil, err
	}
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (v *stubVenue) SwapExactTokensForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error) {
	return v.swap(ctx, false, amountIn, amountOutMin, path, to, deadline)
}

func (v *stubVenue) SwapExactNativeForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error) {
	return v.swap(ctx, true, amountIn, amountOutMin, path, to, deadline)
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type vaultHarness struct {
	engine  *Engine
	bank    *stubTransfer
	venue   *stubVenue
	emitter *recordingEmitter
	now     time.Time
}

func testParams() Params {
	return Params{
		Vault:         vaultAddr,
		Operator:      operatorAddr,
		Settlement:    settlementAsset,
		Venue:         venueAddr,
		Native:        nativeAsset,
		WrappedNative: wrappedNative,
		Capacity:      Units(1_000_000),
		WithdrawLimit: Units(10_000),
	}
}

func newHarness(t *testing.T, mutate func(*Params)) *vaultHarness {
	t.Helper()
	params := testParams()
	if mutate != nil {
		mutate(&params)
	}
	bank := newStubTransfer()
	venue := newStubVenue(bank)
	engine, err := NewEngine(params, venue, bank)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	for _, holder := range []crypto.Address{depositorA, depositorB} {
		bank.mint(settlementAsset, holder, Units(2_000_000))
		bank.mint(foreignAsset, holder, Units(2_000_000))
		bank.mint(nativeAsset, holder, Units(2_000_000))
	}
	return &vaultHarness{engine: engine, bank: bank, venue: venue, emitter: emitter, now: now}
}

func (h *vaultHarness) requireInvariants(t *testing.T) {
	t.Helper()
	if err := h.engine.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func requireAmount(t *testing.T, label string, got *big.Int, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: expected %s, got %s", label, want, got)
	}
}
