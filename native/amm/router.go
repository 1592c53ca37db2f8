package amm

import (
	"context"
	"math/big"
	"time"

	"nhbvault/crypto"
)

// Router is the exchange as seen by a single trader. Swap input is taken from
// the bound sender's holdings.
type Router struct {
	exchange *Exchange
	sender   crypto.Address
}

// Router binds the exchange to sender.
func (x *Exchange) Router(sender crypto.Address) *Router {
	return &Router{exchange: x, sender: sender}
}

func (r *Router) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []crypto.Address) ([]*big.Int, error) {
	return r.exchange.GetAmountsOut(ctx, amountIn, path)
}

func (r *Router) SwapExactTokensForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error) {
	return r.exchange.swap(ctx, r.sender, false, amountIn, amountOutMin, path, to, deadline)
}

// SwapExactNativeForTokens takes native value from the sender; path must
// start at the wrapped-native asset.
func (r *Router) SwapExactNativeForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error) {
	return r.exchange.swap(ctx, r.sender, true, amountIn, amountOutMin, path, to, deadline)
}
