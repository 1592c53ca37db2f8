package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"nhbvault/crypto"
)

// Venue is the router-style conversion venue the vault sells into. Swaps take
// the input from the vault's holdings and deliver the output to the recipient.
// A failed swap must return an error; a zero output is never a success.
type Venue interface {
	GetAmountsOut(ctx context.Context, amountIn *big.Int, path []crypto.Address) ([]*big.Int, error)
	SwapExactTokensForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error)
	SwapExactNativeForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []crypto.Address, to crypto.Address, deadline time.Time) ([]*big.Int, error)
}

// Converter turns a native or foreign amount into settlement units through
// the venue. It never touches the ledger.
type Converter struct {
	venue       Venue
	vault       crypto.Address
	settlement  crypto.Address
	wrapped     crypto.Address
	minOutput   *big.Int
	slippageBps uint64
	window      time.Duration
	clock       func() time.Time
	tracer      trace.Tracer
	conversions metric.Int64Counter
}

const conversionsMetric = "nhb.vault.conversions"

func newConverter(p Params, venue Venue, tracer trace.Tracer, meter metric.Meter) *Converter {
	conversions, err := meter.Int64Counter(conversionsMetric, metric.WithDescription("Venue conversions by asset kind and outcome."))
	if err != nil {
		conversions, _ = noop.NewMeterProvider().Meter("nhbvault/vault").Int64Counter(conversionsMetric)
	}
	return &Converter{
		venue:       venue,
		vault:       p.Vault,
		settlement:  p.Settlement,
		wrapped:     p.WrappedNative,
		minOutput:   cloneBig(p.MinOutput),
		slippageBps: p.MaxSlippageBps,
		window:      p.DeadlineWindow,
		clock:       time.Now,
		tracer:      tracer,
		conversions: conversions,
	}
}

// Path returns the two-hop route for asset.
func (c *Converter) Path(asset Asset) ([]crypto.Address, error) {
	switch asset.Kind {
	case AssetNative:
		if c.wrapped.IsZero() {
			return nil, fmt.Errorf("%w: native conversion not configured", ErrInvalidAsset)
		}
		return []crypto.Address{c.wrapped, c.settlement}, nil
	case AssetForeign:
		return []crypto.Address{asset.ID, c.settlement}, nil
	default:
		return nil, fmt.Errorf("%w: %s assets are not converted", ErrInvalidAsset, asset.Kind)
	}
}

// Estimate quotes the settlement output for amount without moving funds.
// Settlement inputs quote 1:1.
func (c *Converter) Estimate(ctx context.Context, asset Asset, amount *big.Int) (*big.Int, error) {
	if asset.Kind == AssetSettlement {
		return cloneBig(amount), nil
	}
	path, err := c.Path(asset)
	if err != nil {
		return nil, err
	}
	out, err := c.quote(ctx, amount, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
	}
	return out, nil
}

func (c *Converter) quote(ctx context.Context, amount *big.Int, path []crypto.Address) (*big.Int, error) {
	amounts, err := c.venue.GetAmountsOut(ctx, cloneBig(amount), path)
	if err != nil {
		return nil, err
	}
	return lastPositive(amounts)
}

// Convert swaps amount of asset into the settlement asset, delivered to the
// vault, and returns the amount actually received.
func (c *Converter) Convert(ctx context.Context, asset Asset, amount *big.Int) (*big.Int, error) {
	ctx, span := c.tracer.Start(ctx, "vault.convert", trace.WithAttributes(
		attribute.String("asset.kind", asset.Kind.String()),
		attribute.String("asset.id", asset.ID.String()),
	))
	defer span.End()

	received, err := c.convert(ctx, asset, amount)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.conversions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", asset.Kind.String()),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("amount.out", received.String()))
	span.SetStatus(codes.Ok, "converted")
	return received, nil
}

func (c *Converter) convert(ctx context.Context, asset Asset, amount *big.Int) (*big.Int, error) {
	path, err := c.Path(asset)
	if err != nil {
		return nil, err
	}
	floor, err := c.floor(ctx, amount, path)
	if err != nil {
		return nil, err
	}
	deadline := c.clock().Add(c.window)
	var amounts []*big.Int
	switch asset.Kind {
	case AssetNative:
		amounts, err = c.venue.SwapExactNativeForTokens(ctx, cloneBig(amount), cloneBig(floor), path, c.vault, deadline)
	default:
		amounts, err = c.venue.SwapExactTokensForTokens(ctx, cloneBig(amount), cloneBig(floor), path, c.vault, deadline)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	received, err := lastPositive(amounts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if received.Cmp(floor) < 0 {
		return nil, fmt.Errorf("%w: received %s below floor %s", ErrConversionFailed, FormatAmount(received), FormatAmount(floor))
	}
	return received, nil
}

// floor is the larger of the absolute minimum and the quote-relative bound.
func (c *Converter) floor(ctx context.Context, amount *big.Int, path []crypto.Address) (*big.Int, error) {
	floor := cloneBig(c.minOutput)
	if floor.Sign() <= 0 {
		floor.SetInt64(1)
	}
	if c.slippageBps == 0 {
		return floor, nil
	}
	quoted, err := c.quote(ctx, amount, path)
	if err != nil {
		return nil, fmt.Errorf("%w: quote for slippage floor: %v", ErrConversionFailed, err)
	}
	bound := new(big.Int).Mul(quoted, big.NewInt(int64(maxBasisPoints-c.slippageBps)))
	bound.Quo(bound, big.NewInt(maxBasisPoints))
	if bound.Cmp(floor) > 0 {
		floor = bound
	}
	return floor, nil
}

var errEmptyAmounts = errors.New("venue returned no amounts")

func lastPositive(amounts []*big.Int) (*big.Int, error) {
	if len(amounts) == 0 {
		return nil, errEmptyAmounts
	}
	last := amounts[len(amounts)-1]
	if last == nil || last.Sign() <= 0 {
		return nil, errors.New("venue reported zero output")
	}
	return new(big.Int).Set(last), nil
}
