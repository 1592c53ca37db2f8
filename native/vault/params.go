package vault

import (
	"fmt"
	"math/big"
	"time"

	"nhbvault/crypto"
)

const (
	moduleName = "vault"

	// DefaultDeadlineWindow is how far in the future swap deadlines are set.
	DefaultDeadlineWindow = 15 * time.Minute

	maxBasisPoints = 10_000
)

// Params holds the construction-time configuration of a vault. None of the
// values can change once the engine is built.
type Params struct {
	Vault         crypto.Address
	Operator      crypto.Address
	Settlement    crypto.Address
	Venue         crypto.Address
	Native        crypto.Address
	WrappedNative crypto.Address

	Capacity      *big.Int
	WithdrawLimit *big.Int

	// MinOutput is the absolute slippage floor passed to the venue. Nil means
	// one base unit, which accepts any non-zero output.
	MinOutput *big.Int
	// MaxSlippageBps raises the floor relative to a fresh quote when non-zero.
	MaxSlippageBps uint64
	DeadlineWindow time.Duration
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.Capacity = cloneBig(p.Capacity)
	clone.WithdrawLimit = cloneBig(p.WithdrawLimit)
	clone.MinOutput = cloneBig(p.MinOutput)
	return clone
}

func (p Params) withDefaults() Params {
	out := p.Clone()
	if p.MinOutput == nil || p.MinOutput.Sign() == 0 {
		out.MinOutput = big.NewInt(1)
	}
	if out.DeadlineWindow <= 0 {
		out.DeadlineWindow = DefaultDeadlineWindow
	}
	return out
}

// Validate checks the construction invariants.
func (p Params) Validate() error {
	if p.Capacity == nil || p.Capacity.Sign() <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidParams)
	}
	if p.WithdrawLimit == nil || p.WithdrawLimit.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw limit must be positive", ErrInvalidParams)
	}
	if _, err := toUint(p.Capacity); err != nil {
		return fmt.Errorf("%w: capacity: %v", ErrInvalidParams, err)
	}
	if _, err := toUint(p.WithdrawLimit); err != nil {
		return fmt.Errorf("%w: withdraw limit: %v", ErrInvalidParams, err)
	}
	if p.MinOutput != nil && p.MinOutput.Sign() < 0 {
		return fmt.Errorf("%w: min output must not be negative", ErrInvalidParams)
	}
	if p.MaxSlippageBps > maxBasisPoints {
		return fmt.Errorf("%w: max slippage exceeds %d bps", ErrInvalidParams, maxBasisPoints)
	}
	required := []struct {
		name string
		addr crypto.Address
	}{
		{"vault", p.Vault},
		{"operator", p.Operator},
		{"settlement", p.Settlement},
		{"venue", p.Venue},
	}
	for _, field := range required {
		if field.addr.IsZero() {
			return fmt.Errorf("%w: %s address required", ErrInvalidParams, field.name)
		}
	}
	if p.Settlement.Equal(p.Vault) {
		return fmt.Errorf("%w: settlement asset cannot be the vault", ErrInvalidParams)
	}
	if !p.Native.IsZero() {
		if p.WrappedNative.IsZero() {
			return fmt.Errorf("%w: wrapped native asset required when native deposits are enabled", ErrInvalidParams)
		}
		if p.Native.Equal(p.Settlement) || p.Native.Equal(p.Vault) {
			return fmt.Errorf("%w: native asset must be distinct from settlement and vault", ErrInvalidParams)
		}
	}
	return nil
}
