package vault

import (
	"math/big"
	"strconv"

	"nhbvault/core/types"
	"nhbvault/crypto"
)

const (
	EventTypeDeposit       = "vault.deposit"
	EventTypeWithdraw      = "vault.withdraw"
	EventTypePauseChanged  = "vault.pause_changed"
	EventTypeAssetRecovery = "vault.recovered"
)

// Receipt describes a committed deposit or withdrawal.
type Receipt struct {
	Depositor crypto.Address
	Asset     Asset
	AmountIn  *big.Int
	Credited  *big.Int
	Debited   *big.Int
	Balance   *big.Int
	Total     *big.Int
}

type vaultEvent struct {
	evt *types.Event
}

func (v vaultEvent) EventType() string { return v.evt.Type }

// Event exposes the underlying typed event for sinks that persist it.
func (v vaultEvent) Event() *types.Event { return v.evt }

// NewDepositEvent returns the canonical payload for a credited deposit.
func NewDepositEvent(r *Receipt) *types.Event {
	return &types.Event{Type: EventTypeDeposit, Attributes: map[string]string{
		"depositor": r.Depositor.String(),
		"asset":     r.Asset.ID.String(),
		"kind":      r.Asset.Kind.String(),
		"amountIn":  amountString(r.AmountIn),
		"credited":  amountString(r.Credited),
		"balance":   amountString(r.Balance),
		"total":     amountString(r.Total),
	}}
}

// NewWithdrawEvent returns the canonical payload for a withdrawal.
func NewWithdrawEvent(r *Receipt) *types.Event {
	return &types.Event{Type: EventTypeWithdraw, Attributes: map[string]string{
		"depositor": r.Depositor.String(),
		"amount":    amountString(r.Debited),
		"balance":   amountString(r.Balance),
		"total":     amountString(r.Total),
	}}
}

// NewPauseChangedEvent is emitted on every pause or unpause call, including
// calls that re-assert the current state.
func NewPauseChangedEvent(operator crypto.Address, paused bool) *types.Event {
	return &types.Event{Type: EventTypePauseChanged, Attributes: map[string]string{
		"operator": operator.String(),
		"paused":   strconv.FormatBool(paused),
	}}
}

// NewRecoveredEvent records a foreign asset returned to the operator.
func NewRecoveredEvent(operator, asset crypto.Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeAssetRecovery, Attributes: map[string]string{
		"operator": operator.String(),
		"asset":    asset.String(),
		"amount":   amountString(amount),
	}}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
