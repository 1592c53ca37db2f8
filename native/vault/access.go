package vault

import (
	"nhbvault/crypto"
	nativecommon "nhbvault/native/common"
)

// AccessController gates operator-only calls and the depositor pause switch.
type AccessController struct {
	state *State
}

func newAccessController(state *State) *AccessController {
	return &AccessController{state: state}
}

// IsPaused implements common.PauseView for the vault module.
func (a *AccessController) IsPaused(module string) bool {
	if a == nil || a.state == nil {
		return false
	}
	return module == moduleName && a.state.paused
}

// Operator returns the configured operator identity.
func (a *AccessController) Operator() crypto.Address { return a.state.operator }

// RequireOperator fails with ErrUnauthorized unless caller is the operator.
func (a *AccessController) RequireOperator(caller crypto.Address) error {
	if caller.IsZero() || !caller.Equal(a.state.operator) {
		return ErrUnauthorized
	}
	return nil
}

// RequireNotPaused fails with ErrPaused while the pause flag is set.
func (a *AccessController) RequireNotPaused() error {
	return nativecommon.Guard(a, moduleName)
}

// SetPaused asserts the pause level. Re-asserting the current level is not an
// error.
func (a *AccessController) SetPaused(caller crypto.Address, paused bool) error {
	if err := a.RequireOperator(caller); err != nil {
		return err
	}
	a.state.paused = paused
	return nil
}
