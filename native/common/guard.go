package common

import (
	"errors"
	"sync/atomic"
)

var (
	ErrModulePaused = errors.New("module paused")
	ErrReentrant    = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Latch is a non-blocking mutual exclusion flag. A second Enter while the
// latch is held fails immediately instead of waiting, so nested calls made by
// untrusted collaborators are rejected rather than interleaved.
type Latch struct {
	held atomic.Bool
}

// Enter acquires the latch. The returned release clears it and may be called
// more than once.
func (l *Latch) Enter() (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if !l.held.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.held.Store(false)
		}
	}, nil
}

// Held reports whether a guarded call is in progress.
func (l *Latch) Held() bool {
	if l == nil {
		return false
	}
	return l.held.Load()
}
