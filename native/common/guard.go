package common

import "errors"

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
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

// ReentrancyGuard rejects calls that re-enter an engine while one of its
// guarded operations is still running external calls.
type ReentrancyGuard struct {
	entered bool
}

// Enter marks the guarded section as active. Callers must defer Exit after a
// successful Enter.
func (g *ReentrancyGuard) Enter() error {
	if g.entered {
		return ErrReentrantCall
	}
	g.entered = true
	return nil
}

// Exit releases the guard.
func (g *ReentrancyGuard) Exit() { g.entered = false }

// Entered reports whether a guarded section is active.
func (g *ReentrancyGuard) Entered() bool { return g.entered }
