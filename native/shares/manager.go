// Package shares defines the shares-ledger interface the exchange relies on and
// an in-memory ledger implementing it.
package shares

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
)

// Manager is the shares ledger tracking release ownership and locking.
type Manager interface {
	LockTokens(ctx context.Context, seller common.Address, release uint64, qty uint64) error
	UnlockTokens(ctx context.Context, seller common.Address, release uint64, qty uint64) error
	TransferOwnership(ctx context.Context, release uint64, from, to common.Address, qty uint64) error
	TransferOwnershipInitialSale(ctx context.Context, release uint64, from, to common.Address, qty uint64) error
	IsLocked(release uint64) bool
	IsInInitialSale(release uint64) bool
	ReleaseExists(release uint64) bool
	StartInitialSale(ctx context.Context, release uint64) error
	EndInitialSale(ctx context.Context, release uint64) error
	CancelInitialSale(ctx context.Context, release uint64) error
}

var (
	ErrReleaseNotFound     = errors.New("shares: release not found")
	ErrReleaseExists       = errors.New("shares: release already exists")
	ErrInsufficientShares  = errors.New("shares: insufficient unlocked shares")
	ErrInsufficientLocked  = errors.New("shares: insufficient locked shares")
	ErrInitialSaleActive   = errors.New("shares: initial sale already active")
	ErrInitialSaleInactive = errors.New("shares: initial sale not active")
)

type holding struct {
	Balance uint64
	Locked  uint64
}

type releaseRecord struct {
	Owner           common.Address
	Supply          uint64
	Locked          bool
	InitialSale     bool
	InitialSaleSold uint64
}

type holdingKey struct {
	release uint64
	owner   common.Address
}

// Ledger is an in-memory Manager backed by the host journal.
type Ledger struct {
	host     *state.Host
	releases map[uint64]releaseRecord
	holdings map[holdingKey]holding
}

var _ Manager = (*Ledger)(nil)

// NewLedger constructs an empty shares ledger.
func NewLedger(host *state.Host) *Ledger {
	return &Ledger{
		host:     host,
		releases: make(map[uint64]releaseRecord),
		holdings: make(map[holdingKey]holding),
	}
}

func (l *Ledger) journal() *state.Journal {
	if l.host == nil {
		return nil
	}
	return l.host.Journal()
}

func (l *Ledger) transact(ctx context.Context, name string, fn func(context.Context) error) error {
	if l.host == nil {
		return fn(ctx)
	}
	return l.host.Transact(ctx, name, fn)
}

// CreateRelease issues supply shares of a new release to owner.
func (l *Ledger) CreateRelease(ctx context.Context, release uint64, owner common.Address, supply uint64) error {
	return l.transact(ctx, "shares.CreateRelease", func(ctx context.Context) error {
		if _, ok := l.releases[release]; ok {
			return fmt.Errorf("%w: %d", ErrReleaseExists, release)
		}
		state.MapSet(l.journal(), l.releases, release, releaseRecord{Owner: owner, Supply: supply})
		state.MapSet(l.journal(), l.holdings, holdingKey{release: release, owner: owner}, holding{Balance: supply})
		return nil
	})
}

// SetLocked toggles the trading lock of a release.
func (l *Ledger) SetLocked(ctx context.Context, release uint64, locked bool) error {
	return l.transact(ctx, "shares.SetLocked", func(ctx context.Context) error {
		rec, ok := l.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		rec.Locked = locked
		state.MapSet(l.journal(), l.releases, release, rec)
		return nil
	})
}

// BalanceOf returns the owner's total and locked shares.
func (l *Ledger) BalanceOf(release uint64, owner common.Address) (balance, locked uint64) {
	h := l.holdings[holdingKey{release: release, owner: owner}]
	return h.Balance, h.Locked
}

// InitialSaleSold reports how many shares moved through initial-sale transfers.
func (l *Ledger) InitialSaleSold(release uint64) uint64 {
	return l.releases[release].InitialSaleSold
}

func (l *Ledger) LockTokens(ctx context.Context, seller common.Address, release uint64, qty uint64) error {
	return l.transact(ctx, "shares.LockTokens", func(ctx context.Context) error {
		if _, ok := l.releases[release]; !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		key := holdingKey{release: release, owner: seller}
		h := l.holdings[key]
		if h.Balance-h.Locked < qty {
			return fmt.Errorf("%w: %s has %d unlocked, needs %d", ErrInsufficientShares, seller.Hex(), h.Balance-h.Locked, qty)
		}
		h.Locked += qty
		state.MapSet(l.journal(), l.holdings, key, h)
		return nil
	})
}

func (l *Ledger) UnlockTokens(ctx context.Context, seller common.Address, release uint64, qty uint64) error {
	return l.transact(ctx, "shares.UnlockTokens", func(ctx context.Context) error {
		key := holdingKey{release: release, owner: seller}
		h := l.holdings[key]
		if h.Locked < qty {
			return fmt.Errorf("%w: %s has %d locked, needs %d", ErrInsufficientLocked, seller.Hex(), h.Locked, qty)
		}
		h.Locked -= qty
		state.MapSet(l.journal(), l.holdings, key, h)
		return nil
	})
}

func (l *Ledger) TransferOwnership(ctx context.Context, release uint64, from, to common.Address, qty uint64) error {
	return l.transact(ctx, "shares.TransferOwnership", func(ctx context.Context) error {
		return l.moveLocked(release, from, to, qty)
	})
}

func (l *Ledger) TransferOwnershipInitialSale(ctx context.Context, release uint64, from, to common.Address, qty uint64) error {
	return l.transact(ctx, "shares.TransferOwnershipInitialSale", func(ctx context.Context) error {
		rec, ok := l.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		if !rec.InitialSale {
			return fmt.Errorf("%w: %d", ErrInitialSaleInactive, release)
		}
		if err := l.moveLocked(release, from, to, qty); err != nil {
			return err
		}
		rec.InitialSaleSold += qty
		state.MapSet(l.journal(), l.releases, release, rec)
		return nil
	})
}

func (l *Ledger) moveLocked(release uint64, from, to common.Address, qty uint64) error {
	if _, ok := l.releases[release]; !ok {
		return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
	}
	fromKey := holdingKey{release: release, owner: from}
	src := l.holdings[fromKey]
	if src.Locked < qty || src.Balance < qty {
		return fmt.Errorf("%w: %s has %d locked, needs %d", ErrInsufficientLocked, from.Hex(), src.Locked, qty)
	}
	src.Locked -= qty
	src.Balance -= qty
	state.MapSet(l.journal(), l.holdings, fromKey, src)
	toKey := holdingKey{release: release, owner: to}
	dst := l.holdings[toKey]
	dst.Balance += qty
	state.MapSet(l.journal(), l.holdings, toKey, dst)
	return nil
}

func (l *Ledger) IsLocked(release uint64) bool { return l.releases[release].Locked }

func (l *Ledger) IsInInitialSale(release uint64) bool { return l.releases[release].InitialSale }

func (l *Ledger) ReleaseExists(release uint64) bool {
	_, ok := l.releases[release]
	return ok
}

func (l *Ledger) StartInitialSale(ctx context.Context, release uint64) error {
	return l.setInitialSale(ctx, release, true)
}

func (l *Ledger) EndInitialSale(ctx context.Context, release uint64) error {
	return l.setInitialSale(ctx, release, false)
}

func (l *Ledger) CancelInitialSale(ctx context.Context, release uint64) error {
	return l.transact(ctx, "shares.CancelInitialSale", func(ctx context.Context) error {
		rec, ok := l.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		rec.InitialSale = false
		state.MapSet(l.journal(), l.releases, release, rec)
		return nil
	})
}

func (l *Ledger) setInitialSale(ctx context.Context, release uint64, active bool) error {
	return l.transact(ctx, "shares.SetInitialSale", func(ctx context.Context) error {
		rec, ok := l.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		if active && rec.InitialSale {
			return fmt.Errorf("%w: %d", ErrInitialSaleActive, release)
		}
		if !active && !rec.InitialSale {
			return fmt.Errorf("%w: %d", ErrInitialSaleInactive, release)
		}
		rec.InitialSale = active
		state.MapSet(l.journal(), l.releases, release, rec)
		return nil
	})
}
