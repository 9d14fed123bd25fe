package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/fees"
)

func (e *Exchange) validateReleaseFees(base, additional []fees.Distribution) error {
	combined := append(fees.CloneAll(base), fees.CloneAll(additional)...)
	return fees.Validate(combined)
}

// InitializeRelease registers a release known to the shares ledger. The
// release starts inactive.
func (e *Exchange) InitializeRelease(ctx context.Context, caller common.Address, release uint64, additional []fees.Distribution) error {
	return e.host.Transact(ctx, "exchange.InitializeRelease", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if !e.manager.ReleaseExists(release) {
			return fmt.Errorf("%w: %d unknown to the shares ledger", ErrReleaseNotFound, release)
		}
		if r, ok := e.releases[release]; ok && r.Initialized {
			return fmt.Errorf("%w: %d already initialized", ErrReleaseState, release)
		}
		if err := e.validateReleaseFees(e.settings.Load().Fees, additional); err != nil {
			return err
		}
		state.MapSet(e.journal(), e.releases, release, Release{
			ID:             release,
			AdditionalFees: fees.CloneAll(additional),
			Initialized:    true,
		})
		e.host.Emit(releaseEvent(EventTypeReleaseInitialized, release, map[string]string{
			"additionalFees": strconv.Itoa(len(additional)),
			"sender":         caller.Hex(),
		}))
		return nil
	})
}

// SetReleaseActive toggles whether a release trades.
func (e *Exchange) SetReleaseActive(ctx context.Context, caller common.Address, release uint64, active bool) error {
	return e.host.Transact(ctx, "exchange.SetReleaseActive", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		r, ok := e.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		if r.Cancelling {
			return fmt.Errorf("%w: %d is being cancelled", ErrReleaseState, release)
		}
		r = r.Clone()
		r.Active = active
		state.MapSet(e.journal(), e.releases, release, r)
		e.host.Emit(newActiveChangedEvent(release, active, caller))
		return nil
	})
}

// SetReleaseFees replaces the additional fees charged on a release.
func (e *Exchange) SetReleaseFees(ctx context.Context, caller common.Address, release uint64, additional []fees.Distribution) error {
	return e.host.Transact(ctx, "exchange.SetReleaseFees", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		r, ok := e.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		if err := e.validateReleaseFees(e.settings.Load().Fees, additional); err != nil {
			return err
		}
		r = r.Clone()
		r.AdditionalFees = fees.CloneAll(additional)
		state.MapSet(e.journal(), e.releases, release, r)
		e.host.Emit(releaseEvent(EventTypeReleaseFeesSet, release, map[string]string{
			"additionalFees": strconv.Itoa(len(additional)),
			"sender":         caller.Hex(),
		}))
		return nil
	})
}

// CancelRelease drains a release in bounded steps: listings first, then
// escrowed funds with the remaining budget, then sale bookkeeping. The release
// record is deleted once everything is gone. Each call is resumable; callers
// repeat until Done.
func (e *Exchange) CancelRelease(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (CancelProgress, error) {
	if batchSize == 0 {
		return CancelProgress{}, fmt.Errorf("%w: batch size must be positive", ErrParam)
	}
	var progress CancelProgress
	err := e.host.Transact(ctx, "exchange.CancelRelease", func(ctx context.Context) error {
		progress = CancelProgress{}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		r, ok := e.releases[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, release)
		}
		if !r.Cancelling {
			if err := e.startCancellation(ctx, caller, r); err != nil {
				return err
			}
		}
		budget := batchSize

		n, err := e.book.HandleUnlistReleaseListings(ctx, e.address, release, budget)
		if err != nil {
			return err
		}
		progress.Listings, budget = n, budget-n
		if e.book.ListingCount(release) > 0 {
			return nil
		}

		n, err = e.funds.HandleCancelReleaseFunds(ctx, e.address, release, budget)
		if err != nil {
			return err
		}
		progress.Funds, budget = n, budget-n
		if e.funds.HasFunds(release) {
			return nil
		}

		n, done := e.cleanupSaleAccounts(release, budget)
		progress.Whitelist = n
		if !done {
			return nil
		}
		state.MapDelete(e.journal(), e.releases, release)
		e.host.Emit(releaseEvent(EventTypeReleaseCancelled, release, map[string]string{"sender": caller.Hex()}))
		progress.Done = true
		return nil
	})
	if err != nil {
		return CancelProgress{}, err
	}
	return progress, nil
}

func (e *Exchange) startCancellation(ctx context.Context, caller common.Address, r Release) error {
	r = r.Clone()
	r.Cancelling = true
	r.Active = false
	state.MapSet(e.journal(), e.releases, r.ID, r)
	if _, ok := e.sales[r.ID]; ok {
		if e.manager.IsInInitialSale(r.ID) {
			if err := e.manager.CancelInitialSale(ctx, r.ID); err != nil {
				return err
			}
		}
		state.MapDelete(e.journal(), e.sales, r.ID)
		e.host.Emit(releaseEvent(EventTypeInitialSaleEnded, r.ID, map[string]string{"reason": "release_cancelled"}))
	}
	e.host.Emit(releaseEvent(EventTypeReleaseCancellationStarted, r.ID, map[string]string{"sender": caller.Hex()}))
	return nil
}

// cleanupSaleAccounts removes up to budget whitelist and purchase-counter
// entries of a release. It reports whether nothing is left.
func (e *Exchange) cleanupSaleAccounts(release uint64, budget uint64) (uint64, bool) {
	var n uint64
	addrs := e.whitelistAddrs[release]
	for len(addrs) > 0 && n < budget {
		last := addrs[len(addrs)-1]
		state.MapDelete(e.journal(), e.whitelist, accountKey{release: release, account: last})
		addrs = addrs[:len(addrs)-1]
		n++
	}
	e.storeAccounts(e.whitelistAddrs, release, addrs)

	buyers := e.saleBuyers[release]
	for len(buyers) > 0 && n < budget {
		last := buyers[len(buyers)-1]
		state.MapDelete(e.journal(), e.purchased, accountKey{release: release, account: last})
		buyers = buyers[:len(buyers)-1]
		n++
	}
	e.storeAccounts(e.saleBuyers, release, buyers)
	return n, len(addrs) == 0 && len(buyers) == 0
}

func (e *Exchange) storeAccounts(m map[uint64][]common.Address, release uint64, list []common.Address) {
	if len(list) == 0 {
		if _, ok := m[release]; ok {
			state.MapDelete(e.journal(), m, release)
		}
		return
	}
	if len(list) != len(m[release]) {
		state.MapSet(e.journal(), m, release, append([]common.Address(nil), list...))
	}
}
