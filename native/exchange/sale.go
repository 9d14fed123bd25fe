package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/fees"
	"sharemarket/native/orderbook"
)

func validateSaleParams(p InitialSaleParams) error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("%w: initial sale needs at least one tier", ErrParam)
	}
	for i, tier := range p.Tiers {
		if tier.Quantity == 0 || tier.PricePerItem == nil || tier.PricePerItem.Sign() <= 0 {
			return fmt.Errorf("%w: tier %d needs a positive quantity and price", ErrParam, i)
		}
	}
	if p.Duration == 0 {
		return fmt.Errorf("%w: sale duration must be positive", ErrParam)
	}
	if p.Whitelist != (len(p.WhitelistAddresses) > 0) {
		return fmt.Errorf("%w: whitelist flag and whitelist addresses disagree", ErrParam)
	}
	if p.Seller == (common.Address{}) {
		return fmt.Errorf("%w: seller required", ErrParam)
	}
	return nil
}

// CreateInitialSale opens the bootstrapping sale of a release and lists one
// order-book entry per tier. Purchases during the sale are escrowed.
func (e *Exchange) CreateInitialSale(ctx context.Context, caller common.Address, p InitialSaleParams) error {
	if err := validateSaleParams(p); err != nil {
		return err
	}
	return e.host.Transact(ctx, "exchange.CreateInitialSale", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		r, ok := e.releases[p.ReleaseID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, p.ReleaseID)
		}
		if !r.Tradable() {
			return fmt.Errorf("%w: %d is not active", ErrReleaseState, p.ReleaseID)
		}
		if _, exists := e.sales[p.ReleaseID]; exists {
			return fmt.Errorf("%w: %d", ErrInitialSaleExists, p.ReleaseID)
		}
		if n := e.book.ListingCount(p.ReleaseID); n > 0 {
			return fmt.Errorf("%w: release %d has %d listings", ErrListingsExist, p.ReleaseID, n)
		}
		cfg := e.settings.Load()
		if p.Currency != (common.Address{}) && p.Currency != cfg.Currency && !e.processor.HasPriceFeed(p.Currency) {
			return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, p.Currency.Hex())
		}
		if err := e.validateReleaseFees(p.Fees, r.AdditionalFees); err != nil {
			return err
		}
		if err := e.manager.StartInitialSale(ctx, p.ReleaseID); err != nil {
			return err
		}

		now := e.host.Now()
		sale := InitialSale{
			Active:    true,
			Whitelist: p.Whitelist,
			StartTime: now,
			EndTime:   now + int64(p.Duration),
			MaxBuy:    p.MaxBuy,
			Currency:  p.Currency,
			Fees:      fees.CloneAll(p.Fees),
		}
		if p.Whitelist && p.WhitelistDuration > 0 {
			sale.WhitelistUntil = sale.StartTime + int64(p.WhitelistDuration)
		}
		// Sale state must exist before listing so the tiers are priced in the
		// sale currency.
		state.MapSet(e.journal(), e.sales, p.ReleaseID, sale)
		for _, tier := range p.Tiers {
			id, err := e.book.HandleCreateListing(ctx, e.address, orderbook.CreateParams{
				ReleaseID:      p.ReleaseID,
				Seller:         p.Seller,
				PricePerItem:   tier.PricePerItem,
				Quantity:       tier.Quantity,
				PayoutCurrency: p.PayoutCurrency,
				FundsReceiver:  p.FundsReceiver,
			})
			if err != nil {
				return err
			}
			sale.Listings = append(sale.Listings, id)
		}
		state.MapSet(e.journal(), e.sales, p.ReleaseID, sale)

		seen := make(map[common.Address]bool, len(p.WhitelistAddresses))
		var addrs []common.Address
		for _, addr := range p.WhitelistAddresses {
			if seen[addr] {
				continue
			}
			seen[addr] = true
			state.MapSet(e.journal(), e.whitelist, accountKey{release: p.ReleaseID, account: addr}, true)
			addrs = append(addrs, addr)
		}
		e.storeAccounts(e.whitelistAddrs, p.ReleaseID, append(append([]common.Address(nil), e.whitelistAddrs[p.ReleaseID]...), addrs...))
		e.host.Emit(newInitialSaleCreatedEvent(p, sale))
		return nil
	})
}

// InInitialSale reports whether a release's sale is running: it is active, its
// end time has not passed and sale inventory remains listed.
func (e *Exchange) InInitialSale(release uint64) bool {
	sale, ok := e.sales[release]
	if !ok || !sale.Active || e.host.Now() >= sale.EndTime {
		return false
	}
	return e.saleRemaining(sale) > 0
}

func (e *Exchange) saleRemaining(sale InitialSale) uint64 {
	var remaining uint64
	for _, id := range sale.Listings {
		if l, ok := e.book.Listing(id); ok {
			remaining += l.Quantity
		}
	}
	return remaining
}

// IsWhitelisted reports whether account may buy during the whitelist window.
func (e *Exchange) IsWhitelisted(release uint64, account common.Address) bool {
	return e.whitelist[accountKey{release: release, account: account}]
}

// PurchasedInSale is the cumulative quantity account bought in the sale.
func (e *Exchange) PurchasedInSale(release uint64, account common.Address) uint64 {
	return e.purchased[accountKey{release: release, account: account}]
}

// EndInitialSale concludes a sale whose end time has passed. Administrators
// may end a sale early. Unsold inventory is unlisted.
func (e *Exchange) EndInitialSale(ctx context.Context, caller common.Address, release uint64) error {
	return e.host.Transact(ctx, "exchange.EndInitialSale", func(ctx context.Context) error {
		sale, ok := e.sales[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrInitialSaleNotFound, release)
		}
		if e.host.Now() < sale.EndTime && e.saleRemaining(sale) > 0 {
			if err := e.requireAdmin(caller); err != nil {
				return err
			}
		}
		return e.closeSale(ctx, release, sale, false, "ended")
	})
}

// CancelInitialSale aborts a sale, unlisting its remaining inventory.
func (e *Exchange) CancelInitialSale(ctx context.Context, caller common.Address, release uint64) error {
	return e.host.Transact(ctx, "exchange.CancelInitialSale", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		sale, ok := e.sales[release]
		if !ok {
			return fmt.Errorf("%w: %d", ErrInitialSaleNotFound, release)
		}
		return e.closeSale(ctx, release, sale, true, "cancelled")
	})
}

// closeSale unlists remaining sale inventory, notifies the shares ledger and
// clears the sale together with its whitelist and purchase counters.
func (e *Exchange) closeSale(ctx context.Context, release uint64, sale InitialSale, cancel bool, reason string) error {
	for _, id := range sale.Listings {
		if _, ok := e.book.Listing(id); !ok {
			continue
		}
		if err := e.book.HandleRemoveListing(ctx, e.address, id); err != nil {
			return err
		}
	}
	if e.manager.IsInInitialSale(release) {
		var err error
		if cancel {
			err = e.manager.CancelInitialSale(ctx, release)
		} else {
			err = e.manager.EndInitialSale(ctx, release)
		}
		if err != nil {
			return err
		}
	}
	state.MapDelete(e.journal(), e.sales, release)
	e.cleanupSaleAccounts(release, ^uint64(0))
	e.host.Emit(releaseEvent(EventTypeInitialSaleEnded, release, map[string]string{"reason": reason}))
	return nil
}
