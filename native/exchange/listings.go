package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "sharemarket/native/common"
	"sharemarket/native/orderbook"
)

func (e *Exchange) checkPayoutCurrency(currency common.Address) error {
	if currency == (common.Address{}) || currency == e.settings.Load().Currency || e.processor.HasPriceFeed(currency) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency.Hex())
}

// CreateListing offers seller's shares on the secondary market. Listings are
// not accepted while the release is in an initial sale.
func (e *Exchange) CreateListing(ctx context.Context, seller common.Address, p ListingParams) (uint64, error) {
	if p.PricePerItem == nil || p.PricePerItem.Sign() <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrParam)
	}
	var id uint64
	err := e.host.Transact(ctx, "exchange.CreateListing", func(ctx context.Context) error {
		if err := nativecommon.Guard(e, ModuleName); err != nil {
			return err
		}
		r, ok := e.releases[p.ReleaseID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrReleaseNotFound, p.ReleaseID)
		}
		if !r.Tradable() || e.manager.IsLocked(p.ReleaseID) {
			return fmt.Errorf("%w: %d is not tradable", ErrReleaseState, p.ReleaseID)
		}
		if e.InInitialSale(p.ReleaseID) {
			return fmt.Errorf("%w: %d", ErrInitialSaleActive, p.ReleaseID)
		}
		if err := e.checkPayoutCurrency(p.PayoutCurrency); err != nil {
			return err
		}
		var err error
		id, err = e.book.HandleCreateListing(ctx, e.address, orderbook.CreateParams{
			ReleaseID:      p.ReleaseID,
			Seller:         seller,
			PricePerItem:   p.PricePerItem,
			Quantity:       p.Quantity,
			PayoutCurrency: p.PayoutCurrency,
			FundsReceiver:  p.FundsReceiver,
			SlippageBps:    p.SlippageBps,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ownedListing loads a listing the seller may change.
func (e *Exchange) ownedListing(seller common.Address, id uint64) (orderbook.Listing, error) {
	l, ok := e.book.Listing(id)
	if !ok {
		return orderbook.Listing{}, fmt.Errorf("%w: %d", orderbook.ErrListingNotFound, id)
	}
	if l.Seller != seller {
		return orderbook.Listing{}, fmt.Errorf("%w: listing %d", ErrNotListingOwner, id)
	}
	if e.InInitialSale(l.ReleaseID) {
		return orderbook.Listing{}, fmt.Errorf("%w: %d", ErrInitialSaleActive, l.ReleaseID)
	}
	return l, nil
}

// ModifyListing changes the terms of seller's listing. A zero quantity
// removes it.
func (e *Exchange) ModifyListing(ctx context.Context, seller common.Address, p orderbook.ModifyParams) error {
	return e.host.Transact(ctx, "exchange.ModifyListing", func(ctx context.Context) error {
		if err := nativecommon.Guard(e, ModuleName); err != nil {
			return err
		}
		l, err := e.ownedListing(seller, p.ListingID)
		if err != nil {
			return err
		}
		if r := e.releases[l.ReleaseID]; r.Cancelling {
			return fmt.Errorf("%w: %d is being cancelled", ErrReleaseState, l.ReleaseID)
		}
		if p.Quantity > 0 {
			if p.PricePerItem == nil || p.PricePerItem.Sign() <= 0 {
				return fmt.Errorf("%w: price must be positive", ErrParam)
			}
			if err := e.checkPayoutCurrency(p.PayoutCurrency); err != nil {
				return err
			}
		}
		return e.book.HandleModifyListing(ctx, e.address, p)
	})
}

// CancelListing removes seller's listing and unlocks its shares. It is
// accepted while the exchange is paused.
func (e *Exchange) CancelListing(ctx context.Context, seller common.Address, id uint64) error {
	return e.host.Transact(ctx, "exchange.CancelListing", func(ctx context.Context) error {
		if _, err := e.ownedListing(seller, id); err != nil {
			return err
		}
		return e.book.HandleRemoveListing(ctx, e.address, id)
	})
}

// UnlistAllListings removes up to batchSize listings of a release and returns
// how many were removed.
func (e *Exchange) UnlistAllListings(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (uint64, error) {
	var n uint64
	err := e.host.Transact(ctx, "exchange.UnlistAllListings", func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		var err error
		n, err = e.book.HandleUnlistReleaseListings(ctx, e.address, release, batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
