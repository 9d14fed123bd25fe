package exchange

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/payments"
)

// CanBuy reports whether buyer may purchase the release now and the largest
// quantity one purchase may take. Outside an initial sale the quantity is
// capped by the per-transaction maximum and the listings not owned by the
// buyer. During a sale the whitelist window and the per-buyer cap apply too.
// A sale past its end time no longer gates purchases.
func (e *Exchange) CanBuy(release uint64, buyer common.Address) (bool, uint64) {
	cfg := e.settings.Load()
	if cfg.Paused {
		return false, 0
	}
	r, ok := e.releases[release]
	if !ok || !r.Tradable() || e.manager.IsLocked(release) {
		return false, 0
	}
	limit := e.book.GetAvailableBuyQuantity(release, buyer)
	if cfg.MaxPurchasePerTx < limit {
		limit = cfg.MaxPurchasePerTx
	}
	if e.InInitialSale(release) {
		sale := e.sales[release]
		if sale.WhitelistOpen(e.host.Now()) && !e.IsWhitelisted(release, buyer) {
			return false, 0
		}
		if sale.MaxBuy > 0 {
			bought := e.PurchasedInSale(release, buyer)
			if bought >= sale.MaxBuy {
				return false, 0
			}
			if left := sale.MaxBuy - bought; left < limit {
				limit = left
			}
		}
	}
	return limit > 0, limit
}

// PreviewPurchaseCost prices amount shares for buyer in the active currency.
func (e *Exchange) PreviewPurchaseCost(release uint64, buyer common.Address, amount uint64) (*big.Int, common.Address, error) {
	m, err := e.book.PreviewPurchase(release, buyer, amount)
	if err != nil {
		return nil, common.Address{}, err
	}
	if !m.Complete() {
		return nil, common.Address{}, fmt.Errorf("%w: requested %d, available %d", ErrNotEnoughTokensInListings, amount, m.Quantity)
	}
	return m.Cost, m.Currency, nil
}

// Purchase buys amount shares of a release for buyer, paying at most
// maxTotalPrice of the release's active currency.
func (e *Exchange) Purchase(ctx context.Context, buyer common.Address, release uint64, amount uint64, maxTotalPrice *big.Int) (Receipt, error) {
	return e.purchase(ctx, buyer, buyer, release, amount, maxTotalPrice)
}

// PurchaseFor buys on behalf of recipient with funds pulled from payer.
func (e *Exchange) PurchaseFor(ctx context.Context, payer, recipient common.Address, release uint64, amount uint64, maxTotalPrice *big.Int) error {
	_, err := e.purchase(ctx, payer, recipient, release, amount, maxTotalPrice)
	return err
}

func (e *Exchange) purchase(ctx context.Context, payer, recipient common.Address, release uint64, amount uint64, maxTotalPrice *big.Int) (Receipt, error) {
	if amount == 0 || maxTotalPrice == nil || maxTotalPrice.Sign() < 0 {
		return Receipt{}, fmt.Errorf("%w: amount and max total price required", ErrParam)
	}
	if err := e.guard.Enter(); err != nil {
		return Receipt{}, err
	}
	defer e.guard.Exit()
	start := time.Now()
	var receipt Receipt
	err := e.host.Transact(ctx, "exchange.Purchase", func(ctx context.Context) error {
		if err := nativecommon.Guard(e, ModuleName); err != nil {
			return err
		}
		var err error
		receipt, err = e.performPurchase(ctx, payer, recipient, release, amount, maxTotalPrice)
		return err
	})
	e.metrics.Observe("exchange.purchase", time.Since(start), err)
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// performPurchase re-walks the order book, settles every matched listing and
// transfers the shares. An order book that cannot fill the whole amount fails
// the purchase.
func (e *Exchange) performPurchase(ctx context.Context, payer, recipient common.Address, release uint64, amount uint64, maxTotalPrice *big.Int) (Receipt, error) {
	allowed, limit := e.CanBuy(release, recipient)
	if available := e.book.GetAvailableBuyQuantity(release, recipient); amount > available {
		return Receipt{}, fmt.Errorf("%w: requested %d, available %d", ErrNotEnoughTokensInListings, amount, available)
	}
	if !allowed {
		return Receipt{}, fmt.Errorf("%w: release %d buyer %s", ErrNotAllowed, release, recipient.Hex())
	}
	if amount > limit {
		return Receipt{}, fmt.Errorf("%w: requested %d, max %d", ErrAmountExceedsMax, amount, limit)
	}
	inSale := e.InInitialSale(release)
	match, err := e.book.Match(release, recipient, amount)
	if err != nil {
		return Receipt{}, err
	}
	if !match.Complete() {
		return Receipt{}, fmt.Errorf("%w: requested %d, matched %d", ErrNotEnoughTokensInListings, amount, match.Quantity)
	}
	if match.Cost.Cmp(maxTotalPrice) > 0 {
		return Receipt{}, fmt.Errorf("%w: cost %s, max %s", ErrPurchase, match.Cost, maxTotalPrice)
	}

	receipt := Receipt{
		ReleaseID:   release,
		Buyer:       recipient,
		Operator:    payer,
		Quantity:    match.Quantity,
		Currency:    match.Currency,
		Cost:        match.Cost,
		CostUSD:     match.CostUSD,
		InitialSale: inSale,
	}
	for _, fill := range match.Fills {
		_, err := e.processor.HandleProcessPaymentWithFees(ctx, e.address, payments.PaymentParams{
			ReleaseID:        release,
			Operator:         payer,
			Buyer:            recipient,
			Seller:           fill.Recipient,
			Currency:         match.Currency,
			Value:            fill.Cost,
			PayoutCurrency:   fill.PayoutCurrency,
			SlippageBps:      fill.SlippageBps,
			CreateFund:       inSale,
			IsProxyOperation: payer != recipient,
		})
		if err != nil {
			return Receipt{}, fmt.Errorf("exchange: settle listing %d: %w", fill.ListingID, err)
		}
		if err := e.book.HandleDecreaseListingQuantity(ctx, e.address, fill.ListingID, fill.Quantity); err != nil {
			return Receipt{}, err
		}
		if inSale {
			err = e.manager.TransferOwnershipInitialSale(ctx, release, fill.Seller, recipient, fill.Quantity)
		} else {
			err = e.manager.TransferOwnership(ctx, release, fill.Seller, recipient, fill.Quantity)
		}
		if err != nil {
			return Receipt{}, err
		}
		receipt.Listings = append(receipt.Listings, fill.ListingID)
	}

	if inSale {
		e.recordSalePurchase(release, recipient, match.Quantity)
		sale := e.sales[release]
		if e.saleRemaining(sale) == 0 {
			if err := e.closeSale(ctx, release, sale, false, "sold_out"); err != nil {
				return Receipt{}, err
			}
		}
	}
	e.host.Emit(newPurchasedEvent(receipt))
	e.metrics.RecordVolume(strconv.FormatUint(release, 10), receipt.CostUSD, e.settings.Load().PriceAskDecimals)
	return receipt, nil
}

func (e *Exchange) recordSalePurchase(release uint64, buyer common.Address, qty uint64) {
	key := accountKey{release: release, account: buyer}
	prev, seen := e.purchased[key]
	state.MapSet(e.journal(), e.purchased, key, prev+qty)
	if !seen {
		e.storeAccounts(e.saleBuyers, release, append(append([]common.Address(nil), e.saleBuyers[release]...), buyer))
	}
}
