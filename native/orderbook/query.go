package orderbook

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Listing returns a copy of the listing.
func (b *Book) Listing(id uint64) (Listing, bool) {
	l, ok := b.listings[id]
	if !ok {
		return Listing{}, false
	}
	return l.Clone(), true
}

// GetOrderedListings returns the listings of a release from cheapest to most
// expensive.
func (b *Book) GetOrderedListings(release uint64) []Listing {
	var out []Listing
	cursor := b.releases[release].head
	for {
		id, ok := cursor.Get()
		if !ok {
			return out
		}
		l := b.listings[id]
		out = append(out, l.Clone())
		cursor = l.Next
	}
}

// ListingsBySeller returns the ids listed by seller in index order.
func (b *Book) ListingsBySeller(seller common.Address) []uint64 { return b.bySeller.list(seller) }

// ListingsByRelease returns the ids listed for a release in index order.
func (b *Book) ListingsByRelease(release uint64) []uint64 { return b.byRelease.list(release) }

// ListingCount returns the number of listings of a release.
func (b *Book) ListingCount(release uint64) int { return len(b.byRelease.ids[release]) }

// ListedQuantity returns the aggregate listed quantity of a release.
func (b *Book) ListedQuantity(release uint64) uint64 { return b.releases[release].listed }

// SellerListedQuantity returns how much of a release seller currently lists.
func (b *Book) SellerListedQuantity(release uint64, seller common.Address) uint64 {
	return b.sellerQty[sellerKey{release: release, seller: seller}]
}

// TotalListings returns the number of live listings across every release.
func (b *Book) TotalListings() int { return len(b.listings) }

// GetAvailableBuyQuantity is the listed quantity of a release excluding the
// listings owned by user.
func (b *Book) GetAvailableBuyQuantity(release uint64, user common.Address) uint64 {
	return b.ListedQuantity(release) - b.SellerListedQuantity(release, user)
}

// PreviewPurchase walks the ordered listings from the cheapest, skipping the
// buyer's own listings, until amount is filled or the list is exhausted. The
// returned match may hold less than the requested quantity.
func (b *Book) PreviewPurchase(release uint64, buyer common.Address, amount uint64) (Match, error) {
	return b.Match(release, buyer, amount)
}

// Match is the pricing walk shared by previews and purchases. It never mutates
// the book.
func (b *Book) Match(release uint64, buyer common.Address, amount uint64) (Match, error) {
	if b.pricer == nil {
		return Match{}, ErrNoPricer
	}
	currency := b.pricer.ActiveCurrency(release)
	m := Match{
		ReleaseID: release,
		Currency:  currency,
		Requested: amount,
		Cost:      big.NewInt(0),
		CostUSD:   big.NewInt(0),
	}
	cursor := b.releases[release].head
	for m.Quantity < amount {
		id, ok := cursor.Get()
		if !ok {
			break
		}
		l := b.listings[id]
		cursor = l.Next
		if l.Seller == buyer || l.Quantity == 0 {
			continue
		}
		chunk := amount - m.Quantity
		if l.Quantity < chunk {
			chunk = l.Quantity
		}
		usd := new(big.Int).Mul(l.PricePerItem, new(big.Int).SetUint64(chunk))
		cost, err := b.pricer.QuoteInCurrency(usd, currency)
		if err != nil {
			return Match{}, fmt.Errorf("orderbook: price listing %d: %w", id, err)
		}
		m.Fills = append(m.Fills, Fill{
			ListingID:      id,
			Seller:         l.Seller,
			Recipient:      l.Recipient(),
			PayoutCurrency: l.PayoutCurrency,
			SlippageBps:    l.SlippageBps,
			PricePerItem:   new(big.Int).Set(l.PricePerItem),
			Quantity:       chunk,
			CostUSD:        usd,
			Cost:           cost,
		})
		m.Quantity += chunk
		m.CostUSD.Add(m.CostUSD, usd)
		m.Cost.Add(m.Cost, cost)
	}
	return m, nil
}
