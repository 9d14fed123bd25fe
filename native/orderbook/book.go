// Package orderbook keeps, per release, a price-ascending doubly linked list of
// listings together with the seller and release indices used by the exchange.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/shares"
)

var (
	ErrInvalidCaller   = errors.New("orderbook: caller is not the exchange")
	ErrParam           = errors.New("orderbook: invalid parameter")
	ErrListingNotFound = errors.New("orderbook: listing not found")
	ErrNoPricer        = errors.New("orderbook: pricing not configured")
)

// Pricer resolves the currency purchases of a release settle in and converts
// USD listing prices into that currency.
type Pricer interface {
	ActiveCurrency(release uint64) common.Address
	QuoteInCurrency(usd *big.Int, currency common.Address) (*big.Int, error)
}

type releaseList struct {
	head   OptionalID
	tail   OptionalID
	listed uint64
}

type sellerKey struct {
	release uint64
	seller  common.Address
}

// index keeps unordered id lists with O(1) swap-pop removal.
type index[K comparable] struct {
	ids map[K][]uint64
	pos map[uint64]int
}

func newIndex[K comparable]() index[K] {
	return index[K]{ids: make(map[K][]uint64), pos: make(map[uint64]int)}
}

func (ix index[K]) add(j *state.Journal, key K, id uint64) {
	cur := ix.ids[key]
	next := make([]uint64, len(cur), len(cur)+1)
	copy(next, cur)
	state.MapSet(j, ix.pos, id, len(next))
	state.MapSet(j, ix.ids, key, append(next, id))
}

func (ix index[K]) remove(j *state.Journal, key K, id uint64) {
	cur := ix.ids[key]
	at, ok := ix.pos[id]
	if !ok || at >= len(cur) || cur[at] != id {
		return
	}
	next := make([]uint64, len(cur))
	copy(next, cur)
	last := next[len(next)-1]
	next[at] = last
	next = next[:len(next)-1]
	if last != id {
		state.MapSet(j, ix.pos, last, at)
	}
	state.MapDelete(j, ix.pos, id)
	if len(next) == 0 {
		state.MapDelete(j, ix.ids, key)
		return
	}
	state.MapSet(j, ix.ids, key, next)
}

func (ix index[K]) list(key K) []uint64 {
	return append([]uint64(nil), ix.ids[key]...)
}

// Book owns every listing. Mutations are restricted to the configured owner,
// which is the exchange.
type Book struct {
	host      *state.Host
	owner     common.Address
	manager   shares.Manager
	pricer    Pricer
	nextID    uint64
	listings  map[uint64]Listing
	releases  map[uint64]releaseList
	sellerQty map[sellerKey]uint64
	bySeller  index[common.Address]
	byRelease index[uint64]
}

// NewBook constructs an empty order book owned by owner.
func NewBook(host *state.Host, owner common.Address, manager shares.Manager) *Book {
	return &Book{
		host:      host,
		owner:     owner,
		manager:   manager,
		listings:  make(map[uint64]Listing),
		releases:  make(map[uint64]releaseList),
		sellerQty: make(map[sellerKey]uint64),
		bySeller:  newIndex[common.Address](),
		byRelease: newIndex[uint64](),
	}
}

// SetPricer wires the currency resolver used by purchase previews.
func (b *Book) SetPricer(p Pricer) { b.pricer = p }

// Owner returns the only account allowed to mutate the book.
func (b *Book) Owner() common.Address { return b.owner }

func (b *Book) journal() *state.Journal { return b.host.Journal() }

func (b *Book) checkCaller(caller common.Address) error {
	if caller != b.owner {
		return fmt.Errorf("%w: %s", ErrInvalidCaller, caller.Hex())
	}
	return nil
}

// HandleCreateListing locks the seller's shares and inserts a new listing in
// price order. It returns the new listing id.
func (b *Book) HandleCreateListing(ctx context.Context, caller common.Address, p CreateParams) (uint64, error) {
	if err := b.checkCaller(caller); err != nil {
		return 0, err
	}
	if p.Quantity == 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrParam)
	}
	if p.PricePerItem == nil || p.PricePerItem.Sign() <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrParam)
	}
	if p.SlippageBps > 10_000 {
		return 0, fmt.Errorf("%w: slippage %d bps", ErrParam, p.SlippageBps)
	}
	var id uint64
	err := b.host.Transact(ctx, "orderbook.CreateListing", func(ctx context.Context) error {
		if err := b.manager.LockTokens(ctx, p.Seller, p.ReleaseID, p.Quantity); err != nil {
			return err
		}
		j := b.journal()
		id = b.nextID + 1
		state.Set(j, &b.nextID, id)
		now := b.host.Now()
		listing := Listing{
			ID:             id,
			ReleaseID:      p.ReleaseID,
			Seller:         p.Seller,
			PricePerItem:   new(big.Int).Set(p.PricePerItem),
			PayoutCurrency: p.PayoutCurrency,
			Quantity:       p.Quantity,
			CreatedAt:      now,
			ModifiedAt:     now,
			SlippageBps:    p.SlippageBps,
			FundsReceiver:  p.FundsReceiver,
		}
		state.MapSet(j, b.listings, id, listing)
		b.insert(id)
		b.bySeller.add(j, p.Seller, id)
		b.byRelease.add(j, p.ReleaseID, id)
		b.adjustQuantity(p.ReleaseID, p.Seller, int64(p.Quantity))
		b.host.Emit(newListingEvent(EventTypeListed, b.listings[id]))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// HandleModifyListing replaces the terms of a listing. The listing is always
// unlinked and reinserted so its position reflects the new price even when the
// price is unchanged. A zero quantity removes the listing.
func (b *Book) HandleModifyListing(ctx context.Context, caller common.Address, p ModifyParams) error {
	if err := b.checkCaller(caller); err != nil {
		return err
	}
	if p.Quantity == 0 {
		return b.HandleRemoveListing(ctx, caller, p.ListingID)
	}
	if p.PricePerItem == nil || p.PricePerItem.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrParam)
	}
	if p.SlippageBps > 10_000 {
		return fmt.Errorf("%w: slippage %d bps", ErrParam, p.SlippageBps)
	}
	return b.host.Transact(ctx, "orderbook.ModifyListing", func(ctx context.Context) error {
		current, ok := b.listings[p.ListingID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrListingNotFound, p.ListingID)
		}
		switch {
		case p.Quantity > current.Quantity:
			if err := b.manager.LockTokens(ctx, current.Seller, current.ReleaseID, p.Quantity-current.Quantity); err != nil {
				return err
			}
		case p.Quantity < current.Quantity:
			if err := b.manager.UnlockTokens(ctx, current.Seller, current.ReleaseID, current.Quantity-p.Quantity); err != nil {
				return err
			}
		}
		b.unlink(p.ListingID)
		b.adjustQuantity(current.ReleaseID, current.Seller, int64(p.Quantity)-int64(current.Quantity))
		updated := b.listings[p.ListingID]
		updated.PricePerItem = new(big.Int).Set(p.PricePerItem)
		updated.Quantity = p.Quantity
		updated.PayoutCurrency = p.PayoutCurrency
		updated.FundsReceiver = p.FundsReceiver
		updated.SlippageBps = p.SlippageBps
		updated.ModifiedAt = b.host.Now()
		state.MapSet(b.journal(), b.listings, p.ListingID, updated)
		b.insert(p.ListingID)
		b.host.Emit(newListingEvent(EventTypeModified, b.listings[p.ListingID]))
		return nil
	})
}

// HandleRemoveListing unlocks the remaining shares of a listing and deletes it
// from every index.
func (b *Book) HandleRemoveListing(ctx context.Context, caller common.Address, id uint64) error {
	if err := b.checkCaller(caller); err != nil {
		return err
	}
	return b.host.Transact(ctx, "orderbook.RemoveListing", func(ctx context.Context) error {
		return b.remove(ctx, id)
	})
}

// HandleDecreaseListingQuantity reduces a listing after a sale. The sold shares
// stay locked because the shares ledger moves them to the buyer. A listing
// reaching zero is removed.
func (b *Book) HandleDecreaseListingQuantity(ctx context.Context, caller common.Address, id uint64, qty uint64) error {
	if err := b.checkCaller(caller); err != nil {
		return err
	}
	return b.host.Transact(ctx, "orderbook.DecreaseListingQuantity", func(ctx context.Context) error {
		current, ok := b.listings[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrListingNotFound, id)
		}
		if qty > current.Quantity {
			return fmt.Errorf("%w: decrease %d exceeds listing %d quantity %d", ErrParam, qty, id, current.Quantity)
		}
		updated := current
		updated.Quantity = current.Quantity - qty
		updated.ModifiedAt = b.host.Now()
		state.MapSet(b.journal(), b.listings, id, updated)
		b.adjustQuantity(current.ReleaseID, current.Seller, -int64(qty))
		if updated.Quantity == 0 {
			return b.remove(ctx, id)
		}
		return nil
	})
}

// HandleUnlistReleaseListings removes up to batchSize listings of a release,
// popping from the tail of the release index. It returns how many listings were
// removed.
func (b *Book) HandleUnlistReleaseListings(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (uint64, error) {
	if err := b.checkCaller(caller); err != nil {
		return 0, err
	}
	if batchSize == 0 {
		return 0, fmt.Errorf("%w: batch size must be positive", ErrParam)
	}
	var processed uint64
	err := b.host.Transact(ctx, "orderbook.UnlistReleaseListings", func(ctx context.Context) error {
		for processed < batchSize {
			ids := b.byRelease.ids[release]
			if len(ids) == 0 {
				break
			}
			if err := b.remove(ctx, ids[len(ids)-1]); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (b *Book) remove(ctx context.Context, id uint64) error {
	current, ok := b.listings[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrListingNotFound, id)
	}
	if current.Quantity > 0 {
		if err := b.manager.UnlockTokens(ctx, current.Seller, current.ReleaseID, current.Quantity); err != nil {
			return err
		}
	}
	j := b.journal()
	b.unlink(id)
	b.bySeller.remove(j, current.Seller, id)
	b.byRelease.remove(j, current.ReleaseID, id)
	b.adjustQuantity(current.ReleaseID, current.Seller, -int64(current.Quantity))
	state.MapDelete(j, b.listings, id)
	if rl := b.releases[current.ReleaseID]; !rl.head.IsSome() && rl.listed == 0 {
		state.MapDelete(j, b.releases, current.ReleaseID)
	}
	b.host.Emit(newListingEvent(EventTypeUnlisted, current))
	return nil
}

// insert links a stored, unlinked listing into its release list. Equal prices
// are placed after existing listings at that price.
func (b *Book) insert(id uint64) {
	j := b.journal()
	node := b.listings[id]
	rl := b.releases[node.ReleaseID]
	price := node.PricePerItem

	headID, hasHead := rl.head.Get()
	if !hasHead {
		node.Prev, node.Next = None, None
		state.MapSet(j, b.listings, id, node)
		rl.head, rl.tail = Some(id), Some(id)
		state.MapSet(j, b.releases, node.ReleaseID, rl)
		return
	}
	if price.Cmp(b.listings[headID].PricePerItem) < 0 {
		b.linkBefore(&rl, id, headID)
		state.MapSet(j, b.releases, node.ReleaseID, rl)
		return
	}
	tailID, _ := rl.tail.Get()
	if price.Cmp(b.listings[tailID].PricePerItem) >= 0 {
		tail := b.listings[tailID]
		tail.Next = Some(id)
		state.MapSet(j, b.listings, tailID, tail)
		node.Prev, node.Next = Some(tailID), None
		state.MapSet(j, b.listings, id, node)
		rl.tail = Some(id)
		state.MapSet(j, b.releases, node.ReleaseID, rl)
		return
	}
	cursor := rl.head
	for {
		curID, ok := cursor.Get()
		if !ok {
			break
		}
		cur := b.listings[curID]
		if cur.PricePerItem.Cmp(price) > 0 {
			b.linkBefore(&rl, id, curID)
			break
		}
		cursor = cur.Next
	}
	state.MapSet(j, b.releases, node.ReleaseID, rl)
}

func (b *Book) linkBefore(rl *releaseList, id, beforeID uint64) {
	j := b.journal()
	node := b.listings[id]
	before := b.listings[beforeID]
	node.Prev = before.Prev
	node.Next = Some(beforeID)
	if prevID, ok := before.Prev.Get(); ok {
		prev := b.listings[prevID]
		prev.Next = Some(id)
		state.MapSet(j, b.listings, prevID, prev)
	} else {
		rl.head = Some(id)
	}
	before.Prev = Some(id)
	state.MapSet(j, b.listings, beforeID, before)
	state.MapSet(j, b.listings, id, node)
}

func (b *Book) unlink(id uint64) {
	j := b.journal()
	node := b.listings[id]
	rl := b.releases[node.ReleaseID]
	prevID, hasPrev := node.Prev.Get()
	nextID, hasNext := node.Next.Get()
	if hasPrev {
		prev := b.listings[prevID]
		prev.Next = node.Next
		state.MapSet(j, b.listings, prevID, prev)
	} else {
		rl.head = node.Next
	}
	if hasNext {
		next := b.listings[nextID]
		next.Prev = node.Prev
		state.MapSet(j, b.listings, nextID, next)
	} else {
		rl.tail = node.Prev
	}
	node.Prev, node.Next = None, None
	state.MapSet(j, b.listings, id, node)
	state.MapSet(j, b.releases, node.ReleaseID, rl)
}

func (b *Book) adjustQuantity(release uint64, seller common.Address, delta int64) {
	if delta == 0 {
		return
	}
	j := b.journal()
	rl := b.releases[release]
	rl.listed = uint64(int64(rl.listed) + delta)
	state.MapSet(j, b.releases, release, rl)
	key := sellerKey{release: release, seller: seller}
	next := uint64(int64(b.sellerQty[key]) + delta)
	if next == 0 {
		state.MapDelete(j, b.sellerQty, key)
		return
	}
	state.MapSet(j, b.sellerQty, key, next)
}
