// Package oracle stores USD price feeds consumed by the payment processor and
// the purchase vault.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/core/types"
)

// MaxPriceAge is the freshness bound applied by marketplace consumers.
const MaxPriceAge uint64 = 300

var (
	ErrFeedNotFound = errors.New("oracle: price feed not found")
	ErrStalePrice   = errors.New("oracle: price is older than the allowed age")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
	ErrFuturePrice  = errors.New("oracle: publish time is in the future")
)

// EventTypePriceUpdated is emitted whenever a feed receives a new observation.
const EventTypePriceUpdated = "oracle.price_updated"

// Price is a single feed observation. The USD value of one unit of the asset is
// Price / 10^Decimals.
type Price struct {
	Price       *big.Int
	Decimals    uint8
	PublishTime int64
}

// Clone returns a deep copy of the observation.
func (p Price) Clone() Price {
	clone := p
	if p.Price != nil {
		clone.Price = new(big.Int).Set(p.Price)
	}
	return clone
}

// Source resolves fresh prices by feed identifier.
type Source interface {
	GetPriceNoOlderThan(feedID common.Hash, maxAgeSeconds uint64) (Price, error)
}

// Feeds is the on-chain price store.
type Feeds struct {
	host   *state.Host
	prices map[common.Hash]Price
}

var _ Source = (*Feeds)(nil)

// NewFeeds constructs an empty feed store.
func NewFeeds(host *state.Host) *Feeds {
	return &Feeds{host: host, prices: make(map[common.Hash]Price)}
}

// Update records a new observation for the feed.
func (f *Feeds) Update(ctx context.Context, feedID common.Hash, price *big.Int, decimals uint8, publishTime int64) error {
	return f.host.Transact(ctx, "oracle.Update", func(ctx context.Context) error {
		if price == nil || price.Sign() <= 0 {
			return ErrInvalidPrice
		}
		if publishTime > f.host.Now() {
			return ErrFuturePrice
		}
		if prev, ok := f.prices[feedID]; ok && prev.PublishTime > publishTime {
			// Older observations never replace newer ones.
			return nil
		}
		obs := Price{Price: new(big.Int).Set(price), Decimals: decimals, PublishTime: publishTime}
		state.MapSet(f.host.Journal(), f.prices, feedID, obs)
		f.host.Emit(events.Wrap(&types.Event{
			Type: EventTypePriceUpdated,
			Attributes: map[string]string{
				"feedId":      feedID.Hex(),
				"price":       obs.Price.String(),
				"decimals":    fmt.Sprintf("%d", decimals),
				"publishTime": fmt.Sprintf("%d", publishTime),
			},
		}))
		return nil
	})
}

// Latest returns the latest observation regardless of age.
func (f *Feeds) Latest(feedID common.Hash) (Price, bool) {
	p, ok := f.prices[feedID]
	if !ok {
		return Price{}, false
	}
	return p.Clone(), true
}

// GetPriceNoOlderThan returns the latest observation if it was published within
// maxAgeSeconds of the current block timestamp.
func (f *Feeds) GetPriceNoOlderThan(feedID common.Hash, maxAgeSeconds uint64) (Price, error) {
	p, ok := f.prices[feedID]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedID.Hex())
	}
	now := f.host.Now()
	if now > p.PublishTime && uint64(now-p.PublishTime) > maxAgeSeconds {
		return Price{}, fmt.Errorf("%w: %s published at %d", ErrStalePrice, feedID.Hex(), p.PublishTime)
	}
	return p.Clone(), nil
}
