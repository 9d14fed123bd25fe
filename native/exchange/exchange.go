// Package exchange orchestrates the marketplace: the release and initial-sale
// state machines, purchases against the order book, and the administrative
// surface shared by the payment processor and the fund manager.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/bank"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/fees"
	"sharemarket/native/funds"
	"sharemarket/native/orderbook"
	"sharemarket/native/payments"
	"sharemarket/native/settings"
	"sharemarket/native/shares"
	"sharemarket/observability"
)

// ModuleName is the pause key of the exchange.
const ModuleName = "exchange"

var (
	ErrParam                     = errors.New("exchange: invalid parameter")
	ErrReleaseNotFound           = errors.New("exchange: release not initialized")
	ErrReleaseState              = errors.New("exchange: release is not in the required state")
	ErrInitialSaleExists         = errors.New("exchange: release already has an initial sale")
	ErrInitialSaleNotFound       = errors.New("exchange: release has no initial sale")
	ErrInitialSaleActive         = errors.New("exchange: release is in its initial sale")
	ErrNotAllowed                = errors.New("exchange: buyer may not purchase this release")
	ErrAmountExceedsMax          = errors.New("exchange: amount exceeds the purchase limit")
	ErrNotEnoughTokensInListings = errors.New("exchange: not enough tokens in listings")
	ErrPurchase                  = errors.New("exchange: total price exceeds the maximum")
	ErrNotListingOwner           = errors.New("exchange: caller does not own the listing")
	ErrListingsExist             = errors.New("exchange: listings exist")
	ErrUnsupportedCurrency       = errors.New("exchange: currency has no price feed")
)

type accountKey struct {
	release uint64
	account common.Address
}

// Exchange is the top-level marketplace engine.
type Exchange struct {
	host      *state.Host
	address   common.Address
	tokens    bank.Tokens
	settings  *settings.Store
	manager   shares.Manager
	book      *orderbook.Book
	processor *payments.Processor
	funds     *funds.Manager
	guard     nativecommon.ReentrancyGuard
	metrics   *observability.MarketplaceMetrics

	releases       map[uint64]Release
	sales          map[uint64]InitialSale
	whitelist      map[accountKey]bool
	whitelistAddrs map[uint64][]common.Address
	purchased      map[accountKey]uint64
	saleBuyers     map[uint64][]common.Address
}

// New wires the exchange to its collaborators. The book, the processor and the
// fund manager must all be owned by address.
func New(host *state.Host, address common.Address, tokens bank.Tokens, store *settings.Store, manager shares.Manager,
	book *orderbook.Book, processor *payments.Processor, fundManager *funds.Manager) *Exchange {
	e := &Exchange{
		host:           host,
		address:        address,
		tokens:         tokens,
		settings:       store,
		manager:        manager,
		book:           book,
		processor:      processor,
		funds:          fundManager,
		metrics:        observability.Marketplace(),
		releases:       make(map[uint64]Release),
		sales:          make(map[uint64]InitialSale),
		whitelist:      make(map[accountKey]bool),
		whitelistAddrs: make(map[uint64][]common.Address),
		purchased:      make(map[accountKey]uint64),
		saleBuyers:     make(map[uint64][]common.Address),
	}
	book.SetPricer(e)
	processor.SetFeeSource(e)
	fundManager.SetSaleView(e)
	return e
}

// Address is the account buyers approve for purchases.
func (e *Exchange) Address() common.Address { return e.address }

// Book exposes the order book for queries.
func (e *Exchange) Book() *orderbook.Book { return e.book }

// Processor exposes the payment processor.
func (e *Exchange) Processor() *payments.Processor { return e.processor }

// Funds exposes the fund manager.
func (e *Exchange) Funds() *funds.Manager { return e.funds }

func (e *Exchange) journal() *state.Journal { return e.host.Journal() }

// IsPaused implements the pause view consulted before every mutating call.
func (e *Exchange) IsPaused(module string) bool {
	return module == ModuleName && e.settings.Load().Paused
}

func (e *Exchange) requireAdmin(caller common.Address) error {
	return e.settings.Require(settings.RoleAdmin, caller)
}

// Release returns the exchange record of a release.
func (e *Exchange) Release(id uint64) (Release, bool) {
	r, ok := e.releases[id]
	if !ok {
		return Release{}, false
	}
	return r.Clone(), true
}

// InitialSale returns the sale record of a release.
func (e *Exchange) InitialSale(release uint64) (InitialSale, bool) {
	s, ok := e.sales[release]
	if !ok {
		return InitialSale{}, false
	}
	return s.Clone(), true
}

// ActiveCurrency is the currency purchases of a release settle in. A sale
// currency applies only while the sale runs.
func (e *Exchange) ActiveCurrency(release uint64) common.Address {
	if sale, ok := e.sales[release]; ok && sale.Currency != (common.Address{}) && e.InInitialSale(release) {
		return sale.Currency
	}
	return e.settings.Load().Currency
}

// QuoteInCurrency converts a USD amount into currency units.
func (e *Exchange) QuoteInCurrency(usd *big.Int, currency common.Address) (*big.Int, error) {
	return e.processor.QuoteInCurrency(usd, currency)
}

// FeesFor resolves the fee table of a release. During an initial sale the
// sale's table replaces the global one; release fees always apply.
func (e *Exchange) FeesFor(release uint64) []fees.Distribution {
	table := e.settings.Load().Fees
	if sale, ok := e.sales[release]; ok && e.InInitialSale(release) {
		table = fees.CloneAll(sale.Fees)
	}
	if r, ok := e.releases[release]; ok {
		table = append(table, fees.CloneAll(r.AdditionalFees)...)
	}
	return table
}

// SetFees replaces the global fee table.
func (e *Exchange) SetFees(ctx context.Context, caller common.Address, table []fees.Distribution) error {
	return e.updateSettings(ctx, caller, "exchange.SetFees", func(s *settings.AppSettings) error {
		s.Fees = fees.CloneAll(table)
		return nil
	})
}

// SetPriceAskDecimals changes the precision of USD listing prices. It is
// rejected while any listing exists.
func (e *Exchange) SetPriceAskDecimals(ctx context.Context, caller common.Address, decimals uint8) error {
	return e.updateSettings(ctx, caller, "exchange.SetPriceAskDecimals", func(s *settings.AppSettings) error {
		if n := e.book.TotalListings(); n > 0 {
			return fmt.Errorf("%w: %d listings", ErrListingsExist, n)
		}
		s.PriceAskDecimals = decimals
		return nil
	})
}

// SetMaxPurchaseAmount caps the quantity bought in one purchase.
func (e *Exchange) SetMaxPurchaseAmount(ctx context.Context, caller common.Address, limit uint64) error {
	if limit == 0 {
		return fmt.Errorf("%w: max purchase must be positive", ErrParam)
	}
	return e.updateSettings(ctx, caller, "exchange.SetMaxPurchaseAmount", func(s *settings.AppSettings) error {
		s.MaxPurchasePerTx = limit
		return nil
	})
}

// SetCurrency changes the marketplace settlement currency.
func (e *Exchange) SetCurrency(ctx context.Context, caller, currency common.Address) error {
	return e.updateSettings(ctx, caller, "exchange.SetCurrency", func(s *settings.AppSettings) error {
		if !e.processor.HasPriceFeed(currency) {
			return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency.Hex())
		}
		s.Currency = currency
		return nil
	})
}

// Pause stops listings and purchases.
func (e *Exchange) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause resumes trading.
func (e *Exchange) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Exchange) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	return e.updateSettings(ctx, caller, "exchange.SetPaused", func(s *settings.AppSettings) error {
		s.Paused = paused
		return nil
	})
}

func (e *Exchange) updateSettings(ctx context.Context, caller common.Address, name string, mutate func(*settings.AppSettings) error) error {
	return e.host.Transact(ctx, name, func(ctx context.Context) error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		return e.settings.Update(ctx, mutate)
	})
}
