package exchange

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/fees"
	"sharemarket/native/funds"
	"sharemarket/native/oracle"
	"sharemarket/native/orderbook"
	"sharemarket/native/payments"
	"sharemarket/native/payout"
	"sharemarket/native/settings"
	"sharemarket/native/shares"
)

var (
	market   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	escrow   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	platform = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	issuer   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	usdc     = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	usdcFeed = common.HexToHash("0x01")
)

func usd(dollars int64) *big.Int { return big.NewInt(dollars * 1_000_000) }

type fixture struct {
	host   *state.Host
	bank   *bank.Ledger
	shares *shares.Ledger
	feeds  *oracle.Feeds
	ex     *Exchange
	rec    *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	host := state.NewHost(state.WithGenesis(1, 1_700_000_000))
	rec := &events.Recorder{}
	host.SetEmitter(rec)

	ledger := bank.NewLedger(host)
	require.NoError(t, ledger.RegisterToken(ctx, bank.Token{Address: usdc, Symbol: "USDC", Decimals: 6}))
	feeds := oracle.NewFeeds(host)
	require.NoError(t, feeds.Update(ctx, usdcFeed, big.NewInt(100_000_000), 8, host.Now()))

	cfg := settings.Default()
	cfg.Currency = usdc
	store, err := settings.NewStore(host, cfg)
	require.NoError(t, err)
	require.NoError(t, store.GrantRole(ctx, common.Address{}, settings.RoleAdmin, admin))

	sharesLedger := shares.NewLedger(host)
	require.NoError(t, sharesLedger.CreateRelease(ctx, 1, seller, 100))
	require.NoError(t, sharesLedger.CreateRelease(ctx, 2, issuer, 1000))

	book := orderbook.NewBook(host, market, sharesLedger)
	executor := payout.NewExecutor(host, ledger, nil)
	proc := payments.NewProcessor(host, market, market, ledger, store, feeds, executor)
	require.NoError(t, proc.SetPriceFeed(ctx, admin, usdc, usdcFeed))
	fundManager := funds.NewManager(host, escrow, market, ledger, store, executor)
	proc.SetFundSink(fundManager)
	ex := New(host, market, ledger, store, sharesLedger, book, proc, fundManager)

	for _, release := range []uint64{1, 2} {
		require.NoError(t, ex.InitializeRelease(ctx, admin, release, nil))
		require.NoError(t, ex.SetReleaseActive(ctx, admin, release, true))
	}
	for _, acct := range []common.Address{buyer, other, operator} {
		require.NoError(t, ledger.Mint(ctx, usdc, acct, usd(10_000)))
		require.NoError(t, ledger.Approve(ctx, usdc, acct, market, usd(10_000)))
	}
	return &fixture{host: host, bank: ledger, shares: sharesLedger, feeds: feeds, ex: ex, rec: rec}
}

// advance moves the clock and republishes the USDC price so quotes stay fresh.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.host.AdvanceTime(d)
	require.NoError(t, f.feeds.Update(context.Background(), usdcFeed, big.NewInt(100_000_000), 8, f.host.Now()))
}

func (f *fixture) list(t *testing.T, release uint64, price int64, qty uint64) uint64 {
	t.Helper()
	id, err := f.ex.CreateListing(context.Background(), seller, ListingParams{ReleaseID: release, PricePerItem: usd(price), Quantity: qty})
	require.NoError(t, err)
	return id
}

func TestPurchaseWalksCheapestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at100 := f.list(t, 1, 100, 5)
	at90 := f.list(t, 1, 90, 3)

	ordered := f.ex.Book().GetOrderedListings(1)
	require.Len(t, ordered, 2)
	require.Equal(t, at90, ordered[0].ID)

	cost, currency, err := f.ex.PreviewPurchaseCost(1, buyer, 6)
	require.NoError(t, err)
	require.Equal(t, usdc, currency)
	require.Equal(t, usd(3*90+3*100).String(), cost.String())

	receipt, err := f.ex.Purchase(ctx, buyer, 1, 6, usd(570))
	require.NoError(t, err)
	require.Equal(t, []uint64{at90, at100}, receipt.Listings)
	require.Equal(t, usd(570).String(), receipt.CostUSD.String())
	require.Equal(t, usd(570).String(), f.bank.BalanceOf(usdc, seller).String())

	bal, _ := f.shares.BalanceOf(1, buyer)
	require.Equal(t, uint64(6), bal)
	bal, locked := f.shares.BalanceOf(1, seller)
	require.Equal(t, uint64(94), bal)
	require.Equal(t, uint64(2), locked)

	_, ok := f.ex.Book().Listing(at90)
	require.False(t, ok)
	remaining, ok := f.ex.Book().Listing(at100)
	require.True(t, ok)
	require.Equal(t, uint64(2), remaining.Quantity)
	require.Equal(t, uint64(2), f.ex.Book().ListedQuantity(1))
	require.Len(t, f.rec.OfType(EventTypePurchased), 1)
}

func TestPurchaseFailuresLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 1, 10, 5)

	_, err := f.ex.Purchase(ctx, buyer, 1, 5, usd(49))
	require.True(t, errors.Is(err, ErrPurchase))

	_, err = f.ex.Purchase(ctx, buyer, 1, 6, usd(1_000))
	require.True(t, errors.Is(err, ErrNotEnoughTokensInListings))

	_, err = f.ex.Purchase(ctx, buyer, 1, 0, usd(1))
	require.True(t, errors.Is(err, ErrParam))

	require.Equal(t, usd(10_000).String(), f.bank.BalanceOf(usdc, buyer).String())
	require.Equal(t, uint64(5), f.ex.Book().ListedQuantity(1))
}

func TestSellerCannotBuyOwnListings(t *testing.T) {
	f := newFixture(t)
	f.list(t, 1, 10, 5)
	ok, limit := f.ex.CanBuy(1, seller)
	require.False(t, ok)
	require.Zero(t, limit)
	_, err := f.ex.Purchase(context.Background(), seller, 1, 1, usd(10))
	require.True(t, errors.Is(err, ErrNotEnoughTokensInListings))
}

func TestPauseAndPurchaseLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 1, 10, 5)

	require.NoError(t, f.ex.SetMaxPurchaseAmount(ctx, admin, 2))
	ok, limit := f.ex.CanBuy(1, buyer)
	require.True(t, ok)
	require.Equal(t, uint64(2), limit)
	_, err := f.ex.Purchase(ctx, buyer, 1, 3, usd(100))
	require.True(t, errors.Is(err, ErrAmountExceedsMax))

	require.True(t, errors.Is(f.ex.Pause(ctx, buyer), settings.ErrUnauthorized))
	require.NoError(t, f.ex.Pause(ctx, admin))
	_, err = f.ex.Purchase(ctx, buyer, 1, 1, usd(100))
	require.True(t, errors.Is(err, nativecommon.ErrModulePaused))
	_, err = f.ex.CreateListing(ctx, seller, ListingParams{ReleaseID: 1, PricePerItem: usd(1), Quantity: 1})
	require.True(t, errors.Is(err, nativecommon.ErrModulePaused))
	require.NoError(t, f.ex.Unpause(ctx, admin))
	_, err = f.ex.Purchase(ctx, buyer, 1, 1, usd(100))
	require.NoError(t, err)
}

func TestPriceAskDecimalsBlockedByListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.list(t, 1, 10, 5)
	err := f.ex.SetPriceAskDecimals(ctx, admin, 8)
	require.True(t, errors.Is(err, ErrListingsExist))
	require.NoError(t, f.ex.CancelListing(ctx, seller, id))
	require.NoError(t, f.ex.SetPriceAskDecimals(ctx, admin, 8))
}

func TestListingOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.list(t, 1, 10, 5)
	err := f.ex.CancelListing(ctx, buyer, id)
	require.True(t, errors.Is(err, ErrNotListingOwner))
	err = f.ex.ModifyListing(ctx, buyer, orderbook.ModifyParams{ListingID: id, PricePerItem: usd(1), Quantity: 1})
	require.True(t, errors.Is(err, ErrNotListingOwner))
	require.NoError(t, f.ex.ModifyListing(ctx, seller, orderbook.ModifyParams{ListingID: id, PricePerItem: usd(12), Quantity: 7}))
	_, locked := f.shares.BalanceOf(1, seller)
	require.Equal(t, uint64(7), locked)
}

func saleParams() InitialSaleParams {
	return InitialSaleParams{
		ReleaseID:          2,
		Seller:             issuer,
		Tiers:              []SaleTier{{Quantity: 10, PricePerItem: usd(5)}, {Quantity: 10, PricePerItem: usd(6)}},
		Duration:           86_400,
		Whitelist:          true,
		WhitelistDuration:  3_600,
		WhitelistAddresses: []common.Address{buyer},
		MaxBuy:             15,
		Fees:               []fees.Distribution{{Receiver: fees.Receiver{Address: platform, Value: 1000}}},
	}
}

func TestInitialSaleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrowed := f.ex.Funds()

	bad := saleParams()
	bad.WhitelistAddresses = nil
	require.True(t, errors.Is(f.ex.CreateInitialSale(ctx, admin, bad), ErrParam))

	require.NoError(t, f.ex.CreateInitialSale(ctx, admin, saleParams()))
	require.True(t, f.ex.InInitialSale(2))
	sale, ok := f.ex.InitialSale(2)
	require.True(t, ok)
	require.Equal(t, sale.StartTime+3_600, sale.WhitelistUntil)
	require.Equal(t, []fees.Distribution{{Receiver: fees.Receiver{Address: platform, Value: 1000}}}, f.ex.FeesFor(2))

	ok, _ = f.ex.CanBuy(2, other)
	require.False(t, ok)
	ok, limit := f.ex.CanBuy(2, buyer)
	require.True(t, ok)
	require.Equal(t, uint64(15), limit)

	receipt, err := f.ex.Purchase(ctx, buyer, 2, 12, usd(100))
	require.NoError(t, err)
	require.True(t, receipt.InitialSale)
	require.Equal(t, usd(62).String(), receipt.Cost.String())
	require.Equal(t, usd(62).String(), f.bank.BalanceOf(usdc, escrow).String())
	require.Zero(t, f.bank.BalanceOf(usdc, issuer).Sign())
	total, _ := escrowed.PendingFunds(2, issuer)
	require.Equal(t, "55800000", total.Value.String())
	total, _ = escrowed.PendingFunds(2, platform)
	require.Equal(t, "6200000", total.Value.String())
	require.Equal(t, uint64(12), f.shares.InitialSaleSold(2))

	_, err = f.ex.Purchase(ctx, buyer, 2, 4, usd(100))
	require.True(t, errors.Is(err, ErrAmountExceedsMax))
	_, err = escrowed.ClaimFunds(ctx, issuer, 2, issuer, common.Address{}, 0)
	require.True(t, errors.Is(err, funds.ErrNotAllowed))
	_, err = f.ex.Purchase(ctx, other, 2, 1, usd(100))
	require.True(t, errors.Is(err, ErrNotAllowed))

	f.advance(t, 3_601*time.Second)
	_, err = f.ex.Purchase(ctx, other, 2, 8, usd(100))
	require.NoError(t, err)

	require.False(t, f.ex.InInitialSale(2))
	_, ok = f.ex.InitialSale(2)
	require.False(t, ok)
	require.False(t, f.shares.IsInInitialSale(2))
	ended := f.rec.OfType(EventTypeInitialSaleEnded)
	require.Len(t, ended, 1)
	require.Equal(t, "sold_out", ended[0].Attributes["reason"])

	res, err := escrowed.ClaimFunds(ctx, issuer, 2, issuer, common.Address{}, 0)
	require.NoError(t, err)
	require.Equal(t, "99000000", res.PaidAmount.String())
	require.Equal(t, "99000000", f.bank.BalanceOf(usdc, issuer).String())
}

func TestSaleFeesReplaceGlobalFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	global := []fees.Distribution{{Receiver: fees.Receiver{Address: admin, Value: 300}}}
	extra := []fees.Distribution{{Receiver: fees.Receiver{Address: other, Value: 200}}}
	require.NoError(t, f.ex.SetFees(ctx, admin, global))
	require.NoError(t, f.ex.SetReleaseFees(ctx, admin, 2, extra))
	require.Equal(t, append(fees.CloneAll(global), extra...), f.ex.FeesFor(2))

	require.NoError(t, f.ex.CreateInitialSale(ctx, admin, saleParams()))
	table := f.ex.FeesFor(2)
	require.Len(t, table, 2)
	require.Equal(t, platform, table[0].Receiver.Address)
	require.Equal(t, other, table[1].Receiver.Address)
}

func TestEndInitialSaleAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ex.CreateInitialSale(ctx, admin, saleParams()))

	require.True(t, errors.Is(f.ex.EndInitialSale(ctx, buyer, 2), settings.ErrUnauthorized))
	f.advance(t, 86_400*time.Second)
	require.False(t, f.ex.InInitialSale(2))

	// An expired sale falls back to ordinary trading: no whitelist, no
	// per-buyer cap and proceeds paid directly.
	ok, limit := f.ex.CanBuy(2, other)
	require.True(t, ok)
	require.Equal(t, uint64(20), limit)
	receipt, err := f.ex.Purchase(ctx, other, 2, 2, usd(100))
	require.NoError(t, err)
	require.False(t, receipt.InitialSale)
	require.Equal(t, usd(10).String(), f.bank.BalanceOf(usdc, issuer).String())
	require.Zero(t, f.bank.BalanceOf(usdc, escrow).Sign())
	_, err = f.ex.CreateListing(ctx, issuer, ListingParams{ReleaseID: 2, PricePerItem: usd(9), Quantity: 5})
	require.NoError(t, err)

	require.NoError(t, f.ex.EndInitialSale(ctx, buyer, 2))
	require.Equal(t, 1, f.ex.Book().ListingCount(2))
	require.NoError(t, f.ex.CancelListing(ctx, issuer, f.ex.Book().ListingsByRelease(2)[0]))
	require.Zero(t, f.ex.Book().ListingCount(2))
	_, locked := f.shares.BalanceOf(2, issuer)
	require.Zero(t, locked)
	require.False(t, f.ex.IsWhitelisted(2, buyer))
}

func TestCancelReleaseIsResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 1, 10, 1)
	f.list(t, 1, 11, 1)
	f.list(t, 1, 12, 1)

	progress, err := f.ex.CancelRelease(ctx, admin, 1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), progress.Listings)
	require.False(t, progress.Done)
	r, ok := f.ex.Release(1)
	require.True(t, ok)
	require.True(t, r.Cancelling)

	_, err = f.ex.CreateListing(ctx, seller, ListingParams{ReleaseID: 1, PricePerItem: usd(1), Quantity: 1})
	require.True(t, errors.Is(err, ErrReleaseState))

	progress, err = f.ex.CancelRelease(ctx, admin, 1, 2)
	require.NoError(t, err)
	require.True(t, progress.Done)
	_, ok = f.ex.Release(1)
	require.False(t, ok)
	_, locked := f.shares.BalanceOf(1, seller)
	require.Zero(t, locked)
	require.Len(t, f.rec.OfType(EventTypeReleaseCancelled), 1)
}

func TestCancelReleaseRefundsEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := saleParams()
	params.Whitelist, params.WhitelistAddresses, params.WhitelistDuration = false, nil, 0
	params.Fees = nil
	require.NoError(t, f.ex.CreateInitialSale(ctx, admin, params))
	require.NoError(t, f.ex.PurchaseFor(ctx, operator, buyer, 2, 5, usd(100)))
	require.Equal(t, usd(10_000-25).String(), f.bank.BalanceOf(usdc, operator).String())

	var progress CancelProgress
	var err error
	for i := 0; i < 10 && !progress.Done; i++ {
		progress, err = f.ex.CancelRelease(ctx, admin, 2, 1)
		require.NoError(t, err)
	}
	require.True(t, progress.Done)
	require.False(t, f.ex.Funds().HasFunds(2))
	// Purchases made on a buyer's behalf are refunded to the buyer.
	require.Equal(t, usd(10_000+25).String(), f.bank.BalanceOf(usdc, buyer).String())
	require.Zero(t, f.bank.BalanceOf(usdc, escrow).Sign())
	require.False(t, f.shares.IsInInitialSale(2))
	_, locked := f.shares.BalanceOf(2, issuer)
	require.Zero(t, locked)
}

func TestCancelledSaleRefundsBurnFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := saleParams()
	params.Whitelist, params.WhitelistAddresses, params.WhitelistDuration = false, nil, 0
	params.Fees = []fees.Distribution{{Receiver: fees.Receiver{Address: common.Address{}, Value: 1000}}}
	require.NoError(t, f.ex.CreateInitialSale(ctx, admin, params))
	_, err := f.ex.Purchase(ctx, buyer, 2, 5, usd(100))
	require.NoError(t, err)
	require.Equal(t, usd(25).String(), f.bank.BalanceOf(usdc, escrow).String())

	var progress CancelProgress
	for i := 0; i < 20 && !progress.Done; i++ {
		progress, err = f.ex.CancelRelease(ctx, admin, 2, 1)
		require.NoError(t, err)
	}
	require.True(t, progress.Done)
	require.Equal(t, usd(10_000).String(), f.bank.BalanceOf(usdc, buyer).String())
	require.Zero(t, f.bank.BalanceOf(usdc, escrow).Sign())
	require.Zero(t, f.bank.BalanceOf(usdc, bank.DeadAddress).Sign())
}
