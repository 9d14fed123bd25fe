package swap

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	"sharemarket/native/settings"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	aggAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	marketAcc = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	sellerAcc = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	usdc      = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	dai       = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	weth      = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

type pair struct{ in, out common.Address }

// rateAdapter swaps at a fixed num/den rate for the configured pairs and pays
// out of its own inventory.
type rateAdapter struct {
	name   string
	addr   common.Address
	tokens *bank.Ledger
	num    int64
	den    int64
	pairs  map[pair]bool
	fail   bool
	zero   bool
}

func (r *rateAdapter) Name() string            { return r.name }
func (r *rateAdapter) Spender() common.Address { return r.addr }

func (r *rateAdapter) QuoteSwapOut(in, out common.Address, amountIn *big.Int) (Quote, error) {
	if r.fail {
		return Quote{}, errors.New("adapter down")
	}
	if !r.pairs[pair{in, out}] {
		return Quote{}, nil
	}
	if r.zero {
		return Quote{HasValidRoute: true, AmountIn: amountIn, AmountOut: big.NewInt(0)}, nil
	}
	o := new(big.Int).Mul(amountIn, big.NewInt(r.num))
	return Quote{HasValidRoute: true, AmountIn: amountIn, AmountOut: o.Quo(o, big.NewInt(r.den))}, nil
}

func (r *rateAdapter) QuoteSwapIn(in, out common.Address, amountOut *big.Int) (Quote, error) {
	if r.fail {
		return Quote{}, errors.New("adapter down")
	}
	if !r.pairs[pair{in, out}] {
		return Quote{}, nil
	}
	if r.zero {
		return Quote{HasValidRoute: true, AmountIn: big.NewInt(0), AmountOut: amountOut}, nil
	}
	i := new(big.Int).Mul(amountOut, big.NewInt(r.den))
	i.Add(i, big.NewInt(r.num-1))
	return Quote{HasValidRoute: true, AmountIn: i.Quo(i, big.NewInt(r.num)), AmountOut: amountOut}, nil
}

func (r *rateAdapter) SwapOut(ctx context.Context, p SwapOutParams) (*big.Int, error) {
	q, err := r.QuoteSwapOut(p.TokenIn, p.TokenOut, p.AmountIn)
	if err != nil {
		return nil, err
	}
	if err := r.tokens.TransferFrom(ctx, p.TokenIn, r.addr, p.Payer, r.addr, p.AmountIn); err != nil {
		return nil, err
	}
	return q.AmountOut, r.tokens.Transfer(ctx, p.TokenOut, r.addr, p.Recipient, q.AmountOut)
}

func (r *rateAdapter) SwapIn(ctx context.Context, p SwapInParams) (*big.Int, error) {
	q, err := r.QuoteSwapIn(p.TokenIn, p.TokenOut, p.AmountOut)
	if err != nil {
		return nil, err
	}
	if err := r.tokens.TransferFrom(ctx, p.TokenIn, r.addr, p.Payer, r.addr, q.AmountIn); err != nil {
		return nil, err
	}
	return q.AmountIn, r.tokens.Transfer(ctx, p.TokenOut, r.addr, p.Recipient, p.AmountOut)
}

type allowAll struct{}

func (allowAll) Require(settings.Role, common.Address) error { return nil }

// fakeMarket charges cost-discount for every purchase.
type fakeMarket struct {
	tokens   *bank.Ledger
	cost     *big.Int
	discount *big.Int
	currency common.Address
	bought   map[common.Address]uint64
}

func (m *fakeMarket) Address() common.Address { return marketAcc }

func (m *fakeMarket) PreviewPurchaseCost(uint64, common.Address, uint64) (*big.Int, common.Address, error) {
	return new(big.Int).Set(m.cost), m.currency, nil
}

func (m *fakeMarket) PurchaseFor(ctx context.Context, payer, recipient common.Address, _ uint64, amount uint64, max *big.Int) error {
	charge := new(big.Int).Sub(m.cost, m.discount)
	if charge.Cmp(max) > 0 {
		return errors.New("too expensive")
	}
	if err := m.tokens.TransferFrom(ctx, m.currency, marketAcc, payer, sellerAcc, charge); err != nil {
		return err
	}
	m.bought[recipient] += amount
	return nil
}

type fixture struct {
	host   *state.Host
	bank   *bank.Ledger
	agg    *Aggregator
	market *fakeMarket
	rec    *events.Recorder
}

func newFixture(t *testing.T, adapters ...*rateAdapter) *fixture {
	t.Helper()
	ctx := context.Background()
	host := state.NewHost()
	rec := &events.Recorder{}
	host.SetEmitter(rec)
	ledger := bank.NewLedger(host)
	for _, tok := range []common.Address{usdc, dai, weth} {
		require.NoError(t, ledger.RegisterToken(ctx, bank.Token{Address: tok, Symbol: tok.Hex()[38:], Decimals: 6}))
	}
	require.NoError(t, ledger.SetWrappedNative(ctx, weth))
	require.NoError(t, ledger.Mint(ctx, dai, buyer, big.NewInt(1_000_000)))
	require.NoError(t, ledger.Mint(ctx, bank.NativeToken, buyer, big.NewInt(1_000_000)))
	agg := NewAggregator(host, aggAddr, ledger, allowAll{})
	for _, ad := range adapters {
		ad.tokens = ledger
		for _, tok := range []common.Address{usdc, dai, weth} {
			require.NoError(t, ledger.Mint(ctx, tok, ad.addr, big.NewInt(10_000_000)))
		}
		require.NoError(t, agg.AddAdapter(ctx, admin, ad))
	}
	market := &fakeMarket{tokens: ledger, cost: big.NewInt(1_000), discount: big.NewInt(0), currency: usdc, bought: map[common.Address]uint64{}}
	agg.SetMarketplace(market)
	require.NoError(t, agg.SetAllowedPurchaseToken(ctx, admin, dai, true))
	require.NoError(t, agg.SetAllowedPurchaseToken(ctx, admin, bank.NativeToken, true))
	return &fixture{host: host, bank: ledger, agg: agg, market: market, rec: rec}
}

func adapterAt(name string, addr byte, num, den int64, pairs ...pair) *rateAdapter {
	set := map[pair]bool{}
	for _, p := range pairs {
		set[p] = true
	}
	return &rateAdapter{name: name, addr: common.BytesToAddress([]byte{0xad, addr}), num: num, den: den, pairs: set}
}

func TestPreviewPicksBestAdapter(t *testing.T) {
	cheap := adapterAt("cheap", 1, 2, 1, pair{dai, usdc})
	pricey := adapterAt("pricey", 2, 1, 1, pair{dai, usdc})
	broken := adapterAt("broken", 3, 5, 1, pair{dai, usdc})
	broken.fail = true
	f := newFixture(t, pricey, broken, cheap)

	in, err := f.agg.PreviewSwapIn(dai, usdc, big.NewInt(100))
	require.NoError(t, err)
	require.True(t, in.HasValidRoute)
	require.Equal(t, "cheap", in.Adapter)
	require.Equal(t, "50", in.AmountIn.String())

	out, err := f.agg.PreviewSwapOut(dai, usdc, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, "cheap", out.Adapter)
	require.Equal(t, "200", out.AmountOut.String())
	require.Equal(t, []string{"pricey", "broken", "cheap"}, f.agg.Adapters())
}

func TestNoRouteVersusInsufficientLiquidity(t *testing.T) {
	dry := adapterAt("dry", 1, 1, 1, pair{dai, usdc})
	dry.zero = true
	f := newFixture(t, dry)
	ctx := context.Background()

	p, err := f.agg.PreviewSwapOut(dai, usdc, big.NewInt(10))
	require.NoError(t, err)
	require.True(t, p.HasValidRoute)
	require.Zero(t, p.AmountOut.Sign())

	p, err = f.agg.PreviewSwapOut(usdc, dai, big.NewInt(10))
	require.NoError(t, err)
	require.False(t, p.HasValidRoute)

	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(10)))
	_, err = f.agg.SwapOut(ctx, buyer, buyer, dai, usdc, big.NewInt(10), nil)
	require.True(t, errors.Is(err, ErrInsufficientLiquidity))
	_, err = f.agg.SwapOut(ctx, buyer, buyer, usdc, dai, big.NewInt(10), nil)
	require.True(t, errors.Is(err, ErrNoValidRoute))
}

func TestSwapOutEnforcesMinimum(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 1, 1, pair{dai, usdc}))
	ctx := context.Background()
	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(100)))
	_, err := f.agg.SwapOut(ctx, buyer, buyer, dai, usdc, big.NewInt(100), big.NewInt(101))
	require.True(t, errors.Is(err, ErrInsufficientOutputAmount))
	out, err := f.agg.SwapOut(ctx, buyer, buyer, dai, usdc, big.NewInt(100), big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, "100", out.String())
	require.Equal(t, "100", f.bank.BalanceOf(usdc, buyer).String())
	require.Len(t, f.rec.OfType(EventTypeSwapExecuted), 1)
}

func TestPurchaseSwapsAndRefundsSource(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 2, 1, pair{dai, usdc}, pair{usdc, dai}))
	ctx := context.Background()
	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(900)))

	res, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 3, SourceToken: dai, SourceMaxAmount: big.NewInt(900)})
	require.NoError(t, err)
	require.Equal(t, "500", res.SourceSpent.String())
	require.Equal(t, "400", res.SourceRefunded.String())
	require.Equal(t, uint64(3), f.market.bought[buyer])
	require.Equal(t, "999500", f.bank.BalanceOf(dai, buyer).String())
	require.Zero(t, f.bank.BalanceOf(dai, aggAddr).Sign())
	require.Zero(t, f.bank.BalanceOf(usdc, aggAddr).Sign())
}

func TestPurchaseSwapsLeftoverBack(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 2, 1, pair{dai, usdc}, pair{usdc, dai}))
	f.market.discount = big.NewInt(100)
	ctx := context.Background()
	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(500)))

	res, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 1, SourceToken: dai, SourceMaxAmount: big.NewInt(500)})
	require.NoError(t, err)
	require.Equal(t, "100", res.LeftoverSwapped.String())
	// 100 usdc swap back at 2:1 yields 200 dai.
	require.Equal(t, "200", res.SourceRefunded.String())
	require.Empty(t, f.rec.OfType(EventTypeMarketplaceLeftoverReturned))
}

func TestPurchaseReturnsLeftoverWithoutBackRoute(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 2, 1, pair{dai, usdc}))
	f.market.discount = big.NewInt(100)
	ctx := context.Background()
	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(500)))

	res, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 1, SourceToken: dai, SourceMaxAmount: big.NewInt(500)})
	require.NoError(t, err)
	require.Equal(t, "100", res.LeftoverReturned.String())
	require.Equal(t, "100", f.bank.BalanceOf(usdc, buyer).String())
	require.Len(t, f.rec.OfType(EventTypeMarketplaceLeftoverReturned), 1)
}

func TestPurchaseRejectsInsufficientSource(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 1, 1, pair{dai, usdc}))
	ctx := context.Background()
	require.NoError(t, f.bank.Approve(ctx, dai, buyer, aggAddr, big.NewInt(999)))
	_, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 1, SourceToken: dai, SourceMaxAmount: big.NewInt(999)})
	require.True(t, errors.Is(err, ErrNotEnoughSourceTokensForBestRoute))
	require.Equal(t, "1000000", f.bank.BalanceOf(dai, buyer).String())
	require.Zero(t, f.market.bought[buyer])
}

func TestPurchaseRejectsUnlistedToken(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 1, 1, pair{weth, usdc}))
	ctx := context.Background()
	require.NoError(t, f.agg.SetAllowedPurchaseToken(ctx, admin, dai, false))
	_, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 1, SourceToken: dai, SourceMaxAmount: big.NewInt(10_000)})
	require.True(t, errors.Is(err, ErrTokenNotAllowed))
}

func TestPurchaseWithNativeCurrency(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 1, 1, pair{weth, usdc}))
	ctx := context.Background()

	est, err := f.agg.EstimatePurchase(1, buyer, 1, bank.NativeToken)
	require.NoError(t, err)
	require.True(t, est.HasValidRoute)
	require.Equal(t, "1000", est.SourceAmount.String())

	res, err := f.agg.Purchase(ctx, buyer, PurchaseParams{ReleaseID: 1, Amount: 1, SourceToken: bank.NativeToken, SourceMaxAmount: big.NewInt(1_500)})
	require.NoError(t, err)
	require.Equal(t, "1000", res.SourceSpent.String())
	require.Equal(t, "999000", f.bank.BalanceOf(bank.NativeToken, buyer).String())
	require.Zero(t, f.bank.BalanceOf(weth, aggAddr).Sign())
}

func TestSwapWithNativeCurrencyRoutesWrapped(t *testing.T) {
	f := newFixture(t, adapterAt("one", 1, 2, 1, pair{weth, usdc}, pair{usdc, weth}))
	ctx := context.Background()

	preview, err := f.agg.PreviewSwapOut(bank.NativeToken, usdc, big.NewInt(100))
	require.NoError(t, err)
	require.True(t, preview.HasValidRoute)
	out, err := f.agg.SwapOut(ctx, buyer, buyer, bank.NativeToken, usdc, big.NewInt(100), preview.AmountOut)
	require.NoError(t, err)
	require.Equal(t, preview.AmountOut.String(), out.String())
	require.Equal(t, "999900", f.bank.BalanceOf(bank.NativeToken, buyer).String())
	require.Equal(t, "200", f.bank.BalanceOf(usdc, buyer).String())

	// Buying native currency delivers it unwrapped.
	require.NoError(t, f.bank.Approve(ctx, usdc, buyer, aggAddr, big.NewInt(200)))
	spent, err := f.agg.SwapIn(ctx, buyer, buyer, usdc, bank.NativeToken, big.NewInt(50), big.NewInt(200))
	require.NoError(t, err)
	require.Equal(t, "25", spent.String())
	require.Equal(t, "175", f.bank.BalanceOf(usdc, buyer).String())
	require.Equal(t, "999950", f.bank.BalanceOf(bank.NativeToken, buyer).String())
	require.Zero(t, f.bank.BalanceOf(weth, aggAddr).Sign())
	require.Zero(t, f.bank.BalanceOf(weth, buyer).Sign())
}
