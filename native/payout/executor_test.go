package payout

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"sharemarket/core/state"
	"sharemarket/native/bank"
	"sharemarket/native/settings"
	"sharemarket/native/swap"
)

var (
	holder  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	payee   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	aggAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	venue   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	usdc    = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	gold    = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	plain   = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

// doubler pays two units of gold for each unit of usdc.
type doubler struct{ tokens *bank.Ledger }

func (d doubler) Name() string            { return "doubler" }
func (d doubler) Spender() common.Address { return venue }

func (d doubler) supports(in, out common.Address) bool { return in == usdc && out == gold }

func (d doubler) QuoteSwapOut(in, out common.Address, amountIn *big.Int) (swap.Quote, error) {
	if !d.supports(in, out) {
		return swap.Quote{}, nil
	}
	return swap.Quote{HasValidRoute: true, AmountIn: amountIn, AmountOut: new(big.Int).Lsh(amountIn, 1)}, nil
}

func (d doubler) QuoteSwapIn(in, out common.Address, amountOut *big.Int) (swap.Quote, error) {
	if !d.supports(in, out) {
		return swap.Quote{}, nil
	}
	return swap.Quote{HasValidRoute: true, AmountIn: new(big.Int).Rsh(amountOut, 1), AmountOut: amountOut}, nil
}

func (d doubler) SwapOut(ctx context.Context, p swap.SwapOutParams) (*big.Int, error) {
	out := new(big.Int).Lsh(p.AmountIn, 1)
	if err := d.tokens.TransferFrom(ctx, p.TokenIn, venue, p.Payer, venue, p.AmountIn); err != nil {
		return nil, err
	}
	return out, d.tokens.Transfer(ctx, p.TokenOut, venue, p.Recipient, out)
}

func (d doubler) SwapIn(ctx context.Context, p swap.SwapInParams) (*big.Int, error) {
	in := new(big.Int).Rsh(p.AmountOut, 1)
	if err := d.tokens.TransferFrom(ctx, p.TokenIn, venue, p.Payer, venue, in); err != nil {
		return nil, err
	}
	return in, d.tokens.Transfer(ctx, p.TokenOut, venue, p.Recipient, p.AmountOut)
}

type allowAll struct{}

func (allowAll) Require(settings.Role, common.Address) error { return nil }

func setup(t *testing.T, withSwapper bool) (*Executor, *bank.Ledger) {
	t.Helper()
	ctx := context.Background()
	host := state.NewHost()
	ledger := bank.NewLedger(host)
	require.NoError(t, ledger.RegisterToken(ctx, bank.Token{Address: usdc, Symbol: "USDC", Decimals: 6, Burnable: true}))
	require.NoError(t, ledger.RegisterToken(ctx, bank.Token{Address: gold, Symbol: "GOLD", Decimals: 6, Burnable: true}))
	require.NoError(t, ledger.RegisterToken(ctx, bank.Token{Address: plain, Symbol: "PLN", Decimals: 6}))
	require.NoError(t, ledger.Mint(ctx, usdc, holder, big.NewInt(1_000)))
	require.NoError(t, ledger.Mint(ctx, plain, holder, big.NewInt(1_000)))
	require.NoError(t, ledger.Mint(ctx, gold, venue, big.NewInt(1_000_000)))
	if !withSwapper {
		return NewExecutor(host, ledger, nil), ledger
	}
	agg := swap.NewAggregator(host, aggAddr, ledger, allowAll{})
	require.NoError(t, agg.AddAdapter(ctx, holder, doubler{tokens: ledger}))
	return NewExecutor(host, ledger, agg), ledger
}

func TestDirectTransfer(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: payee, Currency: usdc, Amount: big.NewInt(100)})
	require.NoError(t, err)
	require.False(t, res.SwapRequested)
	require.Equal(t, "100", ledger.BalanceOf(usdc, payee).String())
}

func TestSwapIntoPayoutCurrency(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: payee, Currency: usdc, Amount: big.NewInt(100), PayoutCurrency: gold, SlippageBps: 100})
	require.NoError(t, err)
	require.True(t, res.SwapRequested)
	require.True(t, res.SwapSuccessful)
	require.Equal(t, gold, res.PaidCurrency)
	require.Equal(t, "200", ledger.BalanceOf(gold, payee).String())
	require.Zero(t, ledger.BalanceOf(usdc, payee).Sign())
	require.Zero(t, ledger.Allowance(usdc, holder, aggAddr).Sign())
}

func TestSwapFallsBackWithoutRoute(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: payee, Currency: plain, Amount: big.NewInt(100), PayoutCurrency: gold})
	require.NoError(t, err)
	require.True(t, res.SwapRequested)
	require.False(t, res.SwapSuccessful)
	require.Equal(t, plain, res.PaidCurrency)
	require.Equal(t, "100", ledger.BalanceOf(plain, payee).String())
	require.Zero(t, ledger.Allowance(plain, holder, aggAddr).Sign())
}

func TestNoSwapperPaysDirectly(t *testing.T) {
	ex, ledger := setup(t, false)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: payee, Currency: usdc, Amount: big.NewInt(10), PayoutCurrency: gold})
	require.NoError(t, err)
	require.False(t, res.SwapRequested)
	require.Equal(t, "10", ledger.BalanceOf(usdc, payee).String())
}

func TestBurnBurnableToken(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: common.Address{}, Currency: usdc, Amount: big.NewInt(100)})
	require.NoError(t, err)
	require.True(t, res.Burned)
	require.Equal(t, "900", ledger.TotalSupply(usdc).String())
	require.Zero(t, ledger.BalanceOf(usdc, bank.DeadAddress).Sign())
}

func TestBurnFallsBackToDeadAddress(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: bank.DeadAddress, Currency: plain, Amount: big.NewInt(100)})
	require.NoError(t, err)
	require.False(t, res.Burned)
	require.Equal(t, "100", ledger.BalanceOf(plain, bank.DeadAddress).String())
	require.Equal(t, "1000", ledger.TotalSupply(plain).String())
}

func TestSwapThenBurn(t *testing.T) {
	ex, ledger := setup(t, true)
	res, err := ex.Execute(context.Background(), Request{From: holder, To: common.Address{}, Currency: usdc, Amount: big.NewInt(50), PayoutCurrency: gold})
	require.NoError(t, err)
	require.True(t, res.SwapSuccessful)
	require.True(t, res.Burned)
	require.Equal(t, "100", res.PaidAmount.String())
	require.Equal(t, "999900", ledger.TotalSupply(gold).String())
	require.Zero(t, ledger.BalanceOf(gold, holder).Sign())
}
