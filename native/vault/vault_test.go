package vault

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
	"sharemarket/native/oracle"
	"sharemarket/native/settings"
	"sharemarket/native/swap"
)

var (
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	admin       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operator    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	usdc        = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	dai         = common.HexToAddress("0x0000000000000000000000000000000000000d02")
	eurc        = common.HexToAddress("0x0000000000000000000000000000000000000d03")
	fot         = common.HexToAddress("0x0000000000000000000000000000000000000d04")
)

func feedOf(token common.Address) common.Hash { return common.BytesToHash(token.Bytes()) }

func units(v int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

// previewer quotes a fixed swap input per source token.
type previewer map[common.Address]*big.Int

func (p previewer) PreviewSwapIn(tokenIn, _ common.Address, amountOut *big.Int) (swap.Preview, error) {
	in, ok := p[tokenIn]
	if !ok {
		return swap.Preview{}, nil
	}
	return swap.Preview{HasValidRoute: true, Adapter: "fixed", AmountIn: new(big.Int).Set(in), AmountOut: amountOut}, nil
}

// parQuoter prices the marketplace currency at one dollar with matching decimals.
type parQuoter struct{}

func (parQuoter) QuoteInCurrency(usd *big.Int, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(usd), nil
}

type fixture struct {
	host  *state.Host
	bank  *bank.Ledger
	vault *Vault
	swaps previewer
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	host := state.NewHost(state.WithGenesis(10, 1_700_000_000))
	rec := &events.Recorder{}
	host.SetEmitter(rec)

	ledger := bank.NewLedger(host)
	feeds := oracle.NewFeeds(host)
	for _, tok := range []bank.Token{
		{Address: usdc, Symbol: "USDC", Decimals: 6},
		{Address: dai, Symbol: "DAI", Decimals: 18},
		{Address: eurc, Symbol: "EURC", Decimals: 6},
		{Address: fot, Symbol: "FOT", Decimals: 6, FeeOnTransferBps: 100},
	} {
		require.NoError(t, ledger.RegisterToken(ctx, tok))
		require.NoError(t, feeds.Update(ctx, feedOf(tok.Address), big.NewInt(100_000_000), 8, host.Now()))
		require.NoError(t, ledger.Mint(ctx, tok.Address, vaultAddr, units(1_000, tok.Decimals)))
	}

	cfg := settings.Default()
	cfg.Currency = usdc
	store, err := settings.NewStore(host, cfg)
	require.NoError(t, err)
	require.NoError(t, store.GrantRole(ctx, common.Address{}, settings.RoleAdmin, admin))
	require.NoError(t, store.GrantRole(ctx, admin, settings.RoleOperator, operator))

	swaps := previewer{dai: units(101, 18)}
	v := New(host, vaultAddr, ledger, store, feeds, parQuoter{}, swaps)
	for _, token := range []common.Address{dai, usdc} {
		require.NoError(t, v.AddSupportedToken(ctx, admin, token, feedOf(token)))
	}
	return &fixture{host: host, bank: ledger, vault: v, swaps: swaps, rec: rec}
}

func (f *fixture) create(t *testing.T, reference string, cents uint64) common.Hash {
	t.Helper()
	id := IntentID(reference)
	require.NoError(t, f.vault.CreateIntent(context.Background(), operator, id, beneficiary, cents, f.host.Now()+3_600))
	return id
}

func TestIntentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "stripe:pi_1", 10_000)

	in, ok := f.vault.Intent(id)
	require.True(t, ok)
	require.Equal(t, IntentPending, in.Status)

	sel, err := f.vault.ExecuteIntent(ctx, beneficiary, id, common.Address{})
	require.NoError(t, err)
	require.Equal(t, usdc, sel.Token)
	require.True(t, sel.Direct)
	require.Equal(t, "103000000", sel.Amount.String())
	require.Equal(t, "103000000", f.bank.BalanceOf(usdc, beneficiary).String())

	in, _ = f.vault.Intent(id)
	require.Equal(t, IntentFunded, in.Status)
	require.Equal(t, f.host.BlockNumber(), in.ExecutedAtBlock)
	require.Equal(t, units(1, 18).String(), in.DebitedTokenPrice.String())

	require.NoError(t, f.bank.Approve(ctx, usdc, beneficiary, vaultAddr, units(8, 6)))
	settled, err := f.vault.SettleIntent(ctx, beneficiary, SettleParams{IntentID: id, SpentUSD: 9_500, RefundAmount: units(8, 6)})
	require.NoError(t, err)
	require.Equal(t, IntentSettled, settled.Status)
	require.Equal(t, uint64(9_500), settled.SettledUSD)
	require.Equal(t, units(1_000-103+8, 6).String(), f.bank.BalanceOf(usdc, vaultAddr).String())
	require.Len(t, f.rec.OfType(EventTypeIntentSettled), 1)

	_, err = f.vault.SettleIntent(ctx, beneficiary, SettleParams{IntentID: id, SpentUSD: 1})
	require.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestSettleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "ref-short", 10_000)
	_, err := f.vault.ExecuteIntent(ctx, beneficiary, id, common.Address{})
	require.NoError(t, err)
	require.NoError(t, f.bank.Approve(ctx, usdc, beneficiary, vaultAddr, units(100, 6)))

	_, err = f.vault.SettleIntent(ctx, operator, SettleParams{IntentID: id, SpentUSD: 10_000})
	require.True(t, errors.Is(err, ErrNotBeneficiary))

	_, err = f.vault.SettleIntent(ctx, beneficiary, SettleParams{IntentID: id, SpentUSD: 9_500, RefundAmount: units(4, 6)})
	require.True(t, errors.Is(err, ErrInsufficientRefund))

	settled, err := f.vault.SettleIntent(ctx, beneficiary, SettleParams{IntentID: id, SpentUSD: 20_000})
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), settled.SettledUSD)
}

func TestSettleMustShareExecutionBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "ref-late", 10_000)
	_, err := f.vault.ExecuteIntent(ctx, beneficiary, id, common.Address{})
	require.NoError(t, err)

	f.host.MineBlock()
	_, err = f.vault.SettleIntent(ctx, beneficiary, SettleParams{IntentID: id, SpentUSD: 10_000})
	require.True(t, errors.Is(err, ErrRefundNotSameTransaction))
	in, _ := f.vault.Intent(id)
	require.Equal(t, IntentFunded, in.Status)
}

func TestCancelledIntentCannotExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "ref-cancel", 5_000)

	require.True(t, errors.Is(f.vault.CancelIntent(ctx, beneficiary, id), settings.ErrUnauthorized))
	require.NoError(t, f.vault.CancelIntent(ctx, operator, id))
	_, err := f.vault.ExecuteIntent(ctx, beneficiary, id, common.Address{})
	require.True(t, errors.Is(err, ErrInvalidStatus))
	require.True(t, errors.Is(f.vault.CancelIntent(ctx, operator, id), ErrInvalidStatus))
	require.Zero(t, f.bank.BalanceOf(usdc, beneficiary).Sign())

	err = f.vault.CreateIntent(ctx, operator, id, beneficiary, 5_000, f.host.Now()+60)
	require.True(t, errors.Is(err, ErrIntentExists))
}

func TestExpiredIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "ref-expire", 5_000)
	f.host.AdvanceTime(3_600 * time.Second)

	in, _ := f.vault.Intent(id)
	require.Equal(t, IntentExpired, in.Status)
	_, err := f.vault.ExecuteIntent(ctx, beneficiary, id, common.Address{})
	require.True(t, errors.Is(err, ErrIntentExpired))

	_, err = f.vault.ExecuteIntent(ctx, operator, id, common.Address{})
	require.True(t, errors.Is(err, ErrNotBeneficiary))
}

func TestTokenSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sel, err := f.vault.SelectToken(10_000, dai)
	require.NoError(t, err)
	require.Equal(t, dai, sel.Token)
	require.Equal(t, units(103, 18).String(), sel.Amount.String())
	require.Equal(t, uint64(194), sel.DeviationBps)

	require.NoError(t, f.vault.SetPreferredToken(ctx, admin, dai))
	sel, err = f.vault.SelectToken(10_000, common.Address{})
	require.NoError(t, err)
	require.Equal(t, dai, sel.Token)

	// An unsupported hint falls through to the preferred token.
	sel, err = f.vault.SelectToken(10_000, eurc)
	require.NoError(t, err)
	require.Equal(t, dai, sel.Token)

	require.NoError(t, f.vault.RemoveSupportedToken(ctx, admin, dai))
	require.Equal(t, common.Address{}, f.vault.PreferredToken())
	sel, err = f.vault.SelectToken(10_000, common.Address{})
	require.NoError(t, err)
	require.Equal(t, usdc, sel.Token)
}

func TestCheapestDeviationWithoutDirectToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.RemoveSupportedToken(ctx, admin, usdc))
	require.NoError(t, f.vault.AddSupportedToken(ctx, admin, eurc, feedOf(eurc)))
	f.swaps[eurc] = big.NewInt(102_500_000)

	sel, err := f.vault.SelectToken(10_000, common.Address{})
	require.NoError(t, err)
	require.Equal(t, eurc, sel.Token)
	require.Equal(t, uint64(48), sel.DeviationBps)

	// Estimates above the buffered budget disqualify a token.
	f.swaps[eurc] = big.NewInt(104_000_000)
	sel, err = f.vault.SelectToken(10_000, common.Address{})
	require.NoError(t, err)
	require.Equal(t, dai, sel.Token)

	delete(f.swaps, dai)
	_, err = f.vault.SelectToken(10_000, common.Address{})
	require.True(t, errors.Is(err, ErrNoViableToken))
}

func TestSelectionRequiresVaultBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.Withdraw(ctx, admin, usdc, admin, units(950, 6)))
	sel, err := f.vault.SelectToken(10_000, common.Address{})
	require.NoError(t, err)
	require.Equal(t, dai, sel.Token)
}

func TestFeeOnTransferTokenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.AddSupportedToken(ctx, admin, fot, feedOf(fot)))
	f.swaps[fot] = big.NewInt(100_000_000)
	id := f.create(t, "ref-fot", 10_000)

	_, err := f.vault.ExecuteIntent(ctx, beneficiary, id, fot)
	require.True(t, errors.Is(err, ErrFeeOnTransfer))
	in, _ := f.vault.Intent(id)
	require.Equal(t, IntentPending, in.Status)
	require.Equal(t, units(1_000, 6).String(), f.bank.BalanceOf(fot, vaultAddr).String())
}

func TestAdminGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, errors.Is(f.vault.SetSlippageBps(ctx, admin, MaxSlippageBps+1), ErrParam))
	require.True(t, errors.Is(f.vault.SetSlippageBps(ctx, operator, 10), settings.ErrUnauthorized))
	require.NoError(t, f.vault.SetSlippageBps(ctx, admin, 0))
	require.Equal(t, uint32(0), f.vault.SlippageBps())
	require.True(t, errors.Is(f.vault.SetPreferredToken(ctx, admin, eurc), ErrUnsupportedToken))
	require.True(t, errors.Is(f.vault.Withdraw(ctx, operator, usdc, operator, units(1, 6)), settings.ErrUnauthorized))

	err := f.vault.CreateIntent(ctx, admin, IntentID("x"), beneficiary, 1, f.host.Now()+10)
	require.True(t, errors.Is(err, settings.ErrUnauthorized))
	err = f.vault.CreateIntent(ctx, operator, IntentID("x"), beneficiary, 1, f.host.Now())
	require.True(t, errors.Is(err, ErrParam))
}
