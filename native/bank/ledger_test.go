package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger := NewLedger(state.NewHost())
	ctx := context.Background()
	if err := ledger.RegisterToken(ctx, Token{Address: usdc, Symbol: "usdc", Decimals: 6}); err != nil {
		t.Fatalf("register usdc: %v", err)
	}
	if err := ledger.RegisterToken(ctx, Token{Address: weth, Symbol: "WETH", Decimals: 18, Burnable: true}); err != nil {
		t.Fatalf("register weth: %v", err)
	}
	if err := ledger.SetWrappedNative(ctx, weth); err != nil {
		t.Fatalf("set wrapped: %v", err)
	}
	return ledger
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Mint(ctx, usdc, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.TransferFrom(ctx, usdc, bob, alice, bob, big.NewInt(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := ledger.Approve(ctx, usdc, alice, bob, big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ledger.TransferFrom(ctx, usdc, bob, alice, bob, big.NewInt(60)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := ledger.Allowance(usdc, alice, bob); got.Int64() != 40 {
		t.Fatalf("expected allowance 40, got %s", got)
	}
	if got := ledger.BalanceOf(usdc, bob); got.Int64() != 60 {
		t.Fatalf("expected bob 60, got %s", got)
	}
}

func TestFailedTransferDoesNotMutate(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Mint(ctx, usdc, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(ctx, usdc, alice, bob, big.NewInt(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := ledger.Transfer(ctx, usdc, alice, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected zero recipient error, got %v", err)
	}
	if got := ledger.BalanceOf(usdc, alice); got.Int64() != 5 {
		t.Fatalf("expected alice 5, got %s", got)
	}
}

func TestBurnFromRequiresCapability(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Mint(ctx, usdc, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.BurnFrom(ctx, usdc, alice, alice, big.NewInt(1)); !errors.Is(err, ErrBurnUnsupported) {
		t.Fatalf("expected burn unsupported, got %v", err)
	}
	if err := ledger.Mint(ctx, weth, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint weth: %v", err)
	}
	if err := ledger.BurnFrom(ctx, weth, alice, alice, big.NewInt(2)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := ledger.TotalSupply(weth); got.Int64() != 3 {
		t.Fatalf("expected supply 3, got %s", got)
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Mint(ctx, NativeToken, alice, big.NewInt(50)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	if err := ledger.Wrap(ctx, alice, big.NewInt(20)); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if got := ledger.BalanceOf(weth, alice); got.Int64() != 20 {
		t.Fatalf("expected 20 wrapped, got %s", got)
	}
	if err := ledger.Unwrap(ctx, alice, big.NewInt(5)); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got := ledger.BalanceOf(NativeToken, alice); got.Int64() != 35 {
		t.Fatalf("expected 35 native, got %s", got)
	}
}

func TestFeeOnTransferDeliversLess(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	taxed := common.HexToAddress("0x00000000000000000000000000000000000000f0")
	if err := ledger.RegisterToken(ctx, Token{Address: taxed, Symbol: "TAX", Decimals: 0, FeeOnTransferBps: 100}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ledger.Mint(ctx, taxed, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(ctx, taxed, alice, bob, big.NewInt(1_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := ledger.BalanceOf(taxed, bob); got.Int64() != 990 {
		t.Fatalf("expected 990 received, got %s", got)
	}
}

func TestPausedTokenRejectsTransfers(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Mint(ctx, usdc, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.SetPaused(ctx, usdc, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := ledger.Transfer(ctx, usdc, alice, bob, big.NewInt(1)); !errors.Is(err, ErrTokenPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
}
