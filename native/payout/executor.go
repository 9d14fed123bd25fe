// Package payout moves settled value to its destination. Payouts may be
// converted into a preferred currency through the swap aggregator and fall back
// to a direct transfer when conversion is impossible. Burns are best effort.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/pricing"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	"sharemarket/native/swap"
	"sharemarket/observability"
)

var ErrInvalidRequest = errors.New("payout: invalid request")

// Swapper is the subset of the aggregator used for payout conversion.
type Swapper interface {
	Address() common.Address
	PreviewSwapOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (swap.Preview, error)
	SwapOut(ctx context.Context, payer, recipient, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// Request describes a single payout held by From.
type Request struct {
	From           common.Address
	To             common.Address
	Currency       common.Address
	Amount         *big.Int
	PayoutCurrency common.Address
	SlippageBps    uint32
}

// Result records which path a payout took.
type Result struct {
	PaidCurrency   common.Address
	PaidAmount     *big.Int
	SwapRequested  bool
	SwapSuccessful bool
	Burned         bool
}

// IsBurnDestination reports whether value sent to addr is destroyed.
func IsBurnDestination(addr common.Address) bool {
	return addr == (common.Address{}) || addr == bank.DeadAddress
}

// Executor applies the payout policy on behalf of one engine.
type Executor struct {
	host    *state.Host
	tokens  bank.Tokens
	swapper Swapper
	metrics *observability.MarketplaceMetrics
}

// NewExecutor constructs an executor. A nil swapper disables conversion.
func NewExecutor(host *state.Host, tokens bank.Tokens, swapper Swapper) *Executor {
	return &Executor{host: host, tokens: tokens, swapper: swapper, metrics: observability.Marketplace()}
}

// SetSwapper replaces the aggregator used for conversions.
func (e *Executor) SetSwapper(s Swapper) { e.swapper = s }

// Execute pays out r.Amount of r.Currency held by r.From. It must run inside a
// transaction; failed swap and burn attempts are rolled back in their own
// frames and replaced by their fallback.
func (e *Executor) Execute(ctx context.Context, r Request) (Result, error) {
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return Result{}, fmt.Errorf("%w: amount", ErrInvalidRequest)
	}
	res := Result{PaidCurrency: r.Currency, PaidAmount: new(big.Int).Set(r.Amount)}
	if r.Amount.Sign() == 0 {
		return res, nil
	}
	wantsSwap := r.PayoutCurrency != (common.Address{}) && r.PayoutCurrency != r.Currency
	res.SwapRequested = wantsSwap && e.swapper != nil

	if IsBurnDestination(r.To) {
		return e.burn(ctx, r, res)
	}
	if !res.SwapRequested {
		e.metrics.RecordPayout("direct")
		return res, e.tokens.Transfer(ctx, r.Currency, r.From, r.To, r.Amount)
	}
	out, err := e.trySwap(ctx, r, r.To)
	if err == nil {
		res.SwapSuccessful = true
		res.PaidCurrency, res.PaidAmount = r.PayoutCurrency, out
		e.metrics.RecordPayout("swap")
		return res, nil
	}
	slog.Warn("payout: swap failed, paying in source currency",
		"to", r.To.Hex(), "currency", r.Currency.Hex(), "payoutCurrency", r.PayoutCurrency.Hex(),
		"amount", r.Amount.String(), "error", err)
	e.metrics.RecordPayout("swap_fallback")
	return res, e.tokens.Transfer(ctx, r.Currency, r.From, r.To, r.Amount)
}

// burn optionally converts into the payout currency first, then tries to burn
// and finally sends the tokens to the dead address.
func (e *Executor) burn(ctx context.Context, r Request, res Result) (Result, error) {
	if res.SwapRequested {
		out, err := e.trySwap(ctx, r, r.From)
		if err == nil {
			res.SwapSuccessful = true
			res.PaidCurrency, res.PaidAmount = r.PayoutCurrency, out
		} else {
			slog.Warn("payout: pre-burn swap failed, burning source currency",
				"currency", r.Currency.Hex(), "payoutCurrency", r.PayoutCurrency.Hex(), "error", err)
		}
	}
	burnErr := e.host.Transact(ctx, "payout.Burn", func(ctx context.Context) error {
		return e.tokens.BurnFrom(ctx, res.PaidCurrency, r.From, r.From, res.PaidAmount)
	})
	if burnErr == nil {
		res.Burned = true
		e.metrics.RecordPayout("burn")
		return res, nil
	}
	slog.Warn("payout: burn failed, sending to dead address",
		"currency", res.PaidCurrency.Hex(), "amount", res.PaidAmount.String(), "error", burnErr)
	e.metrics.RecordPayout("burn_fallback")
	return res, e.tokens.Transfer(ctx, res.PaidCurrency, r.From, bank.DeadAddress, res.PaidAmount)
}

// trySwap converts r.Amount into r.PayoutCurrency for recipient inside its own
// frame. The minimum output is the previewed output less the slippage buffer.
func (e *Executor) trySwap(ctx context.Context, r Request, recipient common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.host.Transact(ctx, "payout.Swap", func(ctx context.Context) error {
		preview, err := e.swapper.PreviewSwapOut(r.Currency, r.PayoutCurrency, r.Amount)
		if err != nil {
			return err
		}
		if !preview.HasValidRoute || preview.AmountOut == nil || preview.AmountOut.Sign() == 0 {
			return swap.ErrNoValidRoute
		}
		minOut := pricing.SubBps(preview.AmountOut, r.SlippageBps)
		if err := e.tokens.Approve(ctx, r.Currency, r.From, e.swapper.Address(), r.Amount); err != nil {
			return err
		}
		out, err = e.swapper.SwapOut(ctx, r.From, recipient, r.Currency, r.PayoutCurrency, r.Amount, minOut)
		return err
	})
	return out, err
}
