// Package swap selects the best route among a set of swap adapters and runs
// purchases that convert an arbitrary source token into the marketplace
// currency.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/bank"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/settings"
	"sharemarket/observability"
)

var (
	ErrNoValidRoute                      = errors.New("swap: no valid route")
	ErrInsufficientLiquidity             = errors.New("swap: insufficient liquidity")
	ErrNotEnoughSourceTokensForBestRoute = errors.New("swap: best route needs more source tokens than authorised")
	ErrSlippageExceeded                  = errors.New("swap: slippage exceeded")
	ErrInsufficientOutputAmount          = errors.New("swap: insufficient output amount")
	ErrExceededMaxAmount                 = errors.New("swap: exceeded max input amount")
	ErrTokenNotAllowed                   = errors.New("swap: purchase token not allowed")
	ErrInvalidAmount                     = errors.New("swap: amount must be positive")
	ErrAdapterExists                     = errors.New("swap: adapter already registered")
	ErrAdapterNotFound                   = errors.New("swap: adapter not registered")
	ErrMarketplaceNotSet                 = errors.New("swap: marketplace not configured")
)

// Authorizer checks administrative roles.
type Authorizer interface {
	Require(role settings.Role, account common.Address) error
}

// Marketplace is the purchase surface the aggregator buys through.
type Marketplace interface {
	Address() common.Address
	// PreviewPurchaseCost returns the cost of amount shares in the currency
	// the release currently settles in.
	PreviewPurchaseCost(release uint64, buyer common.Address, amount uint64) (*big.Int, common.Address, error)
	// PurchaseFor buys amount shares for recipient, pulling the payment from
	// payer, and fails if the cost exceeds maxTotalPrice.
	PurchaseFor(ctx context.Context, payer, recipient common.Address, release uint64, amount uint64, maxTotalPrice *big.Int) error
}

// Preview is the aggregator's choice for one swap. HasValidRoute is false when
// no adapter knows a route. A valid route with zero amounts signals that the
// route exists but lacks liquidity.
type Preview struct {
	HasValidRoute bool
	Adapter       string
	AmountIn      *big.Int
	AmountOut     *big.Int
	Data          []byte
}

// Aggregator holds an ordered set of adapters and the allow-list of tokens
// accepted as purchase sources.
type Aggregator struct {
	host     *state.Host
	address  common.Address
	tokens   bank.Tokens
	auth     Authorizer
	market   Marketplace
	adapters []Adapter
	allowed  map[common.Address]bool
	guard    nativecommon.ReentrancyGuard
	metrics  *observability.MarketplaceMetrics
}

// NewAggregator constructs an aggregator acting from address.
func NewAggregator(host *state.Host, address common.Address, tokens bank.Tokens, auth Authorizer) *Aggregator {
	return &Aggregator{
		host:    host,
		address: address,
		tokens:  tokens,
		auth:    auth,
		allowed: make(map[common.Address]bool),
		metrics: observability.Marketplace(),
	}
}

// Address returns the account the aggregator holds tokens under.
func (a *Aggregator) Address() common.Address { return a.address }

// SetMarketplace wires the exchange purchases are routed through.
func (a *Aggregator) SetMarketplace(m Marketplace) { a.market = m }

// Adapters returns the registered adapter names in consultation order.
func (a *Aggregator) Adapters() []string {
	names := make([]string, len(a.adapters))
	for i, ad := range a.adapters {
		names[i] = ad.Name()
	}
	return names
}

// IsPurchaseTokenAllowed reports whether token may fund purchases.
func (a *Aggregator) IsPurchaseTokenAllowed(token common.Address) bool { return a.allowed[token] }

func adapterKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// AddAdapter appends an adapter to the consultation order.
func (a *Aggregator) AddAdapter(ctx context.Context, caller common.Address, adapter Adapter) error {
	if adapter == nil || adapterKey(adapter.Name()) == "" {
		return fmt.Errorf("swap: adapter name required")
	}
	return a.host.Transact(ctx, "swap.AddAdapter", func(ctx context.Context) error {
		if err := a.auth.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		for _, existing := range a.adapters {
			if adapterKey(existing.Name()) == adapterKey(adapter.Name()) {
				return fmt.Errorf("%w: %s", ErrAdapterExists, adapter.Name())
			}
		}
		next := append(append([]Adapter(nil), a.adapters...), adapter)
		state.Set(a.host.Journal(), &a.adapters, next)
		a.host.Emit(newAdapterEvent(EventTypeAdapterAdded, adapter.Name(), caller))
		return nil
	})
}

// RemoveAdapter removes the named adapter, preserving the order of the rest.
func (a *Aggregator) RemoveAdapter(ctx context.Context, caller common.Address, name string) error {
	return a.host.Transact(ctx, "swap.RemoveAdapter", func(ctx context.Context) error {
		if err := a.auth.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		next := make([]Adapter, 0, len(a.adapters))
		found := false
		for _, existing := range a.adapters {
			if adapterKey(existing.Name()) == adapterKey(name) {
				found = true
				continue
			}
			next = append(next, existing)
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
		}
		state.Set(a.host.Journal(), &a.adapters, next)
		a.host.Emit(newAdapterEvent(EventTypeAdapterRemoved, name, caller))
		return nil
	})
}

// SetAllowedPurchaseToken adds or removes a token from the purchase allow-list.
func (a *Aggregator) SetAllowedPurchaseToken(ctx context.Context, caller, token common.Address, allowed bool) error {
	return a.host.Transact(ctx, "swap.SetAllowedPurchaseToken", func(ctx context.Context) error {
		if err := a.auth.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if allowed {
			state.MapSet(a.host.Journal(), a.allowed, token, true)
		} else {
			state.MapDelete(a.host.Journal(), a.allowed, token)
		}
		a.host.Emit(newPurchaseTokenEvent(token, allowed, caller))
		return nil
	})
}

// routeToken maps the native currency onto its wrapped token, which is what
// adapters route.
func (a *Aggregator) routeToken(token common.Address) common.Address {
	if token == bank.NativeToken {
		if wrapped := a.tokens.WrappedNative(); wrapped != (common.Address{}) {
			return wrapped
		}
	}
	return token
}

type selection struct {
	adapter  Adapter
	quote    Quote
	sawValid bool
}

func (s selection) err() error {
	if s.adapter != nil {
		return nil
	}
	if s.sawValid {
		return ErrInsufficientLiquidity
	}
	return ErrNoValidRoute
}

func (s selection) preview() Preview {
	if s.adapter == nil {
		return Preview{HasValidRoute: s.sawValid, AmountIn: big.NewInt(0), AmountOut: big.NewInt(0)}
	}
	q := s.quote.Clone()
	return Preview{HasValidRoute: true, Adapter: s.adapter.Name(), AmountIn: q.AmountIn, AmountOut: q.AmountOut, Data: q.Data}
}

// swapInQuoteAndPickAdapter picks the adapter needing the least input for an
// exact output. Adapter failures are skipped.
func (a *Aggregator) swapInQuoteAndPickAdapter(tokenIn, tokenOut common.Address, amountOut *big.Int) selection {
	var sel selection
	for _, ad := range a.adapters {
		q, err := ad.QuoteSwapIn(tokenIn, tokenOut, amountOut)
		if err != nil {
			slog.Debug("swap: adapter quote failed", "adapter", ad.Name(), "direction", "in", "error", err)
			continue
		}
		if !q.HasValidRoute {
			continue
		}
		sel.sawValid = true
		if q.AmountIn == nil || q.AmountIn.Sign() <= 0 {
			continue
		}
		if sel.adapter == nil || q.AmountIn.Cmp(sel.quote.AmountIn) < 0 {
			sel.adapter, sel.quote = ad, q
		}
	}
	return sel
}

// swapOutQuoteAndPickAdapter picks the adapter returning the most output for
// an exact input. Adapter failures are skipped.
func (a *Aggregator) swapOutQuoteAndPickAdapter(tokenIn, tokenOut common.Address, amountIn *big.Int) selection {
	var sel selection
	for _, ad := range a.adapters {
		q, err := ad.QuoteSwapOut(tokenIn, tokenOut, amountIn)
		if err != nil {
			slog.Debug("swap: adapter quote failed", "adapter", ad.Name(), "direction", "out", "error", err)
			continue
		}
		if !q.HasValidRoute {
			continue
		}
		sel.sawValid = true
		if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
			continue
		}
		if sel.adapter == nil || q.AmountOut.Cmp(sel.quote.AmountOut) > 0 {
			sel.adapter, sel.quote = ad, q
		}
	}
	return sel
}

// PreviewSwapIn reports the cheapest route producing exactly amountOut.
func (a *Aggregator) PreviewSwapIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (Preview, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return Preview{}, ErrInvalidAmount
	}
	tokenIn, tokenOut = a.routeToken(tokenIn), a.routeToken(tokenOut)
	if tokenIn == tokenOut {
		return Preview{HasValidRoute: true, AmountIn: new(big.Int).Set(amountOut), AmountOut: new(big.Int).Set(amountOut)}, nil
	}
	return a.swapInQuoteAndPickAdapter(tokenIn, tokenOut, amountOut).preview(), nil
}

// PreviewSwapOut reports the route returning the most tokenOut for amountIn.
func (a *Aggregator) PreviewSwapOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (Preview, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Preview{}, ErrInvalidAmount
	}
	tokenIn, tokenOut = a.routeToken(tokenIn), a.routeToken(tokenOut)
	if tokenIn == tokenOut {
		return Preview{HasValidRoute: true, AmountIn: new(big.Int).Set(amountIn), AmountOut: new(big.Int).Set(amountIn)}, nil
	}
	return a.swapOutQuoteAndPickAdapter(tokenIn, tokenOut, amountIn).preview(), nil
}

// SwapOut sells exactly amountIn of tokenIn held by payer, who must have
// approved the aggregator, and delivers at least minAmountOut of tokenOut to
// recipient. The native currency is wrapped before routing and unwrapped on
// delivery.
func (a *Aggregator) SwapOut(ctx context.Context, payer, recipient, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	routeIn, routeOut := a.routeToken(tokenIn), a.routeToken(tokenOut)
	var out *big.Int
	err := a.host.Transact(ctx, "swap.SwapOut", func(ctx context.Context) error {
		if routeIn == routeOut {
			if minAmountOut != nil && amountIn.Cmp(minAmountOut) < 0 {
				return fmt.Errorf("%w: %s below minimum %s", ErrInsufficientOutputAmount, amountIn, minAmountOut)
			}
			if err := a.collect(ctx, payer, tokenIn, amountIn); err != nil {
				return err
			}
			out = new(big.Int).Set(amountIn)
			return a.deliver(ctx, recipient, tokenOut, out)
		}
		sel := a.swapOutQuoteAndPickAdapter(routeIn, routeOut, amountIn)
		if err := sel.err(); err != nil {
			return err
		}
		if minAmountOut != nil && sel.quote.AmountOut.Cmp(minAmountOut) < 0 {
			return fmt.Errorf("%w: best quote %s below minimum %s", ErrInsufficientOutputAmount, sel.quote.AmountOut, minAmountOut)
		}
		if err := a.collect(ctx, payer, tokenIn, amountIn); err != nil {
			return err
		}
		to := recipient
		if tokenOut != routeOut {
			to = a.address
		}
		var err error
		out, err = a.executeSwapOut(ctx, sel, to, routeIn, routeOut, amountIn, minAmountOut)
		if err != nil || to == recipient {
			return err
		}
		return a.deliver(ctx, recipient, tokenOut, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SwapIn buys exactly amountOut of tokenOut for recipient, spending at most
// maxAmountIn of tokenIn from payer. Unspent input is returned to payer.
func (a *Aggregator) SwapIn(ctx context.Context, payer, recipient, tokenIn, tokenOut common.Address, amountOut, maxAmountIn *big.Int) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 || maxAmountIn == nil || maxAmountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	routeIn, routeOut := a.routeToken(tokenIn), a.routeToken(tokenOut)
	var spent *big.Int
	err := a.host.Transact(ctx, "swap.SwapIn", func(ctx context.Context) error {
		if routeIn == routeOut {
			if amountOut.Cmp(maxAmountIn) > 0 {
				return fmt.Errorf("%w: needs %s, authorised %s", ErrNotEnoughSourceTokensForBestRoute, amountOut, maxAmountIn)
			}
			if err := a.collect(ctx, payer, tokenIn, amountOut); err != nil {
				return err
			}
			spent = new(big.Int).Set(amountOut)
			return a.deliver(ctx, recipient, tokenOut, amountOut)
		}
		sel := a.swapInQuoteAndPickAdapter(routeIn, routeOut, amountOut)
		if err := sel.err(); err != nil {
			return err
		}
		if sel.quote.AmountIn.Cmp(maxAmountIn) > 0 {
			return fmt.Errorf("%w: needs %s, authorised %s", ErrNotEnoughSourceTokensForBestRoute, sel.quote.AmountIn, maxAmountIn)
		}
		if err := a.collect(ctx, payer, tokenIn, maxAmountIn); err != nil {
			return err
		}
		to := recipient
		if tokenOut != routeOut {
			to = a.address
		}
		var err error
		spent, err = a.executeSwapIn(ctx, sel, to, routeIn, routeOut, amountOut, maxAmountIn)
		if err != nil {
			return err
		}
		if to != recipient {
			if err := a.deliver(ctx, recipient, tokenOut, amountOut); err != nil {
				return err
			}
		}
		if refund := new(big.Int).Sub(maxAmountIn, spent); refund.Sign() > 0 {
			return a.deliver(ctx, payer, tokenIn, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spent, nil
}

// collect moves amount of token from payer to the aggregator in its routed
// form. Native currency is taken directly and wrapped.
func (a *Aggregator) collect(ctx context.Context, payer, token common.Address, amount *big.Int) error {
	if token == bank.NativeToken && a.routeToken(token) != token {
		if err := a.tokens.Transfer(ctx, bank.NativeToken, payer, a.address, amount); err != nil {
			return err
		}
		return a.tokens.Wrap(ctx, a.address, amount)
	}
	return a.tokens.TransferFrom(ctx, token, a.address, payer, a.address, amount)
}

// deliver pays amount of token held by the aggregator in routed form,
// unwrapping it first when token is the native currency.
func (a *Aggregator) deliver(ctx context.Context, to, token common.Address, amount *big.Int) error {
	if token == bank.NativeToken && a.routeToken(token) != token {
		if err := a.tokens.Unwrap(ctx, a.address, amount); err != nil {
			return err
		}
	}
	return a.tokens.Transfer(ctx, token, a.address, to, amount)
}

// executeSwapOut runs the selected adapter with tokens already held by the
// aggregator.
func (a *Aggregator) executeSwapOut(ctx context.Context, sel selection, recipient, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	start := time.Now()
	ad := sel.adapter
	a.host.Emit(newRouteSelectedEvent("out", ad.Name(), tokenIn, tokenOut, sel.quote.AmountIn, sel.quote.AmountOut))
	if err := a.tokens.Approve(ctx, tokenIn, a.address, ad.Spender(), amountIn); err != nil {
		return nil, err
	}
	out, err := ad.SwapOut(ctx, SwapOutParams{
		Payer:        a.address,
		Recipient:    recipient,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     new(big.Int).Set(amountIn),
		MinAmountOut: minAmountOut,
		Data:         sel.quote.Data,
	})
	a.metrics.RecordSwap(ad.Name(), "out", err)
	a.metrics.Observe("swap.out", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: received %s, minimum %s", ErrSlippageExceeded, out, minAmountOut)
	}
	if err := a.tokens.Approve(ctx, tokenIn, a.address, ad.Spender(), big.NewInt(0)); err != nil {
		return nil, err
	}
	a.host.Emit(newSwapExecutedEvent(ad.Name(), a.address, recipient, tokenIn, tokenOut, amountIn, out))
	return out, nil
}

func (a *Aggregator) executeSwapIn(ctx context.Context, sel selection, recipient, tokenIn, tokenOut common.Address, amountOut, maxAmountIn *big.Int) (*big.Int, error) {
	start := time.Now()
	ad := sel.adapter
	a.host.Emit(newRouteSelectedEvent("in", ad.Name(), tokenIn, tokenOut, sel.quote.AmountIn, sel.quote.AmountOut))
	if err := a.tokens.Approve(ctx, tokenIn, a.address, ad.Spender(), maxAmountIn); err != nil {
		return nil, err
	}
	spent, err := ad.SwapIn(ctx, SwapInParams{
		Payer:       a.address,
		Recipient:   recipient,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountOut:   new(big.Int).Set(amountOut),
		MaxAmountIn: new(big.Int).Set(maxAmountIn),
		Data:        sel.quote.Data,
	})
	a.metrics.RecordSwap(ad.Name(), "in", err)
	a.metrics.Observe("swap.in", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if spent.Cmp(maxAmountIn) > 0 {
		return nil, fmt.Errorf("%w: spent %s, authorised %s", ErrSlippageExceeded, spent, maxAmountIn)
	}
	if err := a.tokens.Approve(ctx, tokenIn, a.address, ad.Spender(), big.NewInt(0)); err != nil {
		return nil, err
	}
	a.host.Emit(newSwapExecutedEvent(ad.Name(), a.address, recipient, tokenIn, tokenOut, spent, amountOut))
	return spent, nil
}
