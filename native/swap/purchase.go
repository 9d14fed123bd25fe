package swap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/native/bank"
)

// PurchaseParams describes a purchase funded with an arbitrary source token.
// A zero Recipient receives the shares as the buyer.
type PurchaseParams struct {
	ReleaseID       uint64
	Amount          uint64
	SourceToken     common.Address
	SourceMaxAmount *big.Int
	Recipient       common.Address
}

// PurchaseResult reports what a purchase consumed and returned.
type PurchaseResult struct {
	Currency         common.Address
	Cost             *big.Int
	SourceSpent      *big.Int
	SourceRefunded   *big.Int
	Adapter          string
	LeftoverSwapped  *big.Int
	LeftoverReturned *big.Int
}

// Estimate is the view mirror of Purchase.
type Estimate struct {
	HasValidRoute bool
	Currency      common.Address
	Cost          *big.Int
	SourceAmount  *big.Int
	Adapter       string
}

// EstimatePurchase prices amount shares of a release in sourceToken using the
// same adapter selection as Purchase.
func (a *Aggregator) EstimatePurchase(release uint64, buyer common.Address, amount uint64, sourceToken common.Address) (Estimate, error) {
	if a.market == nil {
		return Estimate{}, ErrMarketplaceNotSet
	}
	cost, currency, err := a.market.PreviewPurchaseCost(release, buyer, amount)
	if err != nil {
		return Estimate{}, err
	}
	est := Estimate{Currency: currency, Cost: cost}
	tokenIn := a.routeToken(sourceToken)
	if tokenIn == currency {
		est.HasValidRoute = true
		est.SourceAmount = new(big.Int).Set(cost)
		return est, nil
	}
	if cost.Sign() == 0 {
		est.HasValidRoute = true
		est.SourceAmount = big.NewInt(0)
		return est, nil
	}
	p := a.swapInQuoteAndPickAdapter(tokenIn, currency, cost).preview()
	est.HasValidRoute = p.HasValidRoute
	est.SourceAmount = p.AmountIn
	est.Adapter = p.Adapter
	return est, nil
}

// Purchase collects up to SourceMaxAmount of the source token from buyer,
// converts it into the release currency through the best adapter, buys the
// shares and returns whatever was not spent. Native currency is wrapped before
// routing and unwrapped on refund. Leftover marketplace currency is swapped
// back into the source token when a route exists and returned as is otherwise.
func (a *Aggregator) Purchase(ctx context.Context, buyer common.Address, p PurchaseParams) (PurchaseResult, error) {
	if err := a.guard.Enter(); err != nil {
		return PurchaseResult{}, err
	}
	defer a.guard.Exit()
	if a.market == nil {
		return PurchaseResult{}, ErrMarketplaceNotSet
	}
	if p.Amount == 0 || p.SourceMaxAmount == nil || p.SourceMaxAmount.Sign() <= 0 {
		return PurchaseResult{}, ErrInvalidAmount
	}
	recipient := p.Recipient
	if recipient == (common.Address{}) {
		recipient = buyer
	}
	start := time.Now()
	var res PurchaseResult
	err := a.host.Transact(ctx, "swap.Purchase", func(ctx context.Context) error {
		var err error
		res, err = a.purchase(ctx, buyer, recipient, p)
		return err
	})
	a.metrics.Observe("aggregator.purchase", time.Since(start), err)
	if err != nil {
		return PurchaseResult{}, err
	}
	return res, nil
}

func (a *Aggregator) purchase(ctx context.Context, buyer, recipient common.Address, p PurchaseParams) (PurchaseResult, error) {
	cost, currency, err := a.market.PreviewPurchaseCost(p.ReleaseID, recipient, p.Amount)
	if err != nil {
		return PurchaseResult{}, err
	}
	native := p.SourceToken == bank.NativeToken
	tokenIn := a.routeToken(p.SourceToken)
	if tokenIn != currency && !a.allowed[p.SourceToken] {
		return PurchaseResult{}, fmt.Errorf("%w: %s", ErrTokenNotAllowed, p.SourceToken.Hex())
	}

	baseIn := a.tokens.BalanceOf(tokenIn, a.address)
	baseCurrency := a.tokens.BalanceOf(currency, a.address)
	if native {
		if err := a.tokens.Transfer(ctx, bank.NativeToken, buyer, a.address, p.SourceMaxAmount); err != nil {
			return PurchaseResult{}, err
		}
		if err := a.tokens.Wrap(ctx, a.address, p.SourceMaxAmount); err != nil {
			return PurchaseResult{}, err
		}
	} else if err := a.tokens.TransferFrom(ctx, p.SourceToken, a.address, buyer, a.address, p.SourceMaxAmount); err != nil {
		return PurchaseResult{}, err
	}
	collected := new(big.Int).Sub(a.tokens.BalanceOf(tokenIn, a.address), baseIn)

	res := PurchaseResult{Currency: currency, Cost: cost}
	if tokenIn == currency {
		if cost.Cmp(collected) > 0 {
			return PurchaseResult{}, fmt.Errorf("%w: needs %s, authorised %s", ErrNotEnoughSourceTokensForBestRoute, cost, collected)
		}
	} else if cost.Sign() > 0 {
		sel := a.swapInQuoteAndPickAdapter(tokenIn, currency, cost)
		if err := sel.err(); err != nil {
			return PurchaseResult{}, err
		}
		if sel.quote.AmountIn.Cmp(collected) > 0 {
			return PurchaseResult{}, fmt.Errorf("%w: needs %s, authorised %s", ErrNotEnoughSourceTokensForBestRoute, sel.quote.AmountIn, collected)
		}
		if _, err := a.executeSwapIn(ctx, sel, a.address, tokenIn, currency, cost, collected); err != nil {
			return PurchaseResult{}, err
		}
		res.Adapter = sel.adapter.Name()
	}

	if err := a.tokens.Approve(ctx, currency, a.address, a.market.Address(), cost); err != nil {
		return PurchaseResult{}, err
	}
	if err := a.market.PurchaseFor(ctx, a.address, recipient, p.ReleaseID, p.Amount, cost); err != nil {
		return PurchaseResult{}, err
	}
	if err := a.tokens.Approve(ctx, currency, a.address, a.market.Address(), big.NewInt(0)); err != nil {
		return PurchaseResult{}, err
	}

	if tokenIn != currency {
		leftover := new(big.Int).Sub(a.tokens.BalanceOf(currency, a.address), baseCurrency)
		if leftover.Sign() > 0 {
			if err := a.returnLeftover(ctx, buyer, currency, tokenIn, leftover, &res); err != nil {
				return PurchaseResult{}, err
			}
		}
	}

	unspent := new(big.Int).Sub(a.tokens.BalanceOf(tokenIn, a.address), baseIn)
	res.SourceRefunded = unspent
	res.SourceSpent = new(big.Int).Sub(collected, unspent)
	if unspent.Sign() > 0 {
		if native {
			if err := a.tokens.Unwrap(ctx, a.address, unspent); err != nil {
				return PurchaseResult{}, err
			}
			if err := a.tokens.Transfer(ctx, bank.NativeToken, a.address, buyer, unspent); err != nil {
				return PurchaseResult{}, err
			}
		} else if err := a.tokens.Transfer(ctx, tokenIn, a.address, buyer, unspent); err != nil {
			return PurchaseResult{}, err
		}
	}
	a.host.Emit(newPurchaseEvent(buyer, recipient, p, res))
	return res, nil
}

// returnLeftover swaps unspent marketplace currency back into the source token.
// The swap runs in its own call frame; when it fails the marketplace currency is
// handed to the buyer directly.
func (a *Aggregator) returnLeftover(ctx context.Context, buyer, currency, tokenIn common.Address, leftover *big.Int, res *PurchaseResult) error {
	swapErr := a.host.Transact(ctx, "swap.SwapBackLeftover", func(ctx context.Context) error {
		sel := a.swapOutQuoteAndPickAdapter(currency, tokenIn, leftover)
		if err := sel.err(); err != nil {
			return err
		}
		_, err := a.executeSwapOut(ctx, sel, a.address, currency, tokenIn, leftover, nil)
		return err
	})
	if swapErr == nil {
		res.LeftoverSwapped = new(big.Int).Set(leftover)
		return nil
	}
	slog.Warn("swap: leftover swap-back failed, returning marketplace currency", "buyer", buyer.Hex(), "amount", leftover.String(), "error", swapErr)
	if err := a.tokens.Transfer(ctx, currency, a.address, buyer, leftover); err != nil {
		return err
	}
	res.LeftoverReturned = new(big.Int).Set(leftover)
	a.host.Emit(newLeftoverReturnedEvent(buyer, currency, leftover))
	return nil
}
