package vault

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/pricing"
	"sharemarket/native/oracle"
)

// SelectToken previews the collateral ExecuteIntent would release for an
// intent worth valueUSD cents.
func (v *Vault) SelectToken(valueUSD uint64, hint common.Address) (Selection, error) {
	if valueUSD == 0 {
		return Selection{}, fmt.Errorf("%w: value required", ErrParam)
	}
	return v.selectToken(valueUSD, hint)
}

// selectToken tries the hint, then the preferred token, then every supported
// token, keeping the candidate whose swap estimate deviates least from the
// buffered oracle conversion. A token that is the marketplace currency needs
// no swap, has zero deviation and wins ties.
func (v *Vault) selectToken(valueUSD uint64, hint common.Address) (Selection, error) {
	target, err := v.currencyTarget(valueUSD)
	if err != nil {
		return Selection{}, err
	}
	for _, token := range []common.Address{hint, v.preferred} {
		if token == (common.Address{}) {
			continue
		}
		sel, err := v.evaluate(token, valueUSD, target)
		if err == nil {
			return sel, nil
		}
		slog.Debug("vault: override token rejected", "token", token.Hex(), "error", err)
	}

	var best Selection
	found := false
	for _, st := range v.supported {
		sel, err := v.evaluate(st.Token, valueUSD, target)
		if err != nil {
			continue
		}
		switch {
		case !found, sel.DeviationBps < best.DeviationBps:
			best, found = sel, true
		case sel.DeviationBps == best.DeviationBps && sel.Direct && !best.Direct:
			best = sel
		}
	}
	if !found {
		return Selection{}, fmt.Errorf("%w: %d cents", ErrNoViableToken, valueUSD)
	}
	return best, nil
}

// currencyTarget is the intent value in marketplace currency units.
func (v *Vault) currencyTarget(valueUSD uint64) (*big.Int, error) {
	cfg := v.settings.Load()
	usd := pricing.ScaleDecimals(new(big.Int).SetUint64(valueUSD), USDDecimals, cfg.PriceAskDecimals)
	return v.quoter.QuoteInCurrency(usd, cfg.Currency)
}

// evaluate validates one candidate: it must be supported, freshly priced, held
// in the vault for the buffered amount, and convertible into the marketplace
// currency for no more than that buffer.
func (v *Vault) evaluate(token common.Address, valueUSD uint64, target *big.Int) (Selection, error) {
	st, ok := v.supportedToken(token)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, token.Hex())
	}
	price, err := v.prices.GetPriceNoOlderThan(st.FeedID, oracle.MaxPriceAge)
	if err != nil {
		return Selection{}, err
	}
	decimals, err := v.tokens.Decimals(token)
	if err != nil {
		return Selection{}, err
	}
	price18 := pricing.Normalize18(price.Price, price.Decimals)
	amount, err := pricing.USDToToken(new(big.Int).SetUint64(valueUSD), USDDecimals, price18, pricing.NormalizedDecimals, decimals)
	if err != nil {
		return Selection{}, err
	}
	buffered := pricing.AddBps(amount, v.slippageBps)
	if buffered.Sign() == 0 {
		return Selection{}, fmt.Errorf("%w: %s converts to zero", ErrNoViableToken, token.Hex())
	}
	if v.tokens.BalanceOf(token, v.address).Cmp(buffered) < 0 {
		return Selection{}, fmt.Errorf("%w: %s balance below %s", ErrNoViableToken, token.Hex(), buffered)
	}
	sel := Selection{Token: token, Amount: buffered, Price: price18}
	if token == v.settings.Load().Currency {
		sel.Direct = true
		sel.Estimate = amount
		return sel, nil
	}
	preview, err := v.swaps.PreviewSwapIn(token, v.settings.Load().Currency, target)
	if err != nil {
		return Selection{}, err
	}
	if !preview.HasValidRoute || preview.AmountIn == nil || preview.AmountIn.Sign() == 0 {
		return Selection{}, fmt.Errorf("%w: no route from %s", ErrNoViableToken, token.Hex())
	}
	if preview.AmountIn.Cmp(buffered) > 0 {
		return Selection{}, fmt.Errorf("%w: %s needs %s, budget %s", ErrNoViableToken, token.Hex(), preview.AmountIn, buffered)
	}
	sel.Estimate = new(big.Int).Set(preview.AmountIn)
	sel.DeviationBps = costDeviation(sel.Estimate, buffered)
	return sel, nil
}

// costDeviation is the distance in basis points between a swap estimate and
// the buffered budget, measured against the budget in both directions.
func costDeviation(estimate, buffered *big.Int) uint64 {
	if buffered.Sign() == 0 {
		return math.MaxUint64
	}
	diff := new(big.Int)
	if estimate.Cmp(buffered) >= 0 {
		diff.Sub(estimate, buffered)
	} else {
		diff.Sub(buffered, estimate)
	}
	bps := pricing.MulDiv(diff, big.NewInt(pricing.BasisPoints), buffered)
	if !bps.IsUint64() {
		return math.MaxUint64
	}
	return bps.Uint64()
}
