package swap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Quote is an adapter's best route for one swap. Data is opaque to callers and
// may be replayed verbatim into the matching execute call.
type Quote struct {
	HasValidRoute bool
	AmountIn      *big.Int
	AmountOut     *big.Int
	Data          []byte
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{HasValidRoute: q.HasValidRoute}
	if q.AmountIn != nil {
		clone.AmountIn = new(big.Int).Set(q.AmountIn)
	}
	if q.AmountOut != nil {
		clone.AmountOut = new(big.Int).Set(q.AmountOut)
	}
	if len(q.Data) > 0 {
		clone.Data = append([]byte(nil), q.Data...)
	}
	return clone
}

// SwapInParams requests exactly AmountOut of TokenOut for at most MaxAmountIn
// of TokenIn pulled from Payer.
type SwapInParams struct {
	Payer       common.Address
	Recipient   common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	AmountOut   *big.Int
	MaxAmountIn *big.Int
	Data        []byte
}

// SwapOutParams sells exactly AmountIn of TokenIn pulled from Payer for at
// least MinAmountOut of TokenOut.
type SwapOutParams struct {
	Payer        common.Address
	Recipient    common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Data         []byte
}

// Adapter quotes and executes swaps on one venue. Payers approve Spender for
// the input token before calling SwapIn or SwapOut.
type Adapter interface {
	Name() string
	Spender() common.Address
	QuoteSwapIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (Quote, error)
	QuoteSwapOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error)
	// SwapIn returns the input amount actually spent.
	SwapIn(ctx context.Context, p SwapInParams) (*big.Int, error)
	// SwapOut returns the output amount actually received by the recipient.
	SwapOut(ctx context.Context, p SwapOutParams) (*big.Int, error)
}
