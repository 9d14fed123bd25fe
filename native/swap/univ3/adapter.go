// Package univ3 adapts a concentrated-liquidity style venue to the swap
// aggregator. Routes are admin-configured multi-hop paths or, when none are
// configured for a pair, single-hop paths over the default fee tiers.
package univ3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/core/types"
	"sharemarket/native/bank"
	"sharemarket/native/settings"
	"sharemarket/native/swap"
)

// DefaultFeeTiers are tried when a pair has no custom route.
var DefaultFeeTiers = []uint32{100, 500, 3000, 10000}

const EventTypeRoutesUpdated = "univ3.routes_updated"

// Quoter prices paths without executing them. A zero result means the path
// has no pool.
type Quoter interface {
	QuoteExactInput(path []byte, amountIn *big.Int) (*big.Int, error)
	QuoteExactOutput(path []byte, amountOut *big.Int) (*big.Int, error)
}

// Router executes swaps along packed paths.
type Router interface {
	Address() common.Address
	ExactInput(ctx context.Context, p ExactInputParams) (*big.Int, error)
	ExactOutput(ctx context.Context, p ExactOutputParams) (*big.Int, error)
}

// quoteData is the opaque payload returned with a quote and replayed into the
// matching swap.
type quoteData struct {
	Path   []byte
	Amount *big.Int
}

type pairKey struct {
	tokenIn  common.Address
	tokenOut common.Address
}

// Adapter implements swap.Adapter over a Quoter and Router.
type Adapter struct {
	host     *state.Host
	name     string
	address  common.Address
	tokens   bank.Tokens
	auth     swap.Authorizer
	quoter   Quoter
	router   Router
	feeTiers []uint32
	routes   map[pairKey][][]byte
}

var _ swap.Adapter = (*Adapter)(nil)

// NewAdapter constructs an adapter holding tokens in flight under address.
func NewAdapter(host *state.Host, name string, address common.Address, tokens bank.Tokens, auth swap.Authorizer, quoter Quoter, router Router) *Adapter {
	return &Adapter{
		host:     host,
		name:     strings.TrimSpace(name),
		address:  address,
		tokens:   tokens,
		auth:     auth,
		quoter:   quoter,
		router:   router,
		feeTiers: append([]uint32(nil), DefaultFeeTiers...),
		routes:   make(map[pairKey][][]byte),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Spender() common.Address { return a.address }

// SetRoutes replaces the custom routes for tokenIn -> tokenOut. An empty list
// restores the default fee tiers for the pair.
func (a *Adapter) SetRoutes(ctx context.Context, caller, tokenIn, tokenOut common.Address, routes []Route) error {
	paths := make([][]byte, 0, len(routes))
	for _, r := range routes {
		path, err := EncodePath(r)
		if err != nil {
			return err
		}
		if r.First() != tokenIn || r.Last() != tokenOut {
			return fmt.Errorf("%w: route does not connect %s to %s", ErrInvalidPath, tokenIn.Hex(), tokenOut.Hex())
		}
		paths = append(paths, path)
	}
	return a.host.Transact(ctx, "univ3.SetRoutes", func(ctx context.Context) error {
		if err := a.auth.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		key := pairKey{tokenIn: tokenIn, tokenOut: tokenOut}
		if len(paths) == 0 {
			state.MapDelete(a.host.Journal(), a.routes, key)
		} else {
			state.MapSet(a.host.Journal(), a.routes, key, paths)
		}
		a.host.Emit(events.Wrap(&types.Event{
			Type: EventTypeRoutesUpdated,
			Attributes: map[string]string{
				"adapter":  a.name,
				"tokenIn":  tokenIn.Hex(),
				"tokenOut": tokenOut.Hex(),
				"routes":   fmt.Sprintf("%d", len(paths)),
			},
		}))
		return nil
	})
}

// Routes returns the decoded custom routes of a pair.
func (a *Adapter) Routes(tokenIn, tokenOut common.Address) []Route {
	var out []Route
	for _, path := range a.routes[pairKey{tokenIn: tokenIn, tokenOut: tokenOut}] {
		if r, err := DecodePath(path); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// candidatePaths returns forward-encoded paths for the pair.
func (a *Adapter) candidatePaths(tokenIn, tokenOut common.Address) [][]byte {
	if custom, ok := a.routes[pairKey{tokenIn: tokenIn, tokenOut: tokenOut}]; ok {
		return custom
	}
	paths := make([][]byte, 0, len(a.feeTiers))
	for _, fee := range a.feeTiers {
		path, err := EncodePath(Route{Tokens: []common.Address{tokenIn, tokenOut}, Fees: []uint32{fee}})
		if err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func reversePath(path []byte) ([]byte, error) {
	r, err := DecodePath(path)
	if err != nil {
		return nil, err
	}
	return EncodePath(r.Reverse())
}

func encodeQuote(path []byte, amount *big.Int) ([]byte, error) {
	return rlp.EncodeToBytes(quoteData{Path: path, Amount: amount})
}

func decodeQuote(data []byte) (quoteData, error) {
	var q quoteData
	if err := rlp.DecodeBytes(data, &q); err != nil {
		return quoteData{}, fmt.Errorf("univ3: decode quote data: %w", err)
	}
	return q, nil
}

// QuoteSwapOut picks the path returning the most tokenOut for amountIn.
func (a *Adapter) QuoteSwapOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (swap.Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return swap.Quote{}, swap.ErrInvalidAmount
	}
	var bestPath []byte
	var best *big.Int
	for _, path := range a.candidatePaths(tokenIn, tokenOut) {
		out, err := a.quoter.QuoteExactInput(path, amountIn)
		if err != nil {
			slog.Debug("univ3: quote failed", "adapter", a.name, "error", err)
			continue
		}
		if out == nil || out.Sign() == 0 {
			continue
		}
		if best == nil || out.Cmp(best) > 0 {
			best, bestPath = out, path
		}
	}
	if best == nil {
		return swap.Quote{HasValidRoute: false}, nil
	}
	data, err := encodeQuote(bestPath, best)
	if err != nil {
		return swap.Quote{}, err
	}
	return swap.Quote{HasValidRoute: true, AmountIn: new(big.Int).Set(amountIn), AmountOut: best, Data: data}, nil
}

// QuoteSwapIn picks the path needing the least tokenIn for exactly amountOut.
// The quote data carries the path in exact-output order.
func (a *Adapter) QuoteSwapIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (swap.Quote, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return swap.Quote{}, swap.ErrInvalidAmount
	}
	var bestPath []byte
	var best *big.Int
	for _, forward := range a.candidatePaths(tokenIn, tokenOut) {
		path, err := reversePath(forward)
		if err != nil {
			continue
		}
		in, err := a.quoter.QuoteExactOutput(path, amountOut)
		if err != nil {
			slog.Debug("univ3: quote failed", "adapter", a.name, "error", err)
			continue
		}
		if in == nil || in.Sign() == 0 {
			continue
		}
		if best == nil || in.Cmp(best) < 0 {
			best, bestPath = in, path
		}
	}
	if best == nil {
		return swap.Quote{HasValidRoute: false}, nil
	}
	data, err := encodeQuote(bestPath, best)
	if err != nil {
		return swap.Quote{}, err
	}
	return swap.Quote{HasValidRoute: true, AmountIn: best, AmountOut: new(big.Int).Set(amountOut), Data: data}, nil
}

// resolvePath replays the quoted path when supplied and re-quotes otherwise.
func (a *Adapter) resolvePath(data []byte, first, last common.Address, requote func() (swap.Quote, error)) ([]byte, error) {
	if len(data) == 0 {
		q, err := requote()
		if err != nil {
			return nil, err
		}
		if !q.HasValidRoute {
			return nil, swap.ErrNoValidRoute
		}
		data = q.Data
	}
	q, err := decodeQuote(data)
	if err != nil {
		return nil, err
	}
	r, err := DecodePath(q.Path)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(r.First().Bytes(), first.Bytes()) || !bytes.Equal(r.Last().Bytes(), last.Bytes()) {
		return nil, fmt.Errorf("%w: quoted path does not match the swap tokens", ErrInvalidPath)
	}
	return q.Path, nil
}

// SwapOut sells exactly AmountIn and fails closed below MinAmountOut.
func (a *Adapter) SwapOut(ctx context.Context, p swap.SwapOutParams) (*big.Int, error) {
	var out *big.Int
	err := a.host.Transact(ctx, "univ3.SwapOut", func(ctx context.Context) error {
		path, err := a.resolvePath(p.Data, p.TokenIn, p.TokenOut, func() (swap.Quote, error) {
			return a.QuoteSwapOut(p.TokenIn, p.TokenOut, p.AmountIn)
		})
		if err != nil {
			return err
		}
		if err := a.tokens.TransferFrom(ctx, p.TokenIn, a.address, p.Payer, a.address, p.AmountIn); err != nil {
			return err
		}
		if err := a.tokens.Approve(ctx, p.TokenIn, a.address, a.router.Address(), p.AmountIn); err != nil {
			return err
		}
		minOut := p.MinAmountOut
		if minOut == nil {
			minOut = big.NewInt(0)
		}
		out, err = a.router.ExactInput(ctx, ExactInputParams{
			Payer:            a.address,
			Recipient:        p.Recipient,
			Path:             path,
			AmountIn:         p.AmountIn,
			AmountOutMinimum: minOut,
		})
		if err != nil {
			return err
		}
		if out.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: %s below %s", swap.ErrInsufficientOutputAmount, out, minOut)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SwapIn buys exactly AmountOut, fails closed above MaxAmountIn and refunds
// the unspent input to the payer.
func (a *Adapter) SwapIn(ctx context.Context, p swap.SwapInParams) (*big.Int, error) {
	if p.MaxAmountIn == nil || p.MaxAmountIn.Sign() <= 0 {
		return nil, swap.ErrInvalidAmount
	}
	var spent *big.Int
	err := a.host.Transact(ctx, "univ3.SwapIn", func(ctx context.Context) error {
		path, err := a.resolvePath(p.Data, p.TokenOut, p.TokenIn, func() (swap.Quote, error) {
			return a.QuoteSwapIn(p.TokenIn, p.TokenOut, p.AmountOut)
		})
		if err != nil {
			return err
		}
		if err := a.tokens.TransferFrom(ctx, p.TokenIn, a.address, p.Payer, a.address, p.MaxAmountIn); err != nil {
			return err
		}
		if err := a.tokens.Approve(ctx, p.TokenIn, a.address, a.router.Address(), p.MaxAmountIn); err != nil {
			return err
		}
		spent, err = a.router.ExactOutput(ctx, ExactOutputParams{
			Payer:           a.address,
			Recipient:       p.Recipient,
			Path:            path,
			AmountOut:       p.AmountOut,
			AmountInMaximum: p.MaxAmountIn,
		})
		if err != nil {
			return err
		}
		if spent.Cmp(p.MaxAmountIn) > 0 {
			return fmt.Errorf("%w: %s above %s", swap.ErrExceededMaxAmount, spent, p.MaxAmountIn)
		}
		if err := a.tokens.Approve(ctx, p.TokenIn, a.address, a.router.Address(), big.NewInt(0)); err != nil {
			return err
		}
		if refund := new(big.Int).Sub(p.MaxAmountIn, spent); refund.Sign() > 0 {
			return a.tokens.Transfer(ctx, p.TokenIn, a.address, p.Payer, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spent, nil
}
