package univ3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/core/types"
	"sharemarket/native/bank"
	"sharemarket/native/swap"
)

// FeeDenominator expresses fee tiers in hundredths of a basis point.
const FeeDenominator = 1_000_000

const (
	EventTypePoolCreated    = "univ3.pool_created"
	EventTypeLiquidityAdded = "univ3.liquidity_added"
	EventTypePoolSwap       = "univ3.swap"
)

var (
	ErrPoolNotFound        = errors.New("univ3: pool not found")
	ErrInvalidFee          = errors.New("univ3: fee tier out of range")
	ErrInvalidLiquidity    = errors.New("univ3: liquidity must be positive")
	ErrInsufficientReserve = errors.New("univ3: output exceeds pool reserve")
	ErrAmountOverflow      = errors.New("univ3: amount overflows 256 bits")
)

// PoolKey identifies a pool by its sorted token pair and fee tier.
type PoolKey struct {
	Token0 common.Address
	Token1 common.Address
	Fee    uint32
}

// NewPoolKey sorts the pair.
func NewPoolKey(a, b common.Address, fee uint32) PoolKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return PoolKey{Token0: a, Token1: b, Fee: fee}
}

type pool struct {
	reserve0 *uint256.Int
	reserve1 *uint256.Int
}

// ExactInputParams mirrors the router's exact-input call.
type ExactInputParams struct {
	Payer            common.Address
	Recipient        common.Address
	Path             []byte
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// ExactOutputParams mirrors the router's exact-output call. Path is encoded
// from the output token back to the input token.
type ExactOutputParams struct {
	Payer           common.Address
	Recipient       common.Address
	Path            []byte
	AmountOut       *big.Int
	AmountInMaximum *big.Int
}

// Venue is a set of constant-product pools with fee tiers. It serves as both
// the quoter and the swap router consumed by the adapter.
type Venue struct {
	host    *state.Host
	address common.Address
	tokens  bank.Tokens
	pools   map[PoolKey]pool
}

// NewVenue constructs an empty venue holding pool reserves under address.
func NewVenue(host *state.Host, address common.Address, tokens bank.Tokens) *Venue {
	return &Venue{host: host, address: address, tokens: tokens, pools: make(map[PoolKey]pool)}
}

// Address is the router account payers approve.
func (v *Venue) Address() common.Address { return v.address }

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, swap.ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// AddLiquidity creates the pool if needed and deposits both tokens from
// provider, who must have approved the venue.
func (v *Venue) AddLiquidity(ctx context.Context, provider, tokenA, tokenB common.Address, fee uint32, amountA, amountB *big.Int) error {
	if fee == 0 || fee >= FeeDenominator {
		return fmt.Errorf("%w: %d", ErrInvalidFee, fee)
	}
	if tokenA == tokenB {
		return fmt.Errorf("univ3: identical tokens")
	}
	a, err := toU256(amountA)
	if err != nil {
		return err
	}
	b, err := toU256(amountB)
	if err != nil {
		return err
	}
	if a.IsZero() || b.IsZero() {
		return ErrInvalidLiquidity
	}
	return v.host.Transact(ctx, "univ3.AddLiquidity", func(ctx context.Context) error {
		if err := v.tokens.TransferFrom(ctx, tokenA, v.address, provider, v.address, amountA); err != nil {
			return err
		}
		if err := v.tokens.TransferFrom(ctx, tokenB, v.address, provider, v.address, amountB); err != nil {
			return err
		}
		key := NewPoolKey(tokenA, tokenB, fee)
		p, exists := v.pools[key]
		if !exists {
			p = pool{reserve0: new(uint256.Int), reserve1: new(uint256.Int)}
			v.host.Emit(newPoolEvent(EventTypePoolCreated, key, provider))
		}
		add0, add1 := a, b
		if key.Token0 != tokenA {
			add0, add1 = b, a
		}
		next := pool{
			reserve0: new(uint256.Int).Add(p.reserve0, add0),
			reserve1: new(uint256.Int).Add(p.reserve1, add1),
		}
		state.MapSet(v.host.Journal(), v.pools, key, next)
		v.host.Emit(newPoolEvent(EventTypeLiquidityAdded, key, provider))
		return nil
	})
}

// Reserves returns the reserves of tokenIn and tokenOut in a pool.
func (v *Venue) Reserves(tokenIn, tokenOut common.Address, fee uint32) (*big.Int, *big.Int, bool) {
	key := NewPoolKey(tokenIn, tokenOut, fee)
	p, ok := v.pools[key]
	if !ok {
		return nil, nil, false
	}
	if key.Token0 == tokenIn {
		return p.reserve0.ToBig(), p.reserve1.ToBig(), true
	}
	return p.reserve1.ToBig(), p.reserve0.ToBig(), true
}

func (v *Venue) reserves(h Hop) (rIn, rOut *uint256.Int, ok bool) {
	key := NewPoolKey(h.TokenIn, h.TokenOut, h.Fee)
	p, ok := v.pools[key]
	if !ok {
		return nil, nil, false
	}
	if key.Token0 == h.TokenIn {
		return p.reserve0, p.reserve1, true
	}
	return p.reserve1, p.reserve0, true
}

// amountOut is the constant-product output for amountIn after the fee.
func amountOut(amountIn, rIn, rOut *uint256.Int, fee uint32) *uint256.Int {
	inWithFee, overflow := new(uint256.Int).MulDivOverflow(amountIn, uint256.NewInt(uint64(FeeDenominator-fee)), uint256.NewInt(1))
	if overflow {
		return new(uint256.Int)
	}
	den, overflow := new(uint256.Int).MulDivOverflow(rIn, uint256.NewInt(FeeDenominator), uint256.NewInt(1))
	if overflow {
		return new(uint256.Int)
	}
	den.Add(den, inWithFee)
	out, overflow := new(uint256.Int).MulDivOverflow(inWithFee, rOut, den)
	if overflow {
		return new(uint256.Int)
	}
	return out
}

// amountIn is the input required for exactly out, rounded up. It returns false
// when the pool cannot provide out.
func amountIn(out, rIn, rOut *uint256.Int, fee uint32) (*uint256.Int, bool) {
	if out.Cmp(rOut) >= 0 {
		return nil, false
	}
	num, overflow := new(uint256.Int).MulDivOverflow(rIn, out, uint256.NewInt(1))
	if overflow {
		return nil, false
	}
	den := new(uint256.Int).Sub(rOut, out)
	den, overflow = new(uint256.Int).MulDivOverflow(den, uint256.NewInt(uint64(FeeDenominator-fee)), uint256.NewInt(1))
	if overflow {
		return nil, false
	}
	in, overflow := new(uint256.Int).MulDivOverflow(num, uint256.NewInt(FeeDenominator), den)
	if overflow {
		return nil, false
	}
	return in.AddUint64(in, 1), true
}

type step struct {
	hop Hop
	in  *uint256.Int
	out *uint256.Int
}

func (v *Venue) simulateExactInput(path []byte, in *big.Int) ([]step, error) {
	route, err := DecodePath(path)
	if err != nil {
		return nil, err
	}
	amt, err := toU256(in)
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(route.Fees))
	for _, h := range route.Hops() {
		rIn, rOut, ok := v.reserves(h)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s fee %d", ErrPoolNotFound, h.TokenIn.Hex(), h.TokenOut.Hex(), h.Fee)
		}
		out := amountOut(amt, rIn, rOut, h.Fee)
		steps = append(steps, step{hop: h, in: amt, out: out})
		amt = out
	}
	return steps, nil
}

// simulateExactOutput walks a reversed path from the output token back to the
// input and returns the steps in swap order.
func (v *Venue) simulateExactOutput(path []byte, out *big.Int) ([]step, error) {
	reversed, err := DecodePath(path)
	if err != nil {
		return nil, err
	}
	amt, err := toU256(out)
	if err != nil {
		return nil, err
	}
	route := reversed.Reverse()
	hops := route.Hops()
	steps := make([]step, len(hops))
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		rIn, rOut, ok := v.reserves(h)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s fee %d", ErrPoolNotFound, h.TokenIn.Hex(), h.TokenOut.Hex(), h.Fee)
		}
		in, ok := amountIn(amt, rIn, rOut, h.Fee)
		if !ok {
			return nil, ErrInsufficientReserve
		}
		steps[i] = step{hop: h, in: in, out: amt}
		amt = in
	}
	return steps, nil
}

// QuoteExactInput returns the output of swapping amountIn along path. Missing
// pools quote zero.
func (v *Venue) QuoteExactInput(path []byte, amountIn *big.Int) (*big.Int, error) {
	steps, err := v.simulateExactInput(path, amountIn)
	if errors.Is(err, ErrPoolNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return steps[len(steps)-1].out.ToBig(), nil
}

// QuoteExactOutput returns the input needed for exactly amountOut along a
// reversed path. Missing pools and exhausted reserves quote zero.
func (v *Venue) QuoteExactOutput(path []byte, amountOut *big.Int) (*big.Int, error) {
	steps, err := v.simulateExactOutput(path, amountOut)
	if errors.Is(err, ErrPoolNotFound) || errors.Is(err, ErrInsufficientReserve) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return steps[0].in.ToBig(), nil
}

// ExactInput swaps exactly AmountIn pulled from Payer and sends the output to
// Recipient.
func (v *Venue) ExactInput(ctx context.Context, p ExactInputParams) (*big.Int, error) {
	var out *big.Int
	err := v.host.Transact(ctx, "univ3.ExactInput", func(ctx context.Context) error {
		route, err := DecodePath(p.Path)
		if err != nil {
			return err
		}
		received, err := v.pull(ctx, route.First(), p.Payer, p.AmountIn)
		if err != nil {
			return err
		}
		steps, err := v.simulateExactInput(p.Path, received)
		if err != nil {
			return err
		}
		out = steps[len(steps)-1].out.ToBig()
		if p.AmountOutMinimum != nil && out.Cmp(p.AmountOutMinimum) < 0 {
			return fmt.Errorf("%w: %s below %s", swap.ErrInsufficientOutputAmount, out, p.AmountOutMinimum)
		}
		v.apply(steps, p.Recipient)
		return v.tokens.Transfer(ctx, route.Last(), v.address, p.Recipient, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExactOutput swaps the input required for exactly AmountOut, pulled from
// Payer, and sends AmountOut to Recipient.
func (v *Venue) ExactOutput(ctx context.Context, p ExactOutputParams) (*big.Int, error) {
	var in *big.Int
	err := v.host.Transact(ctx, "univ3.ExactOutput", func(ctx context.Context) error {
		steps, err := v.simulateExactOutput(p.Path, p.AmountOut)
		if err != nil {
			return err
		}
		in = steps[0].in.ToBig()
		if p.AmountInMaximum != nil && in.Cmp(p.AmountInMaximum) > 0 {
			return fmt.Errorf("%w: needs %s, maximum %s", swap.ErrExceededMaxAmount, in, p.AmountInMaximum)
		}
		received, err := v.pull(ctx, steps[0].hop.TokenIn, p.Payer, in)
		if err != nil {
			return err
		}
		if received.Cmp(in) < 0 {
			return fmt.Errorf("univ3: received %s of %s input", received, in)
		}
		v.apply(steps, p.Recipient)
		return v.tokens.Transfer(ctx, steps[len(steps)-1].hop.TokenOut, v.address, p.Recipient, p.AmountOut)
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// pull moves amount of token from payer into the venue and returns what was
// actually received.
func (v *Venue) pull(ctx context.Context, token, payer common.Address, amount *big.Int) (*big.Int, error) {
	before := v.tokens.BalanceOf(token, v.address)
	if err := v.tokens.TransferFrom(ctx, token, v.address, payer, v.address, amount); err != nil {
		return nil, err
	}
	return new(big.Int).Sub(v.tokens.BalanceOf(token, v.address), before), nil
}

func (v *Venue) apply(steps []step, recipient common.Address) {
	for _, s := range steps {
		key := NewPoolKey(s.hop.TokenIn, s.hop.TokenOut, s.hop.Fee)
		p := v.pools[key]
		next := pool{reserve0: new(uint256.Int).Set(p.reserve0), reserve1: new(uint256.Int).Set(p.reserve1)}
		if key.Token0 == s.hop.TokenIn {
			next.reserve0.Add(next.reserve0, s.in)
			next.reserve1.Sub(next.reserve1, s.out)
		} else {
			next.reserve1.Add(next.reserve1, s.in)
			next.reserve0.Sub(next.reserve0, s.out)
		}
		state.MapSet(v.host.Journal(), v.pools, key, next)
		v.host.Emit(events.Wrap(&types.Event{
			Type: EventTypePoolSwap,
			Attributes: map[string]string{
				"tokenIn":   s.hop.TokenIn.Hex(),
				"tokenOut":  s.hop.TokenOut.Hex(),
				"fee":       strconv.FormatUint(uint64(s.hop.Fee), 10),
				"amountIn":  s.in.Dec(),
				"amountOut": s.out.Dec(),
				"recipient": recipient.Hex(),
			},
		}))
	}
}

func newPoolEvent(eventType string, key PoolKey, provider common.Address) events.Payload {
	return events.Wrap(&types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"token0":   key.Token0.Hex(),
			"token1":   key.Token1.Hex(),
			"fee":      strconv.FormatUint(uint64(key.Fee), 10),
			"provider": provider.Hex(),
		},
	})
}
