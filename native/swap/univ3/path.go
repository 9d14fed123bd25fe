package univ3

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	addrSize = common.AddressLength
	feeSize  = 3
	hopSize  = addrSize + feeSize
)

// MaxFee is the largest fee tier expressible in the packed path.
const MaxFee uint32 = 1<<24 - 1

var ErrInvalidPath = errors.New("univ3: invalid path")

// Hop is one pool traversal of a path.
type Hop struct {
	TokenIn  common.Address
	TokenOut common.Address
	Fee      uint32
}

// Route is a multi-hop route expressed as tokens and the fee tier of each pool
// between consecutive tokens.
type Route struct {
	Tokens []common.Address `json:"tokens" yaml:"tokens" toml:"tokens"`
	Fees   []uint32         `json:"fees" yaml:"fees" toml:"fees"`
}

// EncodePath packs a route as token(20) | fee(3) | token(20) | ...
func EncodePath(r Route) ([]byte, error) {
	if len(r.Tokens) < 2 || len(r.Fees) != len(r.Tokens)-1 {
		return nil, fmt.Errorf("%w: %d tokens with %d fees", ErrInvalidPath, len(r.Tokens), len(r.Fees))
	}
	out := make([]byte, 0, addrSize+hopSize*len(r.Fees))
	out = append(out, r.Tokens[0].Bytes()...)
	for i, fee := range r.Fees {
		if fee > MaxFee {
			return nil, fmt.Errorf("%w: fee %d", ErrInvalidPath, fee)
		}
		out = append(out, byte(fee>>16), byte(fee>>8), byte(fee))
		out = append(out, r.Tokens[i+1].Bytes()...)
	}
	return out, nil
}

// DecodePath unpacks a path into its route.
func DecodePath(path []byte) (Route, error) {
	if len(path) < addrSize+hopSize || (len(path)-addrSize)%hopSize != 0 {
		return Route{}, fmt.Errorf("%w: length %d", ErrInvalidPath, len(path))
	}
	r := Route{Tokens: []common.Address{common.BytesToAddress(path[:addrSize])}}
	for off := addrSize; off < len(path); off += hopSize {
		fee := uint32(path[off])<<16 | uint32(path[off+1])<<8 | uint32(path[off+2])
		r.Fees = append(r.Fees, fee)
		r.Tokens = append(r.Tokens, common.BytesToAddress(path[off+feeSize:off+hopSize]))
	}
	return r, nil
}

// Hops lists the pools traversed in order.
func (r Route) Hops() []Hop {
	hops := make([]Hop, len(r.Fees))
	for i, fee := range r.Fees {
		hops[i] = Hop{TokenIn: r.Tokens[i], TokenOut: r.Tokens[i+1], Fee: fee}
	}
	return hops
}

// Reverse returns the route traversed from the last token to the first. Exact
// output paths are encoded in this order.
func (r Route) Reverse() Route {
	out := Route{Tokens: make([]common.Address, len(r.Tokens)), Fees: make([]uint32, len(r.Fees))}
	for i, t := range r.Tokens {
		out.Tokens[len(r.Tokens)-1-i] = t
	}
	for i, f := range r.Fees {
		out.Fees[len(r.Fees)-1-i] = f
	}
	return out
}

// First returns the first token of the route.
func (r Route) First() common.Address { return r.Tokens[0] }

// Last returns the last token of the route.
func (r Route) Last() common.Address { return r.Tokens[len(r.Tokens)-1] }
