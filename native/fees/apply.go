package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BasisPoints is the denominator of every fee percentage.
const BasisPoints = 10_000

var (
	// ErrFeesTooHigh indicates the parent fees of a fee table exceed 100%.
	ErrFeesTooHigh = errors.New("fees: total fee exceeds 10000 bps")
	// ErrSubFeesTooHigh indicates the sub-receivers of one distribution exceed 100% of the parent fee.
	ErrSubFeesTooHigh = errors.New("fees: sub fees exceed 10000 bps of the parent fee")
)

// Receiver is a single fee beneficiary. Value is expressed in basis points of
// the gross amount for a parent receiver, and of the parent fee for a
// sub-receiver.
type Receiver struct {
	Address        common.Address `json:"address" yaml:"address" toml:"address"`
	PayoutCurrency common.Address `json:"payoutCurrency" yaml:"payout_currency" toml:"payout_currency"`
	Value          uint32         `json:"value" yaml:"value" toml:"value"`
}

// Distribution is one node of the fee tree: a parent receiver and the receivers
// that split the parent's fee.
type Distribution struct {
	Receiver        Receiver   `json:"receiver" yaml:"receiver" toml:"receiver"`
	SubFeeReceivers []Receiver `json:"subFeeReceivers" yaml:"sub_fee_receivers" toml:"sub_fee_receivers"`
}

// Clone returns a deep copy of the distribution.
func (d Distribution) Clone() Distribution {
	clone := Distribution{Receiver: d.Receiver}
	if len(d.SubFeeReceivers) > 0 {
		clone.SubFeeReceivers = append([]Receiver(nil), d.SubFeeReceivers...)
	}
	return clone
}

// CloneAll deep-copies a fee table.
func CloneAll(dists []Distribution) []Distribution {
	if len(dists) == 0 {
		return nil
	}
	out := make([]Distribution, len(dists))
	for i, d := range dists {
		out[i] = d.Clone()
	}
	return out
}

// Validate checks that the parent fees of the table never exceed 100% and that
// the sub-receivers of each distribution never exceed 100% of their parent.
// The two checks are independent.
func Validate(dists []Distribution) error {
	var total uint64
	for i, dist := range dists {
		total += uint64(dist.Receiver.Value)
		var sub uint64
		for _, r := range dist.SubFeeReceivers {
			sub += uint64(r.Value)
		}
		if sub > BasisPoints {
			return fmt.Errorf("%w: distribution %d sums to %d", ErrSubFeesTooHigh, i, sub)
		}
	}
	if total > BasisPoints {
		return fmt.Errorf("%w: %d", ErrFeesTooHigh, total)
	}
	return nil
}

// Share is the amount owed to one receiver of a calculated fee split.
type Share struct {
	Receiver Receiver
	Amount   *big.Int
	// Parent is true for the parent receiver of a distribution.
	Parent bool
}

// Result summarises a fee calculation. Total is the sum of every parent fee;
// the seller is owed Amount - Total.
type Result struct {
	Total  *big.Int
	Shares []Share
}

// Remainder returns the amount left for the seller.
func (r Result) Remainder(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(amount, r.Total)
}

// Calculate splits amount across the fee table. Each parent fee is
// amount*value/10000; each sub fee is parentFee*value/10000. The parent
// receiver is paid what remains of its fee after the sub fees, so the shares of
// one distribution always sum exactly to its parent fee. Shares are returned
// parent first, followed by its sub-receivers, distribution by distribution.
func Calculate(dists []Distribution, amount *big.Int) Result {
	result := Result{Total: big.NewInt(0)}
	if amount == nil || amount.Sign() <= 0 {
		return result
	}
	bps := big.NewInt(BasisPoints)
	for _, dist := range dists {
		parentFee := new(big.Int).Mul(amount, big.NewInt(int64(dist.Receiver.Value)))
		parentFee.Quo(parentFee, bps)
		result.Total.Add(result.Total, parentFee)

		remaining := new(big.Int).Set(parentFee)
		subs := make([]Share, 0, len(dist.SubFeeReceivers))
		for _, r := range dist.SubFeeReceivers {
			subFee := new(big.Int).Mul(parentFee, big.NewInt(int64(r.Value)))
			subFee.Quo(subFee, bps)
			remaining.Sub(remaining, subFee)
			subs = append(subs, Share{Receiver: r, Amount: subFee})
		}
		result.Shares = append(result.Shares, Share{Receiver: dist.Receiver, Amount: remaining, Parent: true})
		result.Shares = append(result.Shares, subs...)
	}
	return result
}
