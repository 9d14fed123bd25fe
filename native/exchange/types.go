package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/native/fees"
)

// Release is the exchange-side record of a tradable share class.
type Release struct {
	ID             uint64
	AdditionalFees []fees.Distribution
	Initialized    bool
	Active         bool
	Cancelling     bool
}

// Clone returns a deep copy of the release.
func (r Release) Clone() Release {
	clone := r
	clone.AdditionalFees = fees.CloneAll(r.AdditionalFees)
	return clone
}

// Tradable reports whether listings and purchases are accepted.
func (r Release) Tradable() bool { return r.Initialized && r.Active && !r.Cancelling }

// InitialSale holds the terms of a release's bootstrapping sale. A zero
// WhitelistUntil with Whitelist set gates the whole sale.
type InitialSale struct {
	Active         bool
	Whitelist      bool
	StartTime      int64
	EndTime        int64
	WhitelistUntil int64
	MaxBuy         uint64
	Currency       common.Address
	Fees           []fees.Distribution
	Listings       []uint64
}

// Clone returns a deep copy of the sale.
func (s InitialSale) Clone() InitialSale {
	clone := s
	clone.Fees = fees.CloneAll(s.Fees)
	clone.Listings = append([]uint64(nil), s.Listings...)
	return clone
}

// WhitelistOpen reports whether the whitelist still gates purchases at now.
func (s InitialSale) WhitelistOpen(now int64) bool {
	return s.Whitelist && (s.WhitelistUntil == 0 || now < s.WhitelistUntil)
}

// SaleTier is one price bracket offered by an initial sale.
type SaleTier struct {
	Quantity     uint64
	PricePerItem *big.Int
}

// InitialSaleParams describes a new initial sale. Durations are in seconds.
type InitialSaleParams struct {
	ReleaseID          uint64
	Seller             common.Address
	Tiers              []SaleTier
	Duration           uint64
	Whitelist          bool
	WhitelistDuration  uint64
	WhitelistAddresses []common.Address
	MaxBuy             uint64
	Currency           common.Address
	Fees               []fees.Distribution
	PayoutCurrency     common.Address
	FundsReceiver      common.Address
}

// ListingParams describes a secondary-market listing.
type ListingParams struct {
	ReleaseID      uint64
	PricePerItem   *big.Int
	Quantity       uint64
	PayoutCurrency common.Address
	FundsReceiver  common.Address
	SlippageBps    uint32
}

// Receipt summarises a completed purchase.
type Receipt struct {
	ReleaseID   uint64
	Buyer       common.Address
	Operator    common.Address
	Quantity    uint64
	Currency    common.Address
	Cost        *big.Int
	CostUSD     *big.Int
	InitialSale bool
	Listings    []uint64
}

// CancelProgress reports the work done by one CancelRelease call.
type CancelProgress struct {
	Listings  uint64
	Funds     uint64
	Whitelist uint64
	Done      bool
}
