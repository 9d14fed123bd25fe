package orderbook

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// OptionalID is a listing reference that may be absent. It is used for the
// linked-list pointers so no real listing id doubles as a "null" marker.
type OptionalID struct {
	id    uint64
	valid bool
}

// Some wraps a present listing id.
func Some(id uint64) OptionalID { return OptionalID{id: id, valid: true} }

// None is the absent listing reference.
var None = OptionalID{}

// Get returns the id and whether it is present.
func (o OptionalID) Get() (uint64, bool) { return o.id, o.valid }

// IsSome reports whether the reference points at a listing.
func (o OptionalID) IsSome() bool { return o.valid }

// String renders the id or an empty string when absent.
func (o OptionalID) String() string {
	if !o.valid {
		return ""
	}
	return strconv.FormatUint(o.id, 10)
}

// Listing is a seller's standing offer of Quantity shares of a release at a
// USD price per share expressed with the marketplace price-ask decimals.
type Listing struct {
	ID             uint64
	ReleaseID      uint64
	Seller         common.Address
	PricePerItem   *big.Int
	PayoutCurrency common.Address
	Quantity       uint64
	CreatedAt      int64
	ModifiedAt     int64
	Next           OptionalID
	Prev           OptionalID
	SlippageBps    uint32
	FundsReceiver  common.Address
}

// Clone returns a deep copy of the listing.
func (l Listing) Clone() Listing {
	clone := l
	if l.PricePerItem != nil {
		clone.PricePerItem = new(big.Int).Set(l.PricePerItem)
	}
	return clone
}

// Recipient returns the account that receives the sale proceeds.
func (l Listing) Recipient() common.Address {
	if l.FundsReceiver != (common.Address{}) {
		return l.FundsReceiver
	}
	return l.Seller
}

// CreateParams describes a new listing.
type CreateParams struct {
	ReleaseID      uint64
	Seller         common.Address
	PricePerItem   *big.Int
	Quantity       uint64
	PayoutCurrency common.Address
	FundsReceiver  common.Address
	SlippageBps    uint32
}

// ModifyParams describes the new terms of an existing listing. A zero quantity
// removes the listing.
type ModifyParams struct {
	ListingID      uint64
	PricePerItem   *big.Int
	Quantity       uint64
	PayoutCurrency common.Address
	FundsReceiver  common.Address
	SlippageBps    uint32
}

// Fill is one listing matched by a purchase walk.
type Fill struct {
	ListingID      uint64
	Seller         common.Address
	Recipient      common.Address
	PayoutCurrency common.Address
	SlippageBps    uint32
	PricePerItem   *big.Int
	Quantity       uint64
	// CostUSD is PricePerItem*Quantity in price-ask decimals.
	CostUSD *big.Int
	// Cost is CostUSD converted into the release's active currency.
	Cost *big.Int
}

// Match is the result of walking the ordered listings of a release.
type Match struct {
	ReleaseID uint64
	Currency  common.Address
	Requested uint64
	Quantity  uint64
	Cost      *big.Int
	CostUSD   *big.Int
	Fills     []Fill
}

// Complete reports whether the walk satisfied the requested quantity.
func (m Match) Complete() bool { return m.Quantity == m.Requested }
