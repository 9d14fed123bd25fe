package funds

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fund is one escrowed contribution owed to a participant of an initial sale.
type Fund struct {
	Buyer            common.Address
	Operator         common.Address
	Participant      common.Address
	IsProxyOperation bool
	Amount           *big.Int
	Currency         common.Address
	PayoutCurrency   common.Address
	SlippageBps      uint32
	CreatedAt        int64
}

// Clone returns a deep copy of the fund.
func (f Fund) Clone() Fund {
	clone := f
	if f.Amount != nil {
		clone.Amount = new(big.Int).Set(f.Amount)
	}
	return clone
}

// RefundTo is the account a cancelled fund is returned to.
func (f Fund) RefundTo() common.Address {
	if f.IsProxyOperation {
		return f.Buyer
	}
	return f.Operator
}

// Amount is the running total escrowed for one participant of one release.
type Amount struct {
	Value    *big.Int
	Currency common.Address
}

// Clone returns a deep copy of the amount.
func (a Amount) Clone() Amount {
	clone := a
	if a.Value != nil {
		clone.Value = new(big.Int).Set(a.Value)
	}
	return clone
}

// ClaimResult reports a completed claim.
type ClaimResult struct {
	ReleaseID      uint64
	Participant    common.Address
	Amount         Amount
	PaidCurrency   common.Address
	PaidAmount     *big.Int
	SwapRequested  bool
	SwapSuccessful bool
}
