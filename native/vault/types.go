package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// USDDecimals is the precision of intent values: whole cents.
const USDDecimals uint8 = 2

// IntentStatus is the lifecycle state of a purchase intent.
type IntentStatus uint8

const (
	IntentPending IntentStatus = iota
	IntentFunded
	IntentSettled
	// IntentExpired is never stored; Status derives it from a pending intent
	// whose expiry has passed.
	IntentExpired
	IntentCancelled
)

func (s IntentStatus) String() string {
	switch s {
	case IntentPending:
		return "PENDING"
	case IntentFunded:
		return "FUNDED"
	case IntentSettled:
		return "SETTLED"
	case IntentExpired:
		return "EXPIRED"
	case IntentCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Intent binds an off-chain fiat payment to treasury collateral released to a
// beneficiary wallet. DebitedTokenPrice is the 18-decimal USD price captured at
// execution and reused when the intent is settled.
type Intent struct {
	ID                 common.Hash
	Beneficiary        common.Address
	ValueUSD           uint64
	DebitedToken       common.Address
	DebitedTokenAmount *big.Int
	DebitedTokenPrice  *big.Int
	SettledUSD         uint64
	ExpiresAt          int64
	CreatedAt          int64
	UpdatedAt          int64
	Status             IntentStatus
	ExecutedAtBlock    uint64
}

// Clone returns a deep copy of the intent.
func (i Intent) Clone() Intent {
	clone := i
	if i.DebitedTokenAmount != nil {
		clone.DebitedTokenAmount = new(big.Int).Set(i.DebitedTokenAmount)
	}
	if i.DebitedTokenPrice != nil {
		clone.DebitedTokenPrice = new(big.Int).Set(i.DebitedTokenPrice)
	}
	return clone
}

// StatusAt derives the externally visible status at the given time.
func (i Intent) StatusAt(now int64) IntentStatus {
	if i.Status == IntentPending && now >= i.ExpiresAt {
		return IntentExpired
	}
	return i.Status
}

// IntentID derives the intent identifier from an off-chain payment reference
// so the backend can recompute it without storing a mapping.
func IntentID(reference string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("sharemarket/purchase-intent"), []byte(reference))
}

// SupportedToken is collateral the vault may release, priced by an oracle feed.
type SupportedToken struct {
	Token  common.Address
	FeedID common.Hash
}

// Selection is the token chosen to fund an intent.
type Selection struct {
	Token common.Address
	// Amount is the slippage-buffered token amount released to the beneficiary.
	Amount *big.Int
	// Estimate is the aggregator's swap input for the marketplace currency
	// worth of the intent, or the direct amount when no swap is needed.
	Estimate     *big.Int
	Price        *big.Int
	DeviationBps uint64
	Direct       bool
}

// SettleParams reports how much of an executed intent was spent. A shortfall
// against the intent value must be covered by RefundAmount of the debited
// token, valued at the execution price.
type SettleParams struct {
	IntentID     common.Hash
	SpentUSD     uint64
	RefundAmount *big.Int
}
