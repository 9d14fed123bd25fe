package pricing

import (
	"errors"
	"math/big"
)

// NormalizedDecimals is the precision every oracle price is rescaled to before
// it is combined with marketplace amounts.
const NormalizedDecimals = 18

// BasisPoints is the denominator of every bps-denominated ratio.
const BasisPoints = 10_000

var (
	// ErrZeroPrice indicates a conversion was attempted against a zero price.
	ErrZeroPrice = errors.New("pricing: price must be positive")
	// ErrNegativeAmount indicates a negative amount was supplied.
	ErrNegativeAmount = errors.New("pricing: amount must be non-negative")
)

var powCache [78]*big.Int

func init() {
	ten := big.NewInt(10)
	powCache[0] = big.NewInt(1)
	for i := 1; i < len(powCache); i++ {
		powCache[i] = new(big.Int).Mul(powCache[i-1], ten)
	}
}

// Pow10 returns 10^n. The result must not be mutated.
func Pow10(n uint8) *big.Int {
	if int(n) < len(powCache) {
		return powCache[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ScaleDecimals rescales v from one fixed-point precision to another,
// truncating toward zero when precision is lost.
func ScaleDecimals(v *big.Int, from, to uint8) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	switch {
	case from == to:
		return new(big.Int).Set(v)
	case from < to:
		return new(big.Int).Mul(v, Pow10(to-from))
	default:
		return new(big.Int).Quo(v, Pow10(from-to))
	}
}

// MulDiv computes a*b/c with truncation toward zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// ApplyBps returns v*bps/10000.
func ApplyBps(v *big.Int, bps uint32) *big.Int {
	return MulDiv(v, new(big.Int).SetUint64(uint64(bps)), big.NewInt(BasisPoints))
}

// AddBps returns v*(10000+bps)/10000.
func AddBps(v *big.Int, bps uint32) *big.Int {
	return MulDiv(v, new(big.Int).SetUint64(uint64(BasisPoints)+uint64(bps)), big.NewInt(BasisPoints))
}

// SubBps returns v*(10000-bps)/10000. Values of bps above 10000 yield zero.
func SubBps(v *big.Int, bps uint32) *big.Int {
	if bps >= BasisPoints {
		return big.NewInt(0)
	}
	return MulDiv(v, new(big.Int).SetUint64(uint64(BasisPoints)-uint64(bps)), big.NewInt(BasisPoints))
}

// USDToToken converts a USD amount expressed with usdDecimals into the token
// amount at the supplied oracle price. Each step truncates toward zero: the USD
// amount and the price are normalised to 18 decimals, divided, and the result
// is rescaled to the token's own decimals.
func USDToToken(usd *big.Int, usdDecimals uint8, price *big.Int, priceDecimals uint8, tokenDecimals uint8) (*big.Int, error) {
	if usd == nil || usd.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	usd18 := ScaleDecimals(usd, usdDecimals, NormalizedDecimals)
	price18 := ScaleDecimals(price, priceDecimals, NormalizedDecimals)
	if price18.Sign() == 0 {
		return nil, ErrZeroPrice
	}
	amount18 := MulDiv(usd18, Pow10(NormalizedDecimals), price18)
	return ScaleDecimals(amount18, NormalizedDecimals, tokenDecimals), nil
}

// TokenToUSD is the inverse of USDToToken with the same truncation rules.
func TokenToUSD(amount *big.Int, tokenDecimals uint8, price *big.Int, priceDecimals uint8, usdDecimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	amount18 := ScaleDecimals(amount, tokenDecimals, NormalizedDecimals)
	price18 := ScaleDecimals(price, priceDecimals, NormalizedDecimals)
	usd18 := MulDiv(amount18, price18, Pow10(NormalizedDecimals))
	return ScaleDecimals(usd18, NormalizedDecimals, usdDecimals), nil
}

// Normalize18 rescales an oracle price to 18 decimals.
func Normalize18(price *big.Int, decimals uint8) *big.Int {
	return ScaleDecimals(price, decimals, NormalizedDecimals)
}
