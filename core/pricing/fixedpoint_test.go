package pricing

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScaleDecimalsTruncates(t *testing.T) {
	require.Equal(t, "1234", ScaleDecimals(big.NewInt(123456), 4, 2).String())
	require.Equal(t, "123456000", ScaleDecimals(big.NewInt(123456), 2, 5).String())
	require.Equal(t, "0", ScaleDecimals(big.NewInt(99), 2, 0).String())
	require.Equal(t, "-1", ScaleDecimals(big.NewInt(-199), 2, 0).String())
}

func TestUSDToTokenStableAtParity(t *testing.T) {
	// 90.00 USD at a 1.00000000 price with an 8 decimal feed into a 6 decimal token.
	amount, err := USDToToken(big.NewInt(9000), 2, big.NewInt(100_000_000), 8, 6)
	require.NoError(t, err)
	require.Equal(t, "90000000", amount.String())
}

func TestUSDToTokenTruncatesAtBoundary(t *testing.T) {
	// 1 cent at 3 USD per token for a 0 decimal token is 0.0033.. which truncates to zero.
	amount, err := USDToToken(big.NewInt(1), 2, big.NewInt(3), 0, 0)
	require.NoError(t, err)
	require.Equal(t, "0", amount.String())

	// 10 USD at 3 USD per token for an 18 decimal token truncates the final digit.
	amount, err = USDToToken(big.NewInt(1000), 2, big.NewInt(300), 2, 18)
	require.NoError(t, err)
	require.Equal(t, "3333333333333333333", amount.String())
}

func TestUSDToTokenRejectsZeroPrice(t *testing.T) {
	_, err := USDToToken(big.NewInt(1), 2, big.NewInt(0), 8, 18)
	require.True(t, errors.Is(err, ErrZeroPrice))
}

func TestTokenToUSDRoundTrip(t *testing.T) {
	usd, err := TokenToUSD(big.NewInt(2_500_000), 6, big.NewInt(200_000_000), 8, 2)
	require.NoError(t, err)
	require.Equal(t, "500", usd.String())
}

func TestBpsHelpers(t *testing.T) {
	require.Equal(t, "100", ApplyBps(big.NewInt(1000), 1000).String())
	require.Equal(t, "1050", AddBps(big.NewInt(1000), 500).String())
	require.Equal(t, "950", SubBps(big.NewInt(1000), 500).String())
	require.Equal(t, "0", SubBps(big.NewInt(1000), 10_000).String())
}
