package fees

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	partner  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	referrer = common.HexToAddress("0x00000000000000000000000000000000000000f3")
)

func TestCalculateParentAndSubReceiver(t *testing.T) {
	dists := []Distribution{{
		Receiver:        Receiver{Address: treasury, Value: 1_000},
		SubFeeReceivers: []Receiver{{Address: partner, Value: 5_000}},
	}}
	res := Calculate(dists, big.NewInt(1_000))
	require.Equal(t, "100", res.Total.String())
	require.Len(t, res.Shares, 2)
	require.True(t, res.Shares[0].Parent)
	require.Equal(t, treasury, res.Shares[0].Receiver.Address)
	require.Equal(t, "50", res.Shares[0].Amount.String())
	require.Equal(t, "50", res.Shares[1].Amount.String())
	require.Equal(t, "900", res.Remainder(big.NewInt(1_000)).String())
}

func TestCalculateHasNoDust(t *testing.T) {
	dists := []Distribution{
		{
			Receiver: Receiver{Address: treasury, Value: 333},
			SubFeeReceivers: []Receiver{
				{Address: partner, Value: 3_333},
				{Address: referrer, Value: 3_333},
			},
		},
		{Receiver: Receiver{Address: partner, Value: 777}},
	}
	for _, amt := range []int64{1, 7, 99, 1_001, 123_457, 9_999_999} {
		amount := big.NewInt(amt)
		res := Calculate(dists, amount)
		parentFees := big.NewInt(0)
		for _, dist := range dists {
			fee := new(big.Int).Mul(amount, big.NewInt(int64(dist.Receiver.Value)))
			parentFees.Add(parentFees, fee.Quo(fee, big.NewInt(BasisPoints)))
		}
		shareSum := big.NewInt(0)
		for _, s := range res.Shares {
			require.GreaterOrEqual(t, s.Amount.Sign(), 0)
			shareSum.Add(shareSum, s.Amount)
		}
		require.Equal(t, parentFees.String(), shareSum.String(), "amount %d", amt)
		require.Equal(t, parentFees.String(), res.Total.String())
		total := new(big.Int).Add(res.Total, res.Remainder(amount))
		require.Equal(t, amount.String(), total.String())
	}
}

func TestCalculateOrdersSharesPerDistribution(t *testing.T) {
	dists := []Distribution{
		{Receiver: Receiver{Address: treasury, Value: 100}, SubFeeReceivers: []Receiver{{Address: referrer, Value: 100}}},
		{Receiver: Receiver{Address: partner, Value: 100}},
	}
	res := Calculate(dists, big.NewInt(1_000_000))
	require.Len(t, res.Shares, 3)
	require.Equal(t, treasury, res.Shares[0].Receiver.Address)
	require.Equal(t, referrer, res.Shares[1].Receiver.Address)
	require.Equal(t, partner, res.Shares[2].Receiver.Address)
	require.True(t, res.Shares[2].Parent)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate([]Distribution{
		{Receiver: Receiver{Value: 6_000}, SubFeeReceivers: []Receiver{{Value: 10_000}}},
		{Receiver: Receiver{Value: 4_000}},
	}))
	err := Validate([]Distribution{{Receiver: Receiver{Value: 6_000}}, {Receiver: Receiver{Value: 4_001}}})
	require.True(t, errors.Is(err, ErrFeesTooHigh))
	err = Validate([]Distribution{{Receiver: Receiver{Value: 10}, SubFeeReceivers: []Receiver{{Value: 9_000}, {Value: 1_001}}}})
	require.True(t, errors.Is(err, ErrSubFeesTooHigh))
}

func TestCalculateZeroAmount(t *testing.T) {
	res := Calculate([]Distribution{{Receiver: Receiver{Value: 100}}}, big.NewInt(0))
	require.Equal(t, "0", res.Total.String())
	require.Empty(t, res.Shares)
}
