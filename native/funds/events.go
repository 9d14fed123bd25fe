package funds

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypeFundAdded     = "funds.added"
	EventTypeFundClaimed   = "funds.claimed"
	EventTypeFundCancelled = "funds.cancelled"
)

func newFundAddedEvent(release uint64, f Fund, total Amount) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeFundAdded,
		Attributes: map[string]string{
			"releaseId":        strconv.FormatUint(release, 10),
			"participant":      f.Participant.Hex(),
			"buyer":            f.Buyer.Hex(),
			"operator":         f.Operator.Hex(),
			"isProxyOperation": strconv.FormatBool(f.IsProxyOperation),
			"amount":           f.Amount.String(),
			"currency":         f.Currency.Hex(),
			"payoutCurrency":   f.PayoutCurrency.Hex(),
			"total":            total.Value.String(),
		},
	})
}

func newFundClaimedEvent(caller common.Address, res ClaimResult) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeFundClaimed,
		Attributes: map[string]string{
			"releaseId":      strconv.FormatUint(res.ReleaseID, 10),
			"participant":    res.Participant.Hex(),
			"caller":         caller.Hex(),
			"amount":         res.Amount.Value.String(),
			"currency":       res.Amount.Currency.Hex(),
			"paidAmount":     res.PaidAmount.String(),
			"paidCurrency":   res.PaidCurrency.Hex(),
			"swapRequested":  strconv.FormatBool(res.SwapRequested),
			"swapSuccessful": strconv.FormatBool(res.SwapSuccessful),
		},
	})
}

func newFundCancelledEvent(release uint64, f Fund, refunded bool) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeFundCancelled,
		Attributes: map[string]string{
			"releaseId":   strconv.FormatUint(release, 10),
			"participant": f.Participant.Hex(),
			"refundTo":    f.RefundTo().Hex(),
			"amount":      f.Amount.String(),
			"currency":    f.Currency.Hex(),
			"refunded":    strconv.FormatBool(refunded),
		},
	})
}
