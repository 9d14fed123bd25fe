package payments

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypePaymentProcessed = "payments.processed"
	EventTypeFundTransferred  = "payments.fund_transferred"
	EventTypePriceFeedSet     = "payments.price_feed_set"
)

func newPaymentProcessedEvent(params PaymentParams, pay Payment) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypePaymentProcessed,
		Attributes: map[string]string{
			"releaseId":      strconv.FormatUint(params.ReleaseID, 10),
			"buyer":          params.Buyer.Hex(),
			"operator":       params.Operator.Hex(),
			"receiver":       pay.Receiver.Hex(),
			"currency":       params.Currency.Hex(),
			"amount":         pay.Amount.String(),
			"paidCurrency":   pay.Result.PaidCurrency.Hex(),
			"paidAmount":     pay.Result.PaidAmount.String(),
			"isFee":          strconv.FormatBool(pay.IsFee),
			"escrowed":       strconv.FormatBool(pay.Escrowed),
			"swapRequested":  strconv.FormatBool(pay.Result.SwapRequested),
			"swapSuccessful": strconv.FormatBool(pay.Result.SwapSuccessful),
			"burned":         strconv.FormatBool(pay.Result.Burned),
		},
	})
}

func newFundTransferredEvent(params PaymentParams, escrow common.Address, amount *big.Int) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeFundTransferred,
		Attributes: map[string]string{
			"releaseId": strconv.FormatUint(params.ReleaseID, 10),
			"operator":  params.Operator.Hex(),
			"escrow":    escrow.Hex(),
			"currency":  params.Currency.Hex(),
			"amount":    amount.String(),
		},
	})
}

func newPriceFeedSetEvent(caller, currency common.Address, feedID common.Hash) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypePriceFeedSet,
		Attributes: map[string]string{
			"currency": currency.Hex(),
			"feedId":   feedID.Hex(),
			"sender":   caller.Hex(),
		},
	})
}
