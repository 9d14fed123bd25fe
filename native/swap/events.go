package swap

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypeSwapExecuted                = "swap.executed"
	EventTypeSwapRouteSelected           = "swap.route_selected"
	EventTypeAdapterAdded                = "swap.adapter_added"
	EventTypeAdapterRemoved              = "swap.adapter_removed"
	EventTypePurchaseTokenSet            = "swap.purchase_token_set"
	EventTypeAggregatorPurchase          = "swap.purchase"
	EventTypeMarketplaceLeftoverReturned = "swap.marketplace_leftover_returned"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newSwapExecutedEvent(adapter string, payer, recipient, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeSwapExecuted,
		Attributes: map[string]string{
			"adapter":   adapter,
			"payer":     payer.Hex(),
			"recipient": recipient.Hex(),
			"tokenIn":   tokenIn.Hex(),
			"tokenOut":  tokenOut.Hex(),
			"amountIn":  amountString(amountIn),
			"amountOut": amountString(amountOut),
		},
	})
}

func newRouteSelectedEvent(direction, adapter string, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeSwapRouteSelected,
		Attributes: map[string]string{
			"direction": direction,
			"adapter":   adapter,
			"tokenIn":   tokenIn.Hex(),
			"tokenOut":  tokenOut.Hex(),
			"amountIn":  amountString(amountIn),
			"amountOut": amountString(amountOut),
		},
	})
}

func newAdapterEvent(eventType, name string, sender common.Address) events.Payload {
	return events.Wrap(&types.Event{
		Type:       eventType,
		Attributes: map[string]string{"adapter": name, "sender": sender.Hex()},
	})
}

func newPurchaseTokenEvent(token common.Address, allowed bool, sender common.Address) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypePurchaseTokenSet,
		Attributes: map[string]string{
			"token":   token.Hex(),
			"allowed": strconv.FormatBool(allowed),
			"sender":  sender.Hex(),
		},
	})
}

func newPurchaseEvent(buyer, recipient common.Address, p PurchaseParams, res PurchaseResult) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeAggregatorPurchase,
		Attributes: map[string]string{
			"buyer":          buyer.Hex(),
			"recipient":      recipient.Hex(),
			"releaseId":      strconv.FormatUint(p.ReleaseID, 10),
			"amount":         strconv.FormatUint(p.Amount, 10),
			"sourceToken":    p.SourceToken.Hex(),
			"sourceSpent":    amountString(res.SourceSpent),
			"sourceRefunded": amountString(res.SourceRefunded),
			"currency":       res.Currency.Hex(),
			"cost":           amountString(res.Cost),
			"adapter":        res.Adapter,
		},
	})
}

func newLeftoverReturnedEvent(buyer, currency common.Address, amount *big.Int) events.Payload {
	return events.Wrap(&types.Event{
		Type: EventTypeMarketplaceLeftoverReturned,
		Attributes: map[string]string{
			"buyer":    buyer.Hex(),
			"currency": currency.Hex(),
			"amount":   amountString(amount),
		},
	})
}
