package exchange

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypePurchased                  = "exchange.purchased"
	EventTypeInitialSaleCreated         = "exchange.initial_sale_created"
	EventTypeInitialSaleEnded           = "exchange.initial_sale_ended"
	EventTypeReleaseInitialized         = "exchange.release_initialized"
	EventTypeReleaseActiveStateChanged  = "exchange.release_active_changed"
	EventTypeReleaseFeesSet             = "exchange.release_fees_set"
	EventTypeReleaseCancellationStarted = "exchange.release_cancellation_started"
	EventTypeReleaseCancelled           = "exchange.release_cancelled"
)

func releaseEvent(eventType string, release uint64, attrs map[string]string) events.Payload {
	if attrs == nil {
		attrs = make(map[string]string, 1)
	}
	attrs["releaseId"] = strconv.FormatUint(release, 10)
	return events.Wrap(&types.Event{Type: eventType, Attributes: attrs})
}

func newPurchasedEvent(r Receipt) events.Payload {
	return releaseEvent(EventTypePurchased, r.ReleaseID, map[string]string{
		"buyer":       r.Buyer.Hex(),
		"operator":    r.Operator.Hex(),
		"quantity":    strconv.FormatUint(r.Quantity, 10),
		"currency":    r.Currency.Hex(),
		"cost":        r.Cost.String(),
		"costUsd":     r.CostUSD.String(),
		"initialSale": strconv.FormatBool(r.InitialSale),
	})
}

func newInitialSaleCreatedEvent(p InitialSaleParams, sale InitialSale) events.Payload {
	var quantity uint64
	for _, tier := range p.Tiers {
		quantity += tier.Quantity
	}
	return releaseEvent(EventTypeInitialSaleCreated, p.ReleaseID, map[string]string{
		"seller":         p.Seller.Hex(),
		"quantity":       strconv.FormatUint(quantity, 10),
		"tiers":          strconv.Itoa(len(p.Tiers)),
		"startTime":      strconv.FormatInt(sale.StartTime, 10),
		"endTime":        strconv.FormatInt(sale.EndTime, 10),
		"whitelist":      strconv.FormatBool(sale.Whitelist),
		"whitelistUntil": strconv.FormatInt(sale.WhitelistUntil, 10),
		"maxBuy":         strconv.FormatUint(sale.MaxBuy, 10),
		"currency":       sale.Currency.Hex(),
	})
}

func newActiveChangedEvent(release uint64, active bool, caller common.Address) events.Payload {
	return releaseEvent(EventTypeReleaseActiveStateChanged, release, map[string]string{
		"active": strconv.FormatBool(active),
		"sender": caller.Hex(),
	})
}
