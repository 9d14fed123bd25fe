package orderbook

import (
	"strconv"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypeListed   = "orderbook.listed"
	EventTypeModified = "orderbook.modified"
	EventTypeUnlisted = "orderbook.unlisted"
)

func newListingEvent(eventType string, l Listing) events.Payload {
	price := "0"
	if l.PricePerItem != nil {
		price = l.PricePerItem.String()
	}
	return events.Wrap(&types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"listingId":      strconv.FormatUint(l.ID, 10),
			"releaseId":      strconv.FormatUint(l.ReleaseID, 10),
			"seller":         l.Seller.Hex(),
			"pricePerItem":   price,
			"quantity":       strconv.FormatUint(l.Quantity, 10),
			"payoutCurrency": l.PayoutCurrency.Hex(),
			"fundsReceiver":  l.FundsReceiver.Hex(),
			"slippageBps":    strconv.FormatUint(uint64(l.SlippageBps), 10),
			"modifiedAt":     strconv.FormatInt(l.ModifiedAt, 10),
		},
	})
}
