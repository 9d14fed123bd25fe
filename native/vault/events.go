package vault

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

const (
	EventTypeIntentCreated   = "vault.intent_created"
	EventTypeIntentExecuted  = "vault.intent_executed"
	EventTypeIntentSettled   = "vault.intent_settled"
	EventTypeIntentCancelled = "vault.intent_cancelled"
	EventTypeTokenAdded      = "vault.token_added"
	EventTypeTokenRemoved    = "vault.token_removed"
	EventTypePreferredToken  = "vault.preferred_token_set"
	EventTypeSlippageSet     = "vault.slippage_set"
	EventTypeWithdrawn       = "vault.withdrawn"
)

func newIntentEvent(eventType string, in Intent) events.Payload {
	attrs := map[string]string{
		"intentId":    in.ID.Hex(),
		"beneficiary": in.Beneficiary.Hex(),
		"valueUsd":    strconv.FormatUint(in.ValueUSD, 10),
		"status":      in.Status.String(),
	}
	switch eventType {
	case EventTypeIntentCreated:
		attrs["expiresAt"] = strconv.FormatInt(in.ExpiresAt, 10)
	case EventTypeIntentExecuted:
		attrs["token"] = in.DebitedToken.Hex()
		attrs["amount"] = in.DebitedTokenAmount.String()
		attrs["price"] = in.DebitedTokenPrice.String()
		attrs["block"] = strconv.FormatUint(in.ExecutedAtBlock, 10)
	case EventTypeIntentSettled:
		attrs["settledUsd"] = strconv.FormatUint(in.SettledUSD, 10)
	}
	return events.Wrap(&types.Event{Type: eventType, Attributes: attrs})
}

func newVaultEvent(eventType string, attrs map[string]string) events.Payload {
	return events.Wrap(&types.Event{Type: eventType, Attributes: attrs})
}

func newTokenEvent(eventType string, token common.Address, attrs map[string]string) events.Payload {
	out := map[string]string{"token": token.Hex()}
	for k, v := range attrs {
		out[k] = v
	}
	return newVaultEvent(eventType, out)
}
