package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

func TestHubFiltersAndNeverBlocks(t *testing.T) {
	hub := NewHub(1)
	all, cancelAll := hub.Subscribe(nil)
	defer cancelAll()
	listed, cancelListed := hub.Subscribe([]string{"orderbook.listed"})

	hub.Emit(events.Wrap(&types.Event{Type: "exchange.purchased"}))
	hub.Emit(events.Wrap(&types.Event{Type: "orderbook.listed"}))

	require.Equal(t, "exchange.purchased", (<-all).Type)
	require.Equal(t, "orderbook.listed", (<-listed).Type)
	require.Empty(t, all)

	cancelListed()
	require.Equal(t, 1, hub.Subscribers())
}
