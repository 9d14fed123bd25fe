package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
)

func TestGetPriceNoOlderThan(t *testing.T) {
	host := state.NewHost(state.WithGenesis(1, 10_000))
	feeds := NewFeeds(host)
	feed := common.HexToHash("0x01")
	if _, err := feeds.GetPriceNoOlderThan(feed, MaxPriceAge); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected missing feed, got %v", err)
	}
	if err := feeds.Update(context.Background(), feed, big.NewInt(100_000_000), 8, 10_000); err != nil {
		t.Fatalf("update: %v", err)
	}
	host.AdvanceTime(300 * time.Second)
	if _, err := feeds.GetPriceNoOlderThan(feed, MaxPriceAge); err != nil {
		t.Fatalf("expected fresh price at the boundary, got %v", err)
	}
	host.AdvanceTime(time.Second)
	if _, err := feeds.GetPriceNoOlderThan(feed, MaxPriceAge); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
}

func TestUpdateRejectsInvalidObservations(t *testing.T) {
	host := state.NewHost(state.WithGenesis(1, 500))
	feeds := NewFeeds(host)
	feed := common.HexToHash("0x02")
	if err := feeds.Update(context.Background(), feed, big.NewInt(0), 8, 400); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
	if err := feeds.Update(context.Background(), feed, big.NewInt(1), 8, 501); !errors.Is(err, ErrFuturePrice) {
		t.Fatalf("expected future price error, got %v", err)
	}
	if err := feeds.Update(context.Background(), feed, big.NewInt(5), 0, 450); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := feeds.Update(context.Background(), feed, big.NewInt(7), 0, 400); err != nil {
		t.Fatalf("stale update: %v", err)
	}
	latest, ok := feeds.Latest(feed)
	if !ok || latest.Price.Int64() != 5 {
		t.Fatalf("expected newer observation retained, got %+v", latest)
	}
}
