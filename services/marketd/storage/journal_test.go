package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

type fixedChain struct {
	block uint64
	now   int64
}

func (c fixedChain) BlockNumber() uint64 { return c.block }
func (c fixedChain) Now() int64          { return c.now }

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "marketd.sqlite"))
	require.NoError(t, err)
	j, err := Open(dsn, fixedChain{block: 7, now: 1_700_000_000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalEmitAndList(t *testing.T) {
	j := openTestJournal(t)
	j.Emit(events.Wrap(&types.Event{Type: "exchange.listing_created", Attributes: map[string]string{"listingId": "1"}}))
	j.Emit(events.Wrap(&types.Event{Type: "exchange.purchase", Attributes: map[string]string{"amount": "3"}}))
	j.Emit(events.Wrap(&types.Event{Type: "exchange.listing_created", Attributes: map[string]string{"listingId": "2"}}))

	all, err := j.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(7), all[0].Block)
	require.Equal(t, int64(1_700_000_000), all[0].BlockTime)
	require.NotEmpty(t, all[0].ID)
	require.NotEqual(t, all[0].ID, all[1].ID)

	listings, err := j.List(context.Background(), Filter{Type: "exchange.listing_created"})
	require.NoError(t, err)
	require.Len(t, listings, 2)
	require.Equal(t, "2", listings[1].Attributes["listingId"])

	page, err := j.List(context.Background(), Filter{After: all[0].Seq, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "exchange.purchase", page[0].Type)
}

func TestJournalRequiresPath(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
	dsn, err := FileDSN("postgres://market:secret@db:5432/market")
	require.NoError(t, err)
	require.Equal(t, "postgres://market:secret@db:5432/market", dsn)
	_, err = Open("", nil)
	require.ErrorIs(t, err, ErrPathRequired)

	var j *Journal
	_, err = j.List(context.Background(), Filter{})
	require.ErrorIs(t, err, ErrNotConfigured)
}
