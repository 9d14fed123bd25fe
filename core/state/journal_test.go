package state

import (
	"context"
	"errors"
	"testing"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

func TestJournalRevertRestoresMapsAndValues(t *testing.T) {
	j := NewJournal()
	m := map[string]int{"a": 1}
	counter := 7

	snap := j.Snapshot()
	MapSet(j, m, "a", 2)
	MapSet(j, m, "b", 3)
	MapDelete(j, m, "a")
	Set(j, &counter, 9)

	if _, ok := m["a"]; ok {
		t.Fatalf("expected a to be deleted")
	}
	j.RevertToSnapshot(snap)
	if m["a"] != 1 {
		t.Fatalf("expected a restored to 1, got %d", m["a"])
	}
	if _, ok := m["b"]; ok {
		t.Fatalf("expected b to be removed on revert")
	}
	if counter != 7 {
		t.Fatalf("expected counter 7, got %d", counter)
	}
	if j.Len() != 0 {
		t.Fatalf("expected empty journal, got %d", j.Len())
	}
}

func TestJournalNilIsNoop(t *testing.T) {
	var j *Journal
	m := map[int]int{}
	MapSet(j, m, 1, 1)
	if m[1] != 1 {
		t.Fatalf("expected write without journal")
	}
	j.RevertToSnapshot(0)
}

func TestHostTransactRevertsOnError(t *testing.T) {
	host := NewHost()
	rec := &events.Recorder{}
	host.SetEmitter(rec)
	balances := map[string]int{}
	boom := errors.New("boom")

	err := host.Transact(context.Background(), "test", func(ctx context.Context) error {
		MapSet(host.Journal(), balances, "alice", 10)
		host.Emit(events.Wrap(&types.Event{Type: "test.write"}))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("expected write reverted")
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("expected no events on revert")
	}
}

func TestHostNestedFrameRevertsOnlyItself(t *testing.T) {
	host := NewHost()
	rec := &events.Recorder{}
	host.SetEmitter(rec)
	balances := map[string]int{}

	err := host.Transact(context.Background(), "outer", func(ctx context.Context) error {
		MapSet(host.Journal(), balances, "outer", 1)
		host.Emit(events.Wrap(&types.Event{Type: "outer"}))
		inner := host.Transact(ctx, "inner", func(ctx context.Context) error {
			MapSet(host.Journal(), balances, "inner", 2)
			host.Emit(events.Wrap(&types.Event{Type: "inner"}))
			panic("adapter exploded")
		})
		if !errors.Is(inner, ErrExecutionPanicked) {
			t.Fatalf("expected panic converted to error, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	if balances["outer"] != 1 {
		t.Fatalf("expected outer write committed")
	}
	if _, ok := balances["inner"]; ok {
		t.Fatalf("expected inner write reverted")
	}
	got := rec.Events()
	if len(got) != 1 || got[0].Type != "outer" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestHostAutoMineOpensBlockPerTransaction(t *testing.T) {
	host := NewHost(WithAutoMine(), WithGenesis(10, 1_000))
	for i := 0; i < 2; i++ {
		if err := host.Transact(context.Background(), "noop", func(context.Context) error { return nil }); err != nil {
			t.Fatalf("transact: %v", err)
		}
	}
	if host.BlockNumber() != 12 {
		t.Fatalf("expected block 12, got %d", host.BlockNumber())
	}
	if host.Now() != 1_000 {
		t.Fatalf("expected timestamp 1000, got %d", host.Now())
	}
}
