package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/fees"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(state.NewHost(), Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.GrantRole(context.Background(), common.Address{}, RoleAdmin, admin); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	return store
}

func TestRoleBootstrapAndGuard(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if !store.HasRole(RoleAdmin, admin) {
		t.Fatalf("expected admin role")
	}
	if err := store.GrantRole(ctx, common.Address{}, RoleClaimer, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized bootstrap after admin exists, got %v", err)
	}
	if err := store.GrantRole(ctx, stranger, RoleClaimer, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := store.GrantRole(ctx, admin, RoleOperator, stranger); err != nil {
		t.Fatalf("grant operator: %v", err)
	}
	if err := store.RevokeRole(ctx, admin, RoleOperator, stranger); err != nil {
		t.Fatalf("revoke operator: %v", err)
	}
	if store.HasRole(RoleOperator, stranger) {
		t.Fatalf("operator role should be revoked")
	}
	if err := store.GrantRole(ctx, admin, Role("root"), stranger); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role, got %v", err)
	}
}

func TestLoadReturnsIsolatedSnapshot(t *testing.T) {
	store := newStore(t)
	err := store.Update(context.Background(), func(s *AppSettings) error {
		s.Fees = []fees.Distribution{{Receiver: fees.Receiver{Address: admin, Value: 100}}}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := store.Load()
	snap.Fees[0].Receiver.Value = 9_999
	if got := store.Load().Fees[0].Receiver.Value; got != 100 {
		t.Fatalf("snapshot leaked mutation: %d", got)
	}
}

func TestUpdateRejectsInvalidFees(t *testing.T) {
	store := newStore(t)
	err := store.Update(context.Background(), func(s *AppSettings) error {
		s.Fees = []fees.Distribution{{Receiver: fees.Receiver{Value: 10_001}}}
		return nil
	})
	if !errors.Is(err, fees.ErrFeesTooHigh) {
		t.Fatalf("expected fee validation error, got %v", err)
	}
	if len(store.Load().Fees) != 0 {
		t.Fatalf("invalid update must not be stored")
	}
}
