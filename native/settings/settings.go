// Package settings holds the marketplace-wide application settings shared by
// the exchange, the payment processor and the fund manager.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/events"
	"sharemarket/core/state"
	"sharemarket/core/types"
	"sharemarket/native/fees"
)

// Role identifies a permission held by an account.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleClaimer  Role = "claimer"
	RoleOperator Role = "operator"
)

const (
	// DefaultPriceAskDecimals is the USD fixed-point precision of listing prices.
	DefaultPriceAskDecimals uint8 = 6
	// DefaultMaxPurchasePerTx caps the quantity bought in one purchase.
	DefaultMaxPurchasePerTx uint64 = 1_000_000
)

const (
	EventTypeRoleGranted     = "settings.role_granted"
	EventTypeRoleRevoked     = "settings.role_revoked"
	EventTypeSettingsUpdated = "settings.updated"
)

var (
	ErrUnauthorized = errors.New("settings: caller lacks the required role")
	ErrUnknownRole  = errors.New("settings: unknown role")
)

// AppSettings is an immutable snapshot of the marketplace configuration. Load
// always returns a deep copy so one operation observes a single consistent
// snapshot even if an administrator replaces it concurrently.
type AppSettings struct {
	Currency         common.Address
	Fees             []fees.Distribution
	PriceAskDecimals uint8
	MaxPurchasePerTx uint64
	Paused           bool
}

// Clone returns a deep copy of the settings.
func (s AppSettings) Clone() AppSettings {
	clone := s
	clone.Fees = fees.CloneAll(s.Fees)
	return clone
}

// Validate checks the invariants every stored snapshot satisfies.
func (s AppSettings) Validate() error {
	if err := fees.Validate(s.Fees); err != nil {
		return err
	}
	if s.PriceAskDecimals > 36 {
		return fmt.Errorf("settings: price ask decimals %d out of range", s.PriceAskDecimals)
	}
	return nil
}

// Default returns the settings used when genesis does not override them.
func Default() AppSettings {
	return AppSettings{
		PriceAskDecimals: DefaultPriceAskDecimals,
		MaxPurchasePerTx: DefaultMaxPurchasePerTx,
	}
}

type roleKey struct {
	role    Role
	account common.Address
}

// Store owns the current settings snapshot and the role table.
type Store struct {
	host     *state.Host
	settings AppSettings
	roles    map[roleKey]bool
}

// NewStore constructs a store holding the supplied snapshot.
func NewStore(host *state.Host, initial AppSettings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{host: host, settings: initial.Clone(), roles: make(map[roleKey]bool)}, nil
}

// Load returns a deep copy of the current snapshot.
func (s *Store) Load() AppSettings { return s.settings.Clone() }

// Update applies mutate to a copy of the current snapshot and, if the result
// validates, replaces the stored snapshot.
func (s *Store) Update(ctx context.Context, mutate func(*AppSettings) error) error {
	return s.host.Transact(ctx, "settings.Update", func(ctx context.Context) error {
		next := s.settings.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		state.Set(s.host.Journal(), &s.settings, next)
		s.host.Emit(events.Wrap(&types.Event{
			Type: EventTypeSettingsUpdated,
			Attributes: map[string]string{
				"currency":         next.Currency.Hex(),
				"priceAskDecimals": strconv.FormatUint(uint64(next.PriceAskDecimals), 10),
				"maxPurchasePerTx": strconv.FormatUint(next.MaxPurchasePerTx, 10),
				"paused":           strconv.FormatBool(next.Paused),
				"feeDistributions": strconv.Itoa(len(next.Fees)),
			},
		}))
		return nil
	})
}

func validRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleClaimer, RoleOperator:
		return true
	}
	return false
}

// HasRole reports whether account holds role.
func (s *Store) HasRole(role Role, account common.Address) bool {
	return s.roles[roleKey{role: role, account: account}]
}

// Require returns ErrUnauthorized unless account holds role.
func (s *Store) Require(role Role, account common.Address) error {
	if !s.HasRole(role, account) {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, account.Hex(), role)
	}
	return nil
}

// Members lists the accounts holding role in address order.
func (s *Store) Members(role Role) []common.Address {
	var out []common.Address
	for key, ok := range s.roles {
		if ok && key.role == role {
			out = append(out, key.account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// GrantRole gives role to account. An empty caller is only accepted while no
// admin exists, which is how genesis bootstraps the first administrator.
func (s *Store) GrantRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	return s.setRole(ctx, caller, role, account, true)
}

// RevokeRole removes role from account.
func (s *Store) RevokeRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	return s.setRole(ctx, caller, role, account, false)
}

func (s *Store) setRole(ctx context.Context, caller common.Address, role Role, account common.Address, grant bool) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return s.host.Transact(ctx, "settings.SetRole", func(ctx context.Context) error {
		if len(s.Members(RoleAdmin)) > 0 || caller != (common.Address{}) {
			if err := s.Require(RoleAdmin, caller); err != nil {
				return err
			}
		}
		key := roleKey{role: role, account: account}
		eventType := EventTypeRoleGranted
		if grant {
			state.MapSet(s.host.Journal(), s.roles, key, true)
		} else {
			state.MapDelete(s.host.Journal(), s.roles, key)
			eventType = EventTypeRoleRevoked
		}
		s.host.Emit(events.Wrap(&types.Event{
			Type: eventType,
			Attributes: map[string]string{
				"role":    string(role),
				"account": account.Hex(),
				"sender":  caller.Hex(),
			},
		}))
		return nil
	})
}
