// Package genesis describes the initial marketplace state: tokens, balances,
// roles, price feeds, settings, swap venues and releases.
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/native/fees"
	"sharemarket/native/settings"
)

type GenesisSpec struct {
	GenesisTime    string                       `json:"genesisTime"`
	GenesisBlock   uint64                       `json:"genesisBlock,omitempty"`
	Accounts       AccountsSpec                 `json:"accounts"`
	Tokens         []TokenSpec                  `json:"tokens"`
	WrappedNative  string                       `json:"wrappedNative,omitempty"`
	Alloc          map[string]map[string]string `json:"alloc"` // addr -> token symbol -> amount
	Roles          map[string][]string          `json:"roles"` // role -> []addr
	Feeds          []FeedSpec                   `json:"feeds"`
	Settings       SettingsSpec                 `json:"settings"`
	Adapters       []AdapterSpec                `json:"adapters,omitempty"`
	Pools          []PoolSpec                   `json:"pools,omitempty"`
	PurchaseTokens []string                     `json:"purchaseTokens,omitempty"`
	Releases       []ReleaseSpec                `json:"releases,omitempty"`
	Vault          *VaultSpec                   `json:"vault,omitempty"`

	genesisTimestamp time.Time
	tokens           map[string]common.Address
}

// AccountsSpec names the module accounts. Buyers approve Marketplace.
type AccountsSpec struct {
	Marketplace string `json:"marketplace"`
	Escrow      string `json:"escrow"`
	Aggregator  string `json:"aggregator"`
	Vault       string `json:"vault,omitempty"`
}

type TokenSpec struct {
	Symbol           string `json:"symbol"`
	Address          string `json:"address"`
	Decimals         uint8  `json:"decimals"`
	Burnable         bool   `json:"burnable,omitempty"`
	FeeOnTransferBps uint32 `json:"feeOnTransferBps,omitempty"`
}

// FeedSpec seeds a price feed and binds it to a token symbol.
type FeedSpec struct {
	Symbol   string `json:"symbol"`
	FeedID   string `json:"feedId"`
	Price    string `json:"price"`
	Decimals uint8  `json:"decimals"`
}

type SettingsSpec struct {
	Currency         string              `json:"currency"`
	PriceAskDecimals *uint8              `json:"priceAskDecimals,omitempty"`
	MaxPurchasePerTx uint64              `json:"maxPurchasePerTx,omitempty"`
	Fees             []fees.Distribution `json:"fees,omitempty"`
}

// AdapterSpec registers a concentrated-liquidity adapter backed by its own venue.
type AdapterSpec struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Venue   string `json:"venue"`
}

type PoolSpec struct {
	Adapter  string `json:"adapter"`
	Provider string `json:"provider"`
	TokenA   string `json:"tokenA"`
	TokenB   string `json:"tokenB"`
	Fee      uint32 `json:"fee"`
	AmountA  string `json:"amountA"`
	AmountB  string `json:"amountB"`
}

type ReleaseSpec struct {
	ID     uint64              `json:"id"`
	Owner  string              `json:"owner"`
	Supply uint64              `json:"supply"`
	Active bool                `json:"active"`
	Fees   []fees.Distribution `json:"fees,omitempty"`
}

type VaultSpec struct {
	Tokens      []string `json:"tokens"`
	Preferred   string   `json:"preferred,omitempty"`
	SlippageBps *uint32  `json:"slippageBps,omitempty"`
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// TokenAddress resolves a token symbol. Validate must have succeeded.
func (s *GenesisSpec) TokenAddress(symbol string) (common.Address, bool) {
	addr, ok := s.tokens[normalizeSymbol(symbol)]
	return addr, ok
}

// MustAddress parses a hex address already checked by Validate.
func MustAddress(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

// Validate checks the spec and resolves token symbols. Callers building a
// spec in code must call it before use.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	for field, value := range map[string]string{
		"accounts.marketplace": s.Accounts.Marketplace,
		"accounts.escrow":      s.Accounts.Escrow,
		"accounts.aggregator":  s.Accounts.Aggregator,
	} {
		if err := requireAddress(field, value); err != nil {
			return err
		}
	}
	if s.Vault != nil {
		if err := requireAddress("accounts.vault", s.Accounts.Vault); err != nil {
			return err
		}
	}

	// tokens
	s.tokens = make(map[string]common.Address, len(s.Tokens))
	seenAddr := make(map[common.Address]struct{}, len(s.Tokens))
	for i := range s.Tokens {
		t := &s.Tokens[i]
		if err := t.validate(); err != nil {
			return fmt.Errorf("tokens[%d]: %w", i, err)
		}
		key := normalizeSymbol(t.Symbol)
		if _, exists := s.tokens[key]; exists {
			return fmt.Errorf("tokens[%d]: duplicate symbol %q", i, t.Symbol)
		}
		addr := MustAddress(t.Address)
		if _, exists := seenAddr[addr]; exists {
			return fmt.Errorf("tokens[%d]: duplicate address %s", i, t.Address)
		}
		s.tokens[key] = addr
		seenAddr[addr] = struct{}{}
	}
	if s.WrappedNative != "" {
		if _, ok := s.TokenAddress(s.WrappedNative); !ok {
			return fmt.Errorf("wrappedNative: undefined token %q", s.WrappedNative)
		}
	}

	// alloc
	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		if err := requireAddress(fmt.Sprintf("alloc[%q]", account), account); err != nil {
			return err
		}
		for symbol, amount := range s.Alloc[account] {
			if _, ok := s.TokenAddress(symbol); !ok {
				return fmt.Errorf("alloc[%q][%q]: undefined token", account, symbol)
			}
			if _, err := parseAmountString(amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", account, symbol, err)
			}
		}
	}

	// roles
	if len(s.Roles[string(settings.RoleAdmin)]) == 0 {
		return fmt.Errorf("roles: at least one %s is required", settings.RoleAdmin)
	}
	for role, members := range s.Roles {
		switch settings.Role(role) {
		case settings.RoleAdmin, settings.RoleClaimer, settings.RoleOperator:
		default:
			return fmt.Errorf("roles: unknown role %q", role)
		}
		for i, account := range members {
			if err := requireAddress(fmt.Sprintf("roles[%q][%d]", role, i), account); err != nil {
				return err
			}
		}
	}

	// feeds
	for i, f := range s.Feeds {
		if _, ok := s.TokenAddress(f.Symbol); !ok {
			return fmt.Errorf("feeds[%d]: undefined token %q", i, f.Symbol)
		}
		if _, err := parseHash(f.FeedID); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
		price, err := parseAmountString(f.Price)
		if err != nil || price.Sign() == 0 {
			return fmt.Errorf("feeds[%d]: price must be a positive integer", i)
		}
	}

	// settings
	if _, ok := s.TokenAddress(s.Settings.Currency); !ok {
		return fmt.Errorf("settings.currency: undefined token %q", s.Settings.Currency)
	}
	if s.FeedFor(s.Settings.Currency) == nil {
		return fmt.Errorf("settings.currency: %q has no price feed", s.Settings.Currency)
	}
	if err := fees.Validate(s.Settings.Fees); err != nil {
		return fmt.Errorf("settings.fees: %w", err)
	}

	// adapters and pools
	adapters := make(map[string]struct{}, len(s.Adapters))
	for i, a := range s.Adapters {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			return fmt.Errorf("adapters[%d]: name must be provided", i)
		}
		if _, dup := adapters[name]; dup {
			return fmt.Errorf("adapters[%d]: duplicate name %q", i, a.Name)
		}
		adapters[name] = struct{}{}
		if err := requireAddress(fmt.Sprintf("adapters[%d].address", i), a.Address); err != nil {
			return err
		}
		if err := requireAddress(fmt.Sprintf("adapters[%d].venue", i), a.Venue); err != nil {
			return err
		}
	}
	for i, p := range s.Pools {
		if _, ok := adapters[strings.ToLower(strings.TrimSpace(p.Adapter))]; !ok {
			return fmt.Errorf("pools[%d]: undefined adapter %q", i, p.Adapter)
		}
		if err := requireAddress(fmt.Sprintf("pools[%d].provider", i), p.Provider); err != nil {
			return err
		}
		for _, symbol := range []string{p.TokenA, p.TokenB} {
			if _, ok := s.TokenAddress(symbol); !ok {
				return fmt.Errorf("pools[%d]: undefined token %q", i, symbol)
			}
		}
		for _, amount := range []string{p.AmountA, p.AmountB} {
			v, err := parseAmountString(amount)
			if err != nil || v.Sign() == 0 {
				return fmt.Errorf("pools[%d]: amounts must be positive integers", i)
			}
		}
	}
	for i, symbol := range s.PurchaseTokens {
		if _, ok := s.TokenAddress(symbol); !ok {
			return fmt.Errorf("purchaseTokens[%d]: undefined token %q", i, symbol)
		}
	}

	// releases
	releases := make(map[uint64]struct{}, len(s.Releases))
	for i, r := range s.Releases {
		if r.ID == 0 || r.Supply == 0 {
			return fmt.Errorf("releases[%d]: id and supply must be positive", i)
		}
		if _, dup := releases[r.ID]; dup {
			return fmt.Errorf("releases[%d]: duplicate id %d", i, r.ID)
		}
		releases[r.ID] = struct{}{}
		if err := requireAddress(fmt.Sprintf("releases[%d].owner", i), r.Owner); err != nil {
			return err
		}
		if err := fees.Validate(r.Fees); err != nil {
			return fmt.Errorf("releases[%d].fees: %w", i, err)
		}
	}

	if s.Vault != nil {
		for i, symbol := range s.Vault.Tokens {
			if s.FeedFor(symbol) == nil {
				return fmt.Errorf("vault.tokens[%d]: %q has no price feed", i, symbol)
			}
		}
		if s.Vault.Preferred != "" {
			if _, ok := s.TokenAddress(s.Vault.Preferred); !ok {
				return fmt.Errorf("vault.preferred: undefined token %q", s.Vault.Preferred)
			}
		}
	}
	return nil
}

// FeedFor returns the feed bound to a token symbol.
func (s *GenesisSpec) FeedFor(symbol string) *FeedSpec {
	key := normalizeSymbol(symbol)
	for i := range s.Feeds {
		if normalizeSymbol(s.Feeds[i].Symbol) == key {
			return &s.Feeds[i]
		}
	}
	return nil
}

// FeedHash parses a feed id already checked by Validate.
func (f FeedSpec) FeedHash() common.Hash {
	h, _ := parseHash(f.FeedID)
	return h
}

func (t *TokenSpec) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol must be provided")
	}
	if err := requireAddress("address", t.Address); err != nil {
		return err
	}
	if t.Decimals > 36 {
		return fmt.Errorf("decimals must be 36 or fewer")
	}
	if t.FeeOnTransferBps >= 10_000 {
		return fmt.Errorf("feeOnTransferBps must be below 10000")
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func requireAddress(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("%s: invalid address %q", field, value)
	}
	if common.HexToAddress(trimmed) == (common.Address{}) {
		return fmt.Errorf("%s: zero address", field)
	}
	return nil
}

func parseHash(value string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(trimmed) == 0 || len(trimmed) > 64 {
		return common.Hash{}, fmt.Errorf("invalid feed id %q", value)
	}
	h := common.HexToHash(trimmed)
	if h == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("zero feed id")
	}
	return h, nil
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(value string) (*big.Int, error) { return parseAmountString(value) }

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
