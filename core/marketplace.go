// Package core wires the marketplace engines together from a genesis spec.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/genesis"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	"sharemarket/native/exchange"
	"sharemarket/native/funds"
	"sharemarket/native/oracle"
	"sharemarket/native/orderbook"
	"sharemarket/native/payments"
	"sharemarket/native/payout"
	"sharemarket/native/settings"
	"sharemarket/native/shares"
	"sharemarket/native/swap"
	"sharemarket/native/swap/univ3"
	"sharemarket/native/vault"
)

// Marketplace is the fully wired set of engines sharing one host.
type Marketplace struct {
	Host       *state.Host
	Bank       *bank.Ledger
	Shares     *shares.Ledger
	Oracle     *oracle.Feeds
	Settings   *settings.Store
	Book       *orderbook.Book
	Executor   *payout.Executor
	Processor  *payments.Processor
	Funds      *funds.Manager
	Exchange   *exchange.Exchange
	Aggregator *swap.Aggregator
	Venues     map[string]*univ3.Venue
	Adapters   map[string]*univ3.Adapter
	Vault      *vault.Vault

	admin common.Address
}

// New validates spec and builds the marketplace at its genesis block. Extra
// host options (auto-mining, a wall clock) are applied after the genesis ones.
func New(spec *genesis.GenesisSpec, opts ...state.Option) (*Marketplace, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec: %w", err)
	}
	hostOpts := append([]state.Option{state.WithGenesis(spec.GenesisBlock, spec.GenesisTimestamp().Unix())}, opts...)
	m := &Marketplace{
		Host:     state.NewHost(hostOpts...),
		Venues:   make(map[string]*univ3.Venue),
		Adapters: make(map[string]*univ3.Adapter),
		admin:    genesis.MustAddress(spec.Roles[string(settings.RoleAdmin)][0]),
	}
	ctx := context.Background()
	steps := []struct {
		name string
		fn   func(context.Context, *genesis.GenesisSpec) error
	}{
		{"tokens", m.initTokens},
		{"settings", m.initSettings},
		{"feeds", m.initFeeds},
		{"engines", m.initEngines},
		{"adapters", m.initAdapters},
		{"releases", m.initReleases},
		{"vault", m.initVault},
	}
	for _, step := range steps {
		if err := step.fn(ctx, spec); err != nil {
			return nil, fmt.Errorf("genesis %s: %w", step.name, err)
		}
	}
	return m, nil
}

// Admin is the first genesis administrator.
func (m *Marketplace) Admin() common.Address { return m.admin }

func token(spec *genesis.GenesisSpec, symbol string) common.Address {
	addr, _ := spec.TokenAddress(symbol)
	return addr
}

func (m *Marketplace) initTokens(ctx context.Context, spec *genesis.GenesisSpec) error {
	m.Bank = bank.NewLedger(m.Host)
	for _, t := range spec.Tokens {
		err := m.Bank.RegisterToken(ctx, bank.Token{
			Address:          genesis.MustAddress(t.Address),
			Symbol:           strings.ToUpper(strings.TrimSpace(t.Symbol)),
			Decimals:         t.Decimals,
			Burnable:         t.Burnable,
			FeeOnTransferBps: t.FeeOnTransferBps,
		})
		if err != nil {
			return err
		}
	}
	if spec.WrappedNative != "" {
		if err := m.Bank.SetWrappedNative(ctx, token(spec, spec.WrappedNative)); err != nil {
			return err
		}
	}
	accounts := make([]string, 0, len(spec.Alloc))
	for account := range spec.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		symbols := make([]string, 0, len(spec.Alloc[account]))
		for symbol := range spec.Alloc[account] {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, err := genesis.ParseAmount(spec.Alloc[account][symbol])
			if err != nil {
				return err
			}
			if amount.Sign() == 0 {
				continue
			}
			if err := m.Bank.Mint(ctx, token(spec, symbol), genesis.MustAddress(account), amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Marketplace) initSettings(ctx context.Context, spec *genesis.GenesisSpec) error {
	cfg := settings.Default()
	cfg.Currency = token(spec, spec.Settings.Currency)
	cfg.Fees = spec.Settings.Fees
	if spec.Settings.PriceAskDecimals != nil {
		cfg.PriceAskDecimals = *spec.Settings.PriceAskDecimals
	}
	if spec.Settings.MaxPurchasePerTx > 0 {
		cfg.MaxPurchasePerTx = spec.Settings.MaxPurchasePerTx
	}
	store, err := settings.NewStore(m.Host, cfg)
	if err != nil {
		return err
	}
	m.Settings = store

	// The first administrator is granted by the zero caller; everyone else is
	// granted by that administrator.
	if err := store.GrantRole(ctx, common.Address{}, settings.RoleAdmin, m.admin); err != nil {
		return err
	}
	for _, role := range []settings.Role{settings.RoleAdmin, settings.RoleClaimer, settings.RoleOperator} {
		for _, account := range spec.Roles[string(role)] {
			if err := store.GrantRole(ctx, m.admin, role, genesis.MustAddress(account)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Marketplace) initFeeds(ctx context.Context, spec *genesis.GenesisSpec) error {
	m.Oracle = oracle.NewFeeds(m.Host)
	for _, f := range spec.Feeds {
		price, err := genesis.ParseAmount(f.Price)
		if err != nil {
			return err
		}
		if err := m.Oracle.Update(ctx, f.FeedHash(), price, f.Decimals, m.Host.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Marketplace) initEngines(ctx context.Context, spec *genesis.GenesisSpec) error {
	market := genesis.MustAddress(spec.Accounts.Marketplace)
	m.Shares = shares.NewLedger(m.Host)
	m.Book = orderbook.NewBook(m.Host, market, m.Shares)
	m.Aggregator = swap.NewAggregator(m.Host, genesis.MustAddress(spec.Accounts.Aggregator), m.Bank, m.Settings)
	m.Executor = payout.NewExecutor(m.Host, m.Bank, m.Aggregator)
	m.Processor = payments.NewProcessor(m.Host, market, market, m.Bank, m.Settings, m.Oracle, m.Executor)
	m.Funds = funds.NewManager(m.Host, genesis.MustAddress(spec.Accounts.Escrow), market, m.Bank, m.Settings, m.Executor)
	m.Processor.SetFundSink(m.Funds)
	m.Exchange = exchange.New(m.Host, market, m.Bank, m.Settings, m.Shares, m.Book, m.Processor, m.Funds)
	m.Aggregator.SetMarketplace(m.Exchange)

	for _, f := range spec.Feeds {
		if err := m.Processor.SetPriceFeed(ctx, m.admin, token(spec, f.Symbol), f.FeedHash()); err != nil {
			return err
		}
	}
	for _, symbol := range spec.PurchaseTokens {
		if err := m.Aggregator.SetAllowedPurchaseToken(ctx, m.admin, token(spec, symbol), true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Marketplace) initAdapters(ctx context.Context, spec *genesis.GenesisSpec) error {
	for _, a := range spec.Adapters {
		key := strings.ToLower(strings.TrimSpace(a.Name))
		venue := univ3.NewVenue(m.Host, genesis.MustAddress(a.Venue), m.Bank)
		adapter := univ3.NewAdapter(m.Host, a.Name, genesis.MustAddress(a.Address), m.Bank, m.Settings, venue, venue)
		if err := m.Aggregator.AddAdapter(ctx, m.admin, adapter); err != nil {
			return err
		}
		m.Venues[key] = venue
		m.Adapters[key] = adapter
	}
	for _, p := range spec.Pools {
		venue := m.Venues[strings.ToLower(strings.TrimSpace(p.Adapter))]
		provider := genesis.MustAddress(p.Provider)
		tokenA, tokenB := token(spec, p.TokenA), token(spec, p.TokenB)
		amountA, err := genesis.ParseAmount(p.AmountA)
		if err != nil {
			return err
		}
		amountB, err := genesis.ParseAmount(p.AmountB)
		if err != nil {
			return err
		}
		err = m.Host.Transact(ctx, "genesis.Pool", func(ctx context.Context) error {
			if err := m.Bank.Mint(ctx, tokenA, provider, amountA); err != nil {
				return err
			}
			if err := m.Bank.Mint(ctx, tokenB, provider, amountB); err != nil {
				return err
			}
			if err := m.Bank.Approve(ctx, tokenA, provider, venue.Address(), amountA); err != nil {
				return err
			}
			if err := m.Bank.Approve(ctx, tokenB, provider, venue.Address(), amountB); err != nil {
				return err
			}
			return venue.AddLiquidity(ctx, provider, tokenA, tokenB, p.Fee, amountA, amountB)
		})
		if err != nil {
			return fmt.Errorf("pool %s/%s fee %d: %w", p.TokenA, p.TokenB, p.Fee, err)
		}
	}
	return nil
}

func (m *Marketplace) initReleases(ctx context.Context, spec *genesis.GenesisSpec) error {
	for _, r := range spec.Releases {
		if err := m.Shares.CreateRelease(ctx, r.ID, genesis.MustAddress(r.Owner), r.Supply); err != nil {
			return err
		}
		if err := m.Exchange.InitializeRelease(ctx, m.admin, r.ID, r.Fees); err != nil {
			return err
		}
		if r.Active {
			if err := m.Exchange.SetReleaseActive(ctx, m.admin, r.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Marketplace) initVault(ctx context.Context, spec *genesis.GenesisSpec) error {
	if spec.Vault == nil {
		return nil
	}
	m.Vault = vault.New(m.Host, genesis.MustAddress(spec.Accounts.Vault), m.Bank, m.Settings, m.Oracle, m.Processor, m.Aggregator)
	for _, symbol := range spec.Vault.Tokens {
		if err := m.Vault.AddSupportedToken(ctx, m.admin, token(spec, symbol), spec.FeedFor(symbol).FeedHash()); err != nil {
			return err
		}
	}
	if spec.Vault.Preferred != "" {
		if err := m.Vault.SetPreferredToken(ctx, m.admin, token(spec, spec.Vault.Preferred)); err != nil {
			return err
		}
	}
	if spec.Vault.SlippageBps != nil {
		if err := m.Vault.SetSlippageBps(ctx, m.admin, *spec.Vault.SlippageBps); err != nil {
			return err
		}
	}
	return nil
}
