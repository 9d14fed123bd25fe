// Package funds escrows the proceeds of initial sales until the sale concludes
// and lets participants claim them, optionally converted into another currency.
package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/state"
	"sharemarket/native/bank"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/payout"
	"sharemarket/native/settings"
	"sharemarket/observability"
)

var (
	ErrInvalidCaller   = errors.New("funds: caller is not the exchange")
	ErrInvalidCurrency = errors.New("funds: participant funds are held in another currency")
	ErrFundNotFound    = errors.New("funds: no pending funds")
	ErrNotAllowed      = errors.New("funds: release is in an active initial sale")
	ErrUnauthorized    = errors.New("funds: caller may not claim these funds")
	ErrParam           = errors.New("funds: invalid parameter")
)

// RoleChecker reports role membership.
type RoleChecker interface {
	HasRole(role settings.Role, account common.Address) bool
}

// SaleView reports whether a release is currently in its initial sale.
type SaleView interface {
	InInitialSale(release uint64) bool
}

type fundKey struct {
	release     uint64
	participant common.Address
}

// Manager is the escrow ledger keyed by (release, participant). Funds are
// always cleared wholesale: the entry list and the running total of a
// participant are replaced together so their sums never diverge.
type Manager struct {
	host    *state.Host
	address common.Address
	owner   common.Address
	tokens  bank.Tokens
	roles   RoleChecker
	sales   SaleView
	payout  *payout.Executor
	guard   nativecommon.ReentrancyGuard
	metrics *observability.MarketplaceMetrics

	funds        map[fundKey][]Fund
	totals       map[fundKey]Amount
	participants map[uint64][]common.Address
	releases     []uint64
	// stranded holds cancelled entries whose refund failed. Their tokens
	// stay in escrow until RetryStrandedRefunds succeeds.
	stranded map[uint64][]Fund
}

// NewManager constructs a fund manager holding escrow under address. Only owner
// may add or cancel funds.
func NewManager(host *state.Host, address, owner common.Address, tokens bank.Tokens, roles RoleChecker, executor *payout.Executor) *Manager {
	return &Manager{
		host:         host,
		address:      address,
		owner:        owner,
		tokens:       tokens,
		roles:        roles,
		payout:       executor,
		metrics:      observability.Marketplace(),
		funds:        make(map[fundKey][]Fund),
		totals:       make(map[fundKey]Amount),
		participants: make(map[uint64][]common.Address),
		stranded:     make(map[uint64][]Fund),
	}
}

// Address is the account escrowed tokens are held under.
func (m *Manager) Address() common.Address { return m.address }

// SetSaleView wires the initial-sale lookup used to gate claims.
func (m *Manager) SetSaleView(v SaleView) { m.sales = v }

func (m *Manager) journal() *state.Journal { return m.host.Journal() }

func (m *Manager) inSale(release uint64) bool {
	return m.sales != nil && m.sales.InInitialSale(release)
}

// HandleAddToFund appends a contribution for f.Participant. The escrowed tokens
// must already be held by the manager. A participant's escrow for one release
// stays in a single currency.
func (m *Manager) HandleAddToFund(ctx context.Context, caller common.Address, release uint64, f Fund) error {
	if caller != m.owner {
		return ErrInvalidCaller
	}
	if f.Amount == nil || f.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrParam)
	}
	return m.host.Transact(ctx, "funds.AddToFund", func(ctx context.Context) error {
		key := fundKey{release: release, participant: f.Participant}
		total, exists := m.totals[key]
		if exists && total.Currency != f.Currency {
			return fmt.Errorf("%w: release %d participant %s holds %s, got %s",
				ErrInvalidCurrency, release, f.Participant.Hex(), total.Currency.Hex(), f.Currency.Hex())
		}
		entry := f.Clone()
		entry.CreatedAt = m.host.Now()
		next := Amount{Value: new(big.Int).Set(entry.Amount), Currency: entry.Currency}
		if exists {
			next.Value.Add(next.Value, total.Value)
		} else {
			m.addParticipant(release, f.Participant)
		}
		list := append(append([]Fund(nil), m.funds[key]...), entry)
		state.MapSet(m.journal(), m.funds, key, list)
		state.MapSet(m.journal(), m.totals, key, next)
		m.host.Emit(newFundAddedEvent(release, entry, next))
		m.metrics.RecordFund("added")
		return nil
	})
}

// ClaimFunds pays a participant's escrow for one release. A zero
// payoutCurrency pays in the currency recorded with the funds.
func (m *Manager) ClaimFunds(ctx context.Context, caller common.Address, release uint64, participant, payoutCurrency common.Address, slippageBps uint32) (ClaimResult, error) {
	if err := m.authorize(caller, participant); err != nil {
		return ClaimResult{}, err
	}
	if err := m.guard.Enter(); err != nil {
		return ClaimResult{}, err
	}
	defer m.guard.Exit()
	start := time.Now()
	var res ClaimResult
	err := m.host.Transact(ctx, "funds.ClaimFunds", func(ctx context.Context) error {
		var err error
		res, err = m.claim(ctx, caller, release, participant, payoutCurrency, slippageBps)
		return err
	})
	m.metrics.Observe("funds.claim", time.Since(start), err)
	return res, err
}

// ClaimAllFunds claims a participant's escrow across every release whose
// initial sale has concluded. It returns the number of releases claimed.
func (m *Manager) ClaimAllFunds(ctx context.Context, caller, participant, payoutCurrency common.Address, slippageBps uint32) (uint64, error) {
	if err := m.authorize(caller, participant); err != nil {
		return 0, err
	}
	if err := m.guard.Enter(); err != nil {
		return 0, err
	}
	defer m.guard.Exit()
	var claimed uint64
	err := m.host.Transact(ctx, "funds.ClaimAllFunds", func(ctx context.Context) error {
		for _, release := range append([]uint64(nil), m.releases...) {
			if _, ok := m.totals[fundKey{release: release, participant: participant}]; !ok || m.inSale(release) {
				continue
			}
			if _, err := m.claim(ctx, caller, release, participant, payoutCurrency, slippageBps); err != nil {
				return err
			}
			claimed++
		}
		if claimed == 0 {
			return fmt.Errorf("%w: participant %s", ErrFundNotFound, participant.Hex())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// ClaimAllFundsByReleaseID pays up to batchSize participants of a release in
// the currencies recorded with their funds. Only claimers may call it. It
// returns the number of participants paid.
func (m *Manager) ClaimAllFundsByReleaseID(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (uint64, error) {
	if m.roles == nil || !m.roles.HasRole(settings.RoleClaimer, caller) {
		return 0, ErrUnauthorized
	}
	if batchSize == 0 {
		return 0, fmt.Errorf("%w: batch size must be positive", ErrParam)
	}
	if err := m.guard.Enter(); err != nil {
		return 0, err
	}
	defer m.guard.Exit()
	var processed uint64
	err := m.host.Transact(ctx, "funds.ClaimAllFundsByReleaseID", func(ctx context.Context) error {
		participants := m.participants[release]
		if len(participants) == 0 {
			return fmt.Errorf("%w: release %d", ErrFundNotFound, release)
		}
		for i := len(participants) - 1; i >= 0 && processed < batchSize; i-- {
			if _, err := m.claim(ctx, caller, release, participants[i], common.Address{}, 0); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (m *Manager) authorize(caller, participant common.Address) error {
	if caller == participant {
		return nil
	}
	if m.roles != nil && m.roles.HasRole(settings.RoleClaimer, caller) {
		return nil
	}
	return ErrUnauthorized
}

func (m *Manager) claim(ctx context.Context, caller common.Address, release uint64, participant, payoutCurrency common.Address, slippageBps uint32) (ClaimResult, error) {
	key := fundKey{release: release, participant: participant}
	total, ok := m.totals[key]
	if !ok || total.Value.Sign() == 0 {
		return ClaimResult{}, fmt.Errorf("%w: release %d participant %s", ErrFundNotFound, release, participant.Hex())
	}
	if m.inSale(release) {
		return ClaimResult{}, fmt.Errorf("%w: release %d", ErrNotAllowed, release)
	}
	if payoutCurrency == (common.Address{}) {
		if list := m.funds[key]; len(list) > 0 {
			payoutCurrency = list[0].PayoutCurrency
			if slippageBps == 0 {
				slippageBps = list[0].SlippageBps
			}
		}
	}
	m.removeFunds(key)
	paid, err := m.payout.Execute(ctx, payout.Request{
		From:           m.address,
		To:             participant,
		Currency:       total.Currency,
		Amount:         total.Value,
		PayoutCurrency: payoutCurrency,
		SlippageBps:    slippageBps,
	})
	if err != nil {
		return ClaimResult{}, err
	}
	res := ClaimResult{
		ReleaseID:      release,
		Participant:    participant,
		Amount:         total.Clone(),
		PaidCurrency:   paid.PaidCurrency,
		PaidAmount:     paid.PaidAmount,
		SwapRequested:  paid.SwapRequested,
		SwapSuccessful: paid.SwapSuccessful,
	}
	m.host.Emit(newFundClaimedEvent(caller, res))
	m.metrics.RecordFund("claimed")
	return res, nil
}

// HandleCancelReleaseFunds refunds up to batchSize fund entries of a release to
// their buyers or operators. A refund that fails is skipped and its entry
// moves to the stranded ledger with refunded=false. It returns the number of entries processed;
// callers repeat until HasFunds reports false.
func (m *Manager) HandleCancelReleaseFunds(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (uint64, error) {
	if caller != m.owner {
		return 0, ErrInvalidCaller
	}
	if err := m.guard.Enter(); err != nil {
		return 0, err
	}
	defer m.guard.Exit()
	var processed uint64
	err := m.host.Transact(ctx, "funds.CancelReleaseFunds", func(ctx context.Context) error {
		participants := m.participants[release]
		for i := len(participants) - 1; i >= 0 && processed < batchSize; i-- {
			key := fundKey{release: release, participant: participants[i]}
			list := m.funds[key]
			n := len(list)
			for n > 0 && processed < batchSize {
				if !m.refund(ctx, release, list[n-1]) {
					m.strand(release, list[n-1])
				}
				n--
				processed++
			}
			if n == 0 {
				m.removeFunds(key)
				continue
			}
			remaining := append([]Fund(nil), list[:n]...)
			sum := big.NewInt(0)
			for _, f := range remaining {
				sum.Add(sum, f.Amount)
			}
			state.MapSet(m.journal(), m.funds, key, remaining)
			state.MapSet(m.journal(), m.totals, key, Amount{Value: sum, Currency: m.totals[key].Currency})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (m *Manager) refund(ctx context.Context, release uint64, f Fund) bool {
	to := f.RefundTo()
	err := m.host.Transact(ctx, "funds.Refund", func(ctx context.Context) error {
		return m.tokens.Transfer(ctx, f.Currency, m.address, to, f.Amount)
	})
	if err != nil {
		slog.Warn("funds: refund failed, entry stranded",
			"release", release, "participant", f.Participant.Hex(), "refundTo", to.Hex(),
			"amount", f.Amount.String(), "currency", f.Currency.Hex(), "error", err)
	}
	m.host.Emit(newFundCancelledEvent(release, f, err == nil))
	m.metrics.RecordFund("cancelled")
	return err == nil
}

func (m *Manager) strand(release uint64, f Fund) {
	list := append(append([]Fund(nil), m.stranded[release]...), f.Clone())
	state.MapSet(m.journal(), m.stranded, release, list)
}

// RetryStrandedRefunds retries up to batchSize stranded refunds of a release.
// Entries that fail again stay stranded. Only claimers may call it. It returns
// the number of entries refunded.
func (m *Manager) RetryStrandedRefunds(ctx context.Context, caller common.Address, release uint64, batchSize uint64) (uint64, error) {
	if m.roles == nil || !m.roles.HasRole(settings.RoleClaimer, caller) {
		return 0, ErrUnauthorized
	}
	if batchSize == 0 {
		return 0, fmt.Errorf("%w: batch size must be positive", ErrParam)
	}
	if err := m.guard.Enter(); err != nil {
		return 0, err
	}
	defer m.guard.Exit()
	var refunded uint64
	err := m.host.Transact(ctx, "funds.RetryStrandedRefunds", func(ctx context.Context) error {
		list := m.stranded[release]
		if len(list) == 0 {
			return fmt.Errorf("%w: release %d has no stranded refunds", ErrFundNotFound, release)
		}
		var keep []Fund
		var tried uint64
		for _, f := range list {
			if tried == batchSize {
				keep = append(keep, f)
				continue
			}
			tried++
			if m.refund(ctx, release, f) {
				refunded++
				continue
			}
			keep = append(keep, f)
		}
		if len(keep) == 0 {
			state.MapDelete(m.journal(), m.stranded, release)
			return nil
		}
		state.MapSet(m.journal(), m.stranded, release, keep)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// StrandedFunds lists the cancelled entries of a release awaiting a refund.
func (m *Manager) StrandedFunds(release uint64) []Fund {
	list := m.stranded[release]
	out := make([]Fund, len(list))
	for i, f := range list {
		out[i] = f.Clone()
	}
	return out
}

func (m *Manager) addParticipant(release uint64, participant common.Address) {
	list := m.participants[release]
	if len(list) == 0 {
		state.Set(m.journal(), &m.releases, append(append([]uint64(nil), m.releases...), release))
	}
	state.MapSet(m.journal(), m.participants, release, append(append([]common.Address(nil), list...), participant))
}

// removeFunds clears a participant's escrow and drops the release from the
// index once its last participant is gone.
func (m *Manager) removeFunds(key fundKey) {
	state.MapDelete(m.journal(), m.funds, key)
	state.MapDelete(m.journal(), m.totals, key)
	list := m.participants[key.release]
	next := make([]common.Address, 0, len(list))
	for _, p := range list {
		if p != key.participant {
			next = append(next, p)
		}
	}
	if len(next) > 0 {
		state.MapSet(m.journal(), m.participants, key.release, next)
		return
	}
	state.MapDelete(m.journal(), m.participants, key.release)
	releases := make([]uint64, 0, len(m.releases))
	for _, r := range m.releases {
		if r != key.release {
			releases = append(releases, r)
		}
	}
	state.Set(m.journal(), &m.releases, releases)
}

// PendingFunds returns the running total and the entries escrowed for a
// participant of a release.
func (m *Manager) PendingFunds(release uint64, participant common.Address) (Amount, []Fund) {
	key := fundKey{release: release, participant: participant}
	total, ok := m.totals[key]
	if !ok {
		return Amount{Value: big.NewInt(0)}, nil
	}
	list := m.funds[key]
	out := make([]Fund, len(list))
	for i, f := range list {
		out[i] = f.Clone()
	}
	return total.Clone(), out
}

// HasFunds reports whether any escrow remains for a release.
func (m *Manager) HasFunds(release uint64) bool { return len(m.participants[release]) > 0 }

// Participants lists the accounts holding escrow for a release.
func (m *Manager) Participants(release uint64) []common.Address {
	return append([]common.Address(nil), m.participants[release]...)
}

// ReleasesWithFunds lists the releases that still hold escrow.
func (m *Manager) ReleasesWithFunds() []uint64 { return append([]uint64(nil), m.releases...) }
