// Package vault implements the purchase vault: a USD treasury that releases
// stablecoin-like collateral to beneficiary wallets against off-chain fiat
// payment intents and takes back whatever the purchase did not spend.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/pricing"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	nativecommon "sharemarket/native/common"
	"sharemarket/native/oracle"
	"sharemarket/native/settings"
	"sharemarket/native/swap"
	"sharemarket/observability"
)

const (
	// DefaultSlippageBps buffers the oracle conversion of an intent value.
	DefaultSlippageBps uint32 = 300
	// MaxSlippageBps bounds SetSlippageBps.
	MaxSlippageBps uint32 = 5_000
)

var (
	ErrParam                    = errors.New("vault: invalid parameter")
	ErrIntentExists             = errors.New("vault: intent already exists")
	ErrIntentNotFound           = errors.New("vault: intent not found")
	ErrInvalidStatus            = errors.New("vault: intent is not in the required status")
	ErrIntentExpired            = errors.New("vault: intent expired")
	ErrNotBeneficiary           = errors.New("vault: caller is not the intent beneficiary")
	ErrUnsupportedToken         = errors.New("vault: token not supported")
	ErrNoViableToken            = errors.New("vault: no supported token can fund the intent")
	ErrFeeOnTransfer            = errors.New("vault: fee-on-transfer tokens are not supported")
	ErrRefundNotSameTransaction = errors.New("vault: settlement must happen in the execution block")
	ErrInsufficientRefund       = errors.New("vault: refund does not cover the unspent value")
)

// SwapPreviewer estimates the input needed to obtain an exact output.
type SwapPreviewer interface {
	PreviewSwapIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (swap.Preview, error)
}

// CurrencyQuoter converts USD amounts in price-ask decimals into currency units.
type CurrencyQuoter interface {
	QuoteInCurrency(usd *big.Int, currency common.Address) (*big.Int, error)
}

// Vault holds the treasury balances at its own address.
type Vault struct {
	host     *state.Host
	address  common.Address
	tokens   bank.Tokens
	settings *settings.Store
	prices   oracle.Source
	quoter   CurrencyQuoter
	swaps    SwapPreviewer
	guard    nativecommon.ReentrancyGuard
	metrics  *observability.MarketplaceMetrics

	intents     map[common.Hash]Intent
	supported   []SupportedToken
	preferred   common.Address
	slippageBps uint32
}

// New creates a vault. quoter prices the marketplace currency and swaps
// estimates conversions into it.
func New(host *state.Host, address common.Address, tokens bank.Tokens, store *settings.Store, prices oracle.Source, quoter CurrencyQuoter, swaps SwapPreviewer) *Vault {
	return &Vault{
		host:        host,
		address:     address,
		tokens:      tokens,
		settings:    store,
		prices:      prices,
		quoter:      quoter,
		swaps:       swaps,
		metrics:     observability.Marketplace(),
		intents:     make(map[common.Hash]Intent),
		slippageBps: DefaultSlippageBps,
	}
}

// Address is the treasury account.
func (v *Vault) Address() common.Address { return v.address }

func (v *Vault) journal() *state.Journal { return v.host.Journal() }

// Intent returns an intent with its derived status.
func (v *Vault) Intent(id common.Hash) (Intent, bool) {
	in, ok := v.intents[id]
	if !ok {
		return Intent{}, false
	}
	out := in.Clone()
	out.Status = in.StatusAt(v.host.Now())
	return out, true
}

// SupportedTokens lists the collateral in insertion order.
func (v *Vault) SupportedTokens() []SupportedToken {
	return append([]SupportedToken(nil), v.supported...)
}

// PreferredToken is the override tried after the caller's hint.
func (v *Vault) PreferredToken() common.Address { return v.preferred }

// SlippageBps is the buffer applied to oracle conversions.
func (v *Vault) SlippageBps() uint32 { return v.slippageBps }

func (v *Vault) supportedToken(token common.Address) (SupportedToken, bool) {
	for _, st := range v.supported {
		if st.Token == token {
			return st, true
		}
	}
	return SupportedToken{}, false
}

// CreateIntent records a fiat payment of valueUSD cents for beneficiary. The
// intent can be executed until expiresAt.
func (v *Vault) CreateIntent(ctx context.Context, caller common.Address, id common.Hash, beneficiary common.Address, valueUSD uint64, expiresAt int64) error {
	if id == (common.Hash{}) || beneficiary == (common.Address{}) || valueUSD == 0 {
		return fmt.Errorf("%w: intent id, beneficiary and value required", ErrParam)
	}
	return v.host.Transact(ctx, "vault.CreateIntent", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleOperator, caller); err != nil {
			return err
		}
		if _, exists := v.intents[id]; exists {
			return fmt.Errorf("%w: %s", ErrIntentExists, id.Hex())
		}
		now := v.host.Now()
		if expiresAt <= now {
			return fmt.Errorf("%w: expiry %d is not after %d", ErrParam, expiresAt, now)
		}
		in := Intent{
			ID:          id,
			Beneficiary: beneficiary,
			ValueUSD:    valueUSD,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
			Status:      IntentPending,
		}
		state.MapSet(v.journal(), v.intents, id, in)
		v.host.Emit(newIntentEvent(EventTypeIntentCreated, in))
		return nil
	})
}

// CancelIntent withdraws a pending intent.
func (v *Vault) CancelIntent(ctx context.Context, caller common.Address, id common.Hash) error {
	return v.host.Transact(ctx, "vault.CancelIntent", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleOperator, caller); err != nil {
			return err
		}
		in, ok := v.intents[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIntentNotFound, id.Hex())
		}
		if in.Status != IntentPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id.Hex(), in.Status)
		}
		in = in.Clone()
		in.Status = IntentCancelled
		in.UpdatedAt = v.host.Now()
		state.MapSet(v.journal(), v.intents, id, in)
		v.host.Emit(newIntentEvent(EventTypeIntentCancelled, in))
		return nil
	})
}

// ExecuteIntent releases collateral worth the intent value to its
// beneficiary. hint, when non-zero, is tried before the preferred token and
// the cheapest-deviation scan.
func (v *Vault) ExecuteIntent(ctx context.Context, caller common.Address, id common.Hash, hint common.Address) (Selection, error) {
	if err := v.guard.Enter(); err != nil {
		return Selection{}, err
	}
	defer v.guard.Exit()
	start := time.Now()
	var sel Selection
	err := v.host.Transact(ctx, "vault.ExecuteIntent", func(ctx context.Context) error {
		in, ok := v.intents[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIntentNotFound, id.Hex())
		}
		if caller != in.Beneficiary {
			return fmt.Errorf("%w: %s", ErrNotBeneficiary, caller.Hex())
		}
		if in.Status != IntentPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id.Hex(), in.Status)
		}
		now := v.host.Now()
		if now >= in.ExpiresAt {
			return fmt.Errorf("%w: %s expired at %d", ErrIntentExpired, id.Hex(), in.ExpiresAt)
		}
		var err error
		sel, err = v.selectToken(in.ValueUSD, hint)
		if err != nil {
			return err
		}
		received, err := v.transferChecked(ctx, sel.Token, v.address, in.Beneficiary, sel.Amount, func(ctx context.Context) error {
			return v.tokens.Transfer(ctx, sel.Token, v.address, in.Beneficiary, sel.Amount)
		})
		if err != nil {
			return err
		}
		in = in.Clone()
		in.Status = IntentFunded
		in.DebitedToken = sel.Token
		in.DebitedTokenAmount = received
		in.DebitedTokenPrice = new(big.Int).Set(sel.Price)
		in.ExecutedAtBlock = v.host.BlockNumber()
		in.UpdatedAt = now
		state.MapSet(v.journal(), v.intents, id, in)
		v.host.Emit(newIntentEvent(EventTypeIntentExecuted, in))
		return nil
	})
	v.metrics.Observe("vault.execute", time.Since(start), err)
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}

// SettleIntent records the USD actually spent from a funded intent and takes
// back the unspent collateral. It must run in the block the intent was
// executed in; the refund is valued at the execution price so a later price
// move cannot shrink it.
func (v *Vault) SettleIntent(ctx context.Context, caller common.Address, p SettleParams) (Intent, error) {
	if err := v.guard.Enter(); err != nil {
		return Intent{}, err
	}
	defer v.guard.Exit()
	start := time.Now()
	var out Intent
	err := v.host.Transact(ctx, "vault.SettleIntent", func(ctx context.Context) error {
		in, ok := v.intents[p.IntentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIntentNotFound, p.IntentID.Hex())
		}
		if caller != in.Beneficiary {
			return fmt.Errorf("%w: %s", ErrNotBeneficiary, caller.Hex())
		}
		if in.Status != IntentFunded {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, p.IntentID.Hex(), in.Status)
		}
		if block := v.host.BlockNumber(); block != in.ExecutedAtBlock {
			return fmt.Errorf("%w: executed in block %d, now %d", ErrRefundNotSameTransaction, in.ExecutedAtBlock, block)
		}
		settled := p.SpentUSD
		if settled > in.ValueUSD {
			settled = in.ValueUSD
		}
		refund := p.RefundAmount
		if refund == nil {
			refund = big.NewInt(0)
		}
		if refund.Sign() < 0 {
			return fmt.Errorf("%w: negative refund", ErrParam)
		}
		if shortfall := in.ValueUSD - settled; shortfall > 0 {
			decimals, err := v.tokens.Decimals(in.DebitedToken)
			if err != nil {
				return err
			}
			refundUSD, err := pricing.TokenToUSD(refund, decimals, in.DebitedTokenPrice, pricing.NormalizedDecimals, USDDecimals)
			if err != nil {
				return err
			}
			if refundUSD.Cmp(new(big.Int).SetUint64(shortfall)) < 0 {
				return fmt.Errorf("%w: refund worth %s cents, unspent %d cents", ErrInsufficientRefund, refundUSD, shortfall)
			}
		}
		if refund.Sign() > 0 {
			_, err := v.transferChecked(ctx, in.DebitedToken, in.Beneficiary, v.address, refund, func(ctx context.Context) error {
				return v.tokens.TransferFrom(ctx, in.DebitedToken, v.address, in.Beneficiary, v.address, refund)
			})
			if err != nil {
				return err
			}
		}
		in = in.Clone()
		in.Status = IntentSettled
		in.SettledUSD = settled
		in.UpdatedAt = v.host.Now()
		state.MapSet(v.journal(), v.intents, p.IntentID, in)
		v.host.Emit(newIntentEvent(EventTypeIntentSettled, in))
		out = in.Clone()
		return nil
	})
	v.metrics.Observe("vault.settle", time.Since(start), err)
	if err != nil {
		return Intent{}, err
	}
	return out, nil
}

// transferChecked runs move and fails unless to received exactly amount.
func (v *Vault) transferChecked(ctx context.Context, token, from, to common.Address, amount *big.Int, move func(context.Context) error) (*big.Int, error) {
	before := v.tokens.BalanceOf(token, to)
	if err := move(ctx); err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(v.tokens.BalanceOf(token, to), before)
	if received.Cmp(amount) != 0 {
		return nil, fmt.Errorf("%w: %s sent %s from %s, %s received", ErrFeeOnTransfer, token.Hex(), amount, from.Hex(), received)
	}
	return received, nil
}

// AddSupportedToken accepts token as collateral priced by feedID.
func (v *Vault) AddSupportedToken(ctx context.Context, caller, token common.Address, feedID common.Hash) error {
	if feedID == (common.Hash{}) {
		return fmt.Errorf("%w: feed id required", ErrParam)
	}
	return v.host.Transact(ctx, "vault.AddSupportedToken", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if _, err := v.tokens.Decimals(token); err != nil {
			return err
		}
		next := make([]SupportedToken, 0, len(v.supported)+1)
		replaced := false
		for _, st := range v.supported {
			if st.Token == token {
				st.FeedID = feedID
				replaced = true
			}
			next = append(next, st)
		}
		if !replaced {
			next = append(next, SupportedToken{Token: token, FeedID: feedID})
		}
		state.Set(v.journal(), &v.supported, next)
		v.host.Emit(newTokenEvent(EventTypeTokenAdded, token, map[string]string{"feedId": feedID.Hex()}))
		return nil
	})
}

// RemoveSupportedToken stops using token as collateral. A preferred token that
// is removed is cleared.
func (v *Vault) RemoveSupportedToken(ctx context.Context, caller, token common.Address) error {
	return v.host.Transact(ctx, "vault.RemoveSupportedToken", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if _, ok := v.supportedToken(token); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedToken, token.Hex())
		}
		next := make([]SupportedToken, 0, len(v.supported))
		for _, st := range v.supported {
			if st.Token != token {
				next = append(next, st)
			}
		}
		state.Set(v.journal(), &v.supported, next)
		if v.preferred == token {
			state.Set(v.journal(), &v.preferred, common.Address{})
		}
		v.host.Emit(newTokenEvent(EventTypeTokenRemoved, token, nil))
		return nil
	})
}

// SetPreferredToken sets the override tried before the scan. The zero address
// clears it.
func (v *Vault) SetPreferredToken(ctx context.Context, caller, token common.Address) error {
	return v.host.Transact(ctx, "vault.SetPreferredToken", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if token != (common.Address{}) {
			if _, ok := v.supportedToken(token); !ok {
				return fmt.Errorf("%w: %s", ErrUnsupportedToken, token.Hex())
			}
		}
		state.Set(v.journal(), &v.preferred, token)
		v.host.Emit(newTokenEvent(EventTypePreferredToken, token, nil))
		return nil
	})
}

// SetSlippageBps changes the buffer applied to oracle conversions.
func (v *Vault) SetSlippageBps(ctx context.Context, caller common.Address, bps uint32) error {
	if bps > MaxSlippageBps {
		return fmt.Errorf("%w: slippage %d bps above %d", ErrParam, bps, MaxSlippageBps)
	}
	return v.host.Transact(ctx, "vault.SetSlippageBps", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		state.Set(v.journal(), &v.slippageBps, bps)
		v.host.Emit(newVaultEvent(EventTypeSlippageSet, map[string]string{"bps": strconv.FormatUint(uint64(bps), 10)}))
		return nil
	})
}

// Withdraw moves treasury balance out of the vault.
func (v *Vault) Withdraw(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || to == (common.Address{}) {
		return fmt.Errorf("%w: positive amount and recipient required", ErrParam)
	}
	return v.host.Transact(ctx, "vault.Withdraw", func(ctx context.Context) error {
		if err := v.settings.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if err := v.tokens.Transfer(ctx, token, v.address, to, amount); err != nil {
			return err
		}
		v.host.Emit(newTokenEvent(EventTypeWithdrawn, token, map[string]string{"to": to.Hex(), "amount": amount.String()}))
		return nil
	})
}
