// Package payments computes the fee split of every purchase and moves the
// proceeds to fee receivers and sellers, either directly or into escrow while
// a release is in its initial sale.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/pricing"
	"sharemarket/core/state"
	"sharemarket/native/bank"
	"sharemarket/native/fees"
	"sharemarket/native/funds"
	"sharemarket/native/oracle"
	"sharemarket/native/payout"
	"sharemarket/native/settings"
	"sharemarket/observability"
)

// DefaultFeeSlippageBps bounds the conversion loss accepted when a fee receiver
// asks to be paid in another currency.
const DefaultFeeSlippageBps uint32 = 100

var (
	ErrInvalidCaller = errors.New("payments: caller is not the exchange")
	ErrParam         = errors.New("payments: invalid parameter")
	ErrNotAllowed    = errors.New("payments: direct value transfers are not accepted")
	ErrNoPriceFeed   = errors.New("payments: currency has no price feed")
)

// FeeSource resolves the fee table that applies to a release.
type FeeSource interface {
	FeesFor(release uint64) []fees.Distribution
}

// FundSink escrows proceeds during initial sales.
type FundSink interface {
	Address() common.Address
	HandleAddToFund(ctx context.Context, caller common.Address, release uint64, f funds.Fund) error
}

// Authorizer checks administrative roles.
type Authorizer interface {
	Require(role settings.Role, account common.Address) error
}

// PaymentParams describes the settlement of one matched listing.
type PaymentParams struct {
	ReleaseID uint64
	// Operator is the account the value is pulled from. It differs from Buyer
	// when a purchase is made on the buyer's behalf.
	Operator         common.Address
	Buyer            common.Address
	Seller           common.Address
	Currency         common.Address
	Value            *big.Int
	PayoutCurrency   common.Address
	SlippageBps      uint32
	CreateFund       bool
	IsProxyOperation bool
}

// Payment is one share of a settlement.
type Payment struct {
	Receiver common.Address
	Amount   *big.Int
	IsFee    bool
	Escrowed bool
	Result   payout.Result
}

// Settlement summarises a processed payment.
type Settlement struct {
	Fees         *big.Int
	SellerAmount *big.Int
	Payments     []Payment
}

// Processor settles purchases for the exchange.
type Processor struct {
	host     *state.Host
	address  common.Address
	owner    common.Address
	tokens   bank.Tokens
	settings *settings.Store
	auth     Authorizer
	prices   oracle.Source
	payout   *payout.Executor
	funds    FundSink
	fees     FeeSource
	feeds    map[common.Address]common.Hash
	metrics  *observability.MarketplaceMetrics
}

// NewProcessor constructs a processor holding transit balances under address.
// Only owner may settle payments.
func NewProcessor(host *state.Host, address, owner common.Address, tokens bank.Tokens, store *settings.Store, prices oracle.Source, executor *payout.Executor) *Processor {
	return &Processor{
		host:     host,
		address:  address,
		owner:    owner,
		tokens:   tokens,
		settings: store,
		auth:     store,
		prices:   prices,
		payout:   executor,
		feeds:    make(map[common.Address]common.Hash),
		metrics:  observability.Marketplace(),
	}
}

// Address is the account purchasers approve.
func (p *Processor) Address() common.Address { return p.address }

// SetFundSink wires the escrow used during initial sales.
func (p *Processor) SetFundSink(sink FundSink) { p.funds = sink }

// SetFeeSource wires the per-release fee resolution.
func (p *Processor) SetFeeSource(src FeeSource) { p.fees = src }

// Receive rejects bare value transfers to the processor.
func (p *Processor) Receive(common.Address, *big.Int) error { return ErrNotAllowed }

// SetPriceFeed binds currency to an oracle feed. A zero feed removes the
// binding.
func (p *Processor) SetPriceFeed(ctx context.Context, caller, currency common.Address, feedID common.Hash) error {
	return p.host.Transact(ctx, "payments.SetPriceFeed", func(ctx context.Context) error {
		if err := p.auth.Require(settings.RoleAdmin, caller); err != nil {
			return err
		}
		if feedID == (common.Hash{}) {
			state.MapDelete(p.host.Journal(), p.feeds, currency)
		} else {
			state.MapSet(p.host.Journal(), p.feeds, currency, feedID)
		}
		p.host.Emit(newPriceFeedSetEvent(caller, currency, feedID))
		return nil
	})
}

// HasPriceFeed reports whether currency can be quoted.
func (p *Processor) HasPriceFeed(currency common.Address) bool {
	_, ok := p.feeds[currency]
	return ok
}

// PriceFeed returns the feed bound to currency.
func (p *Processor) PriceFeed(currency common.Address) (common.Hash, bool) {
	id, ok := p.feeds[currency]
	return id, ok
}

// QuoteInCurrency converts a USD amount expressed with the price-ask decimals
// into currency units at the latest oracle price. The price must be at most
// oracle.MaxPriceAge seconds old. Every step truncates toward zero.
func (p *Processor) QuoteInCurrency(usd *big.Int, currency common.Address) (*big.Int, error) {
	feed, ok := p.feeds[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPriceFeed, currency.Hex())
	}
	price, err := p.prices.GetPriceNoOlderThan(feed, oracle.MaxPriceAge)
	if err != nil {
		return nil, err
	}
	decimals, err := p.tokens.Decimals(currency)
	if err != nil {
		return nil, err
	}
	return pricing.USDToToken(usd, p.settings.Load().PriceAskDecimals, price.Price, price.Decimals, decimals)
}

// CalculateFees splits amount across the fee table of a release.
func (p *Processor) CalculateFees(release uint64, amount *big.Int) (fees.Result, error) {
	var table []fees.Distribution
	if p.fees != nil {
		table = p.fees.FeesFor(release)
	} else {
		table = p.settings.Load().Fees
	}
	if err := fees.Validate(table); err != nil {
		return fees.Result{}, fmt.Errorf("payments: release %d: %w", release, err)
	}
	return fees.Calculate(table, amount), nil
}

type share struct {
	receiver    common.Address
	currency    common.Address
	slippageBps uint32
	amount      *big.Int
	isFee       bool
}

// HandleProcessPaymentWithFees pulls Value from the operator and pays every
// fee receiver and the seller. With CreateFund set every share is escrowed
// instead. A buyer paying themself is a no-op.
func (p *Processor) HandleProcessPaymentWithFees(ctx context.Context, caller common.Address, params PaymentParams) (Settlement, error) {
	if caller != p.owner {
		return Settlement{}, ErrInvalidCaller
	}
	if params.Value == nil || params.Value.Sign() < 0 {
		return Settlement{}, fmt.Errorf("%w: value", ErrParam)
	}
	if params.Operator == p.address {
		return Settlement{}, fmt.Errorf("%w: processor cannot pay itself", ErrParam)
	}
	if params.Buyer == params.Seller {
		return Settlement{Fees: big.NewInt(0), SellerAmount: big.NewInt(0)}, nil
	}
	if params.CreateFund && p.funds == nil {
		return Settlement{}, fmt.Errorf("%w: no fund manager configured", ErrParam)
	}
	start := time.Now()
	var out Settlement
	err := p.host.Transact(ctx, "payments.ProcessPayment", func(ctx context.Context) error {
		split, err := p.CalculateFees(params.ReleaseID, params.Value)
		if err != nil {
			return err
		}
		shares := make([]share, 0, len(split.Shares)+1)
		for _, s := range split.Shares {
			shares = append(shares, share{
				receiver:    s.Receiver.Address,
				currency:    s.Receiver.PayoutCurrency,
				slippageBps: DefaultFeeSlippageBps,
				amount:      s.Amount,
				isFee:       true,
			})
		}
		sellerAmount := split.Remainder(params.Value)
		shares = append(shares, share{
			receiver:    params.Seller,
			currency:    params.PayoutCurrency,
			slippageBps: params.SlippageBps,
			amount:      sellerAmount,
		})
		out = Settlement{Fees: split.Total, SellerAmount: sellerAmount}
		if params.CreateFund {
			return p.escrow(ctx, params, shares, &out)
		}
		if err := p.tokens.TransferFrom(ctx, params.Currency, p.address, params.Operator, p.address, params.Value); err != nil {
			return err
		}
		for _, s := range shares {
			if err := p.executeTransfer(ctx, params, s, &out); err != nil {
				return err
			}
		}
		return nil
	})
	p.metrics.Observe("payments.process", time.Since(start), err)
	if err != nil {
		return Settlement{}, err
	}
	return out, nil
}

// escrow moves the gross value to the fund manager in one transfer and
// records every share, burn shares included, as a fund entry. Burns happen
// when the entry is claimed so a cancelled sale refunds the whole payment.
func (p *Processor) escrow(ctx context.Context, params PaymentParams, shares []share, out *Settlement) error {
	if params.Value.Sign() == 0 {
		return nil
	}
	if err := p.tokens.TransferFrom(ctx, params.Currency, p.address, params.Operator, p.funds.Address(), params.Value); err != nil {
		return err
	}
	p.host.Emit(newFundTransferredEvent(params, p.funds.Address(), params.Value))
	for _, s := range shares {
		if s.amount.Sign() == 0 {
			continue
		}
		err := p.funds.HandleAddToFund(ctx, p.address, params.ReleaseID, funds.Fund{
			Buyer:            params.Buyer,
			Operator:         params.Operator,
			Participant:      s.receiver,
			IsProxyOperation: params.IsProxyOperation,
			Amount:           new(big.Int).Set(s.amount),
			Currency:         params.Currency,
			PayoutCurrency:   s.currency,
			SlippageBps:      s.slippageBps,
		})
		if err != nil {
			return err
		}
		pay := Payment{Receiver: s.receiver, Amount: s.amount, IsFee: s.isFee, Escrowed: true,
			Result: payout.Result{PaidCurrency: params.Currency, PaidAmount: new(big.Int).Set(s.amount)}}
		out.Payments = append(out.Payments, pay)
		p.host.Emit(newPaymentProcessedEvent(params, pay))
	}
	return nil
}

func (p *Processor) executeTransfer(ctx context.Context, params PaymentParams, s share, out *Settlement) error {
	if s.amount.Sign() == 0 {
		return nil
	}
	res, err := p.payout.Execute(ctx, payout.Request{
		From:           p.address,
		To:             s.receiver,
		Currency:       params.Currency,
		Amount:         s.amount,
		PayoutCurrency: s.currency,
		SlippageBps:    s.slippageBps,
	})
	if err != nil {
		return err
	}
	pay := Payment{Receiver: s.receiver, Amount: s.amount, IsFee: s.isFee, Result: res}
	out.Payments = append(out.Payments, pay)
	p.host.Emit(newPaymentProcessedEvent(params, pay))
	return nil
}
