package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"sharemarket/core/pricing"
	"sharemarket/core/state"
)

var (
	// NativeToken identifies the chain's native currency.
	NativeToken = common.Address{}
	// DeadAddress receives tokens that could not be burned.
	DeadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

var (
	ErrUnknownToken          = errors.New("bank: unknown token")
	ErrTokenExists           = errors.New("bank: token already registered")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrInvalidAmount         = errors.New("bank: amount must be non-negative")
	ErrZeroRecipient         = errors.New("bank: transfer to the zero address")
	ErrTokenPaused           = errors.New("bank: token transfers paused")
	ErrBurnUnsupported       = errors.New("bank: token does not support burnFrom")
	ErrWrappedNotConfigured  = errors.New("bank: wrapped native token not configured")
)

// Token describes a fungible token tracked by the ledger.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	// Burnable enables BurnFrom; tokens without it behave like plain ERC-20s.
	Burnable bool
	// FeeOnTransferBps burns a share of every transfer, modelling deflationary tokens.
	FeeOnTransferBps uint32
	Paused           bool
}

// Tokens is the token surface consumed by the marketplace engines.
type Tokens interface {
	Decimals(token common.Address) (uint8, error)
	BalanceOf(token, owner common.Address) *big.Int
	Allowance(token, owner, spender common.Address) *big.Int
	Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error
	BurnFrom(ctx context.Context, token, spender, from common.Address, amount *big.Int) error
	WrappedNative() common.Address
	Wrap(ctx context.Context, owner common.Address, amount *big.Int) error
	Unwrap(ctx context.Context, owner common.Address, amount *big.Int) error
}

var _ Tokens = (*Ledger)(nil)

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type balanceKey struct {
	token common.Address
	owner common.Address
}

// Ledger is the token ledger shared by every engine. Balances are immutable
// big.Int values replaced on every write so the host journal can revert them.
type Ledger struct {
	host       *state.Host
	tokens     map[common.Address]Token
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	supply     map[common.Address]*big.Int
	wrapped    common.Address
}

// NewLedger constructs a ledger with the native currency pre-registered.
func NewLedger(host *state.Host) *Ledger {
	l := &Ledger{
		host:       host,
		tokens:     make(map[common.Address]Token),
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		supply:     make(map[common.Address]*big.Int),
	}
	l.tokens[NativeToken] = Token{Address: NativeToken, Symbol: "NATIVE", Decimals: 18}
	return l
}

func (l *Ledger) journal() *state.Journal {
	if l.host == nil {
		return nil
	}
	return l.host.Journal()
}

func (l *Ledger) transact(ctx context.Context, name string, fn func(context.Context) error) error {
	if l.host == nil {
		return fn(ctx)
	}
	return l.host.Transact(ctx, name, fn)
}

// RegisterToken adds a token definition to the ledger.
func (l *Ledger) RegisterToken(ctx context.Context, token Token) error {
	if token.Address == NativeToken {
		return fmt.Errorf("%w: native token is implicit", ErrTokenExists)
	}
	return l.transact(ctx, "bank.RegisterToken", func(ctx context.Context) error {
		if _, ok := l.tokens[token.Address]; ok {
			return fmt.Errorf("%w: %s", ErrTokenExists, token.Address.Hex())
		}
		token.Symbol = strings.ToUpper(strings.TrimSpace(token.Symbol))
		state.MapSet(l.journal(), l.tokens, token.Address, token)
		return nil
	})
}

// SetWrappedNative designates a registered token as the wrapped native currency.
func (l *Ledger) SetWrappedNative(ctx context.Context, token common.Address) error {
	return l.transact(ctx, "bank.SetWrappedNative", func(ctx context.Context) error {
		if _, ok := l.tokens[token]; !ok || token == NativeToken {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		state.Set(l.journal(), &l.wrapped, token)
		return nil
	})
}

// WrappedNative returns the wrapped native token address.
func (l *Ledger) WrappedNative() common.Address { return l.wrapped }

// SetPaused toggles the paused flag of a token. Paused tokens reject transfers.
func (l *Ledger) SetPaused(ctx context.Context, token common.Address, paused bool) error {
	return l.transact(ctx, "bank.SetPaused", func(ctx context.Context) error {
		def, ok := l.tokens[token]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		def.Paused = paused
		state.MapSet(l.journal(), l.tokens, token, def)
		return nil
	})
}

// Token returns the token definition.
func (l *Ledger) Token(token common.Address) (Token, bool) {
	def, ok := l.tokens[token]
	return def, ok
}

// Decimals returns the decimals of the token.
func (l *Ledger) Decimals(token common.Address) (uint8, error) {
	def, ok := l.tokens[token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return def.Decimals, nil
}

// BalanceOf returns a copy of the owner's balance.
func (l *Ledger) BalanceOf(token, owner common.Address) *big.Int {
	if bal, ok := l.balances[balanceKey{token: token, owner: owner}]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// TotalSupply returns the minted supply net of burns.
func (l *Ledger) TotalSupply(token common.Address) *big.Int {
	if s, ok := l.supply[token]; ok {
		return new(big.Int).Set(s)
	}
	return big.NewInt(0)
}

// Allowance returns the remaining amount spender may pull from owner.
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(a)
	}
	return big.NewInt(0)
}

// Mint credits newly issued tokens to the recipient.
func (l *Ledger) Mint(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.Mint", func(ctx context.Context) error {
		if _, ok := l.tokens[token]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		l.credit(token, to, amount)
		l.adjustSupply(token, amount)
		return nil
	})
}

// Approve sets the amount spender may pull from owner.
func (l *Ledger) Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.Approve", func(ctx context.Context) error {
		if _, ok := l.tokens[token]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		state.MapSet(l.journal(), l.allowances, allowanceKey{token: token, owner: owner, spender: spender}, new(big.Int).Set(amount))
		return nil
	})
}

// Transfer moves tokens owned by from. The caller is trusted to act for from.
func (l *Ledger) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.Transfer", func(ctx context.Context) error {
		return l.move(token, from, to, amount)
	})
}

// TransferFrom moves tokens on behalf of from, consuming spender's allowance
// unless spender is the owner.
func (l *Ledger) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.TransferFrom", func(ctx context.Context) error {
		if err := l.spendAllowance(token, from, spender, amount); err != nil {
			return err
		}
		return l.move(token, from, to, amount)
	})
}

// BurnFrom destroys tokens held by from. Tokens that are not burnable fail with
// ErrBurnUnsupported so callers can fall back to a dead-address transfer.
func (l *Ledger) BurnFrom(ctx context.Context, token, spender, from common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.BurnFrom", func(ctx context.Context) error {
		def, ok := l.tokens[token]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		if !def.Burnable {
			return ErrBurnUnsupported
		}
		if def.Paused {
			return ErrTokenPaused
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if err := l.spendAllowance(token, from, spender, amount); err != nil {
			return err
		}
		if err := l.debit(token, from, amount); err != nil {
			return err
		}
		l.adjustSupply(token, new(big.Int).Neg(amount))
		return nil
	})
}

// Wrap converts native currency held by owner into the wrapped token.
func (l *Ledger) Wrap(ctx context.Context, owner common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.Wrap", func(ctx context.Context) error {
		if l.wrapped == (common.Address{}) {
			return ErrWrappedNotConfigured
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if err := l.debit(NativeToken, owner, amount); err != nil {
			return err
		}
		l.credit(l.wrapped, owner, amount)
		l.adjustSupply(l.wrapped, amount)
		return nil
	})
}

// Unwrap converts wrapped native tokens held by owner back into native currency.
func (l *Ledger) Unwrap(ctx context.Context, owner common.Address, amount *big.Int) error {
	return l.transact(ctx, "bank.Unwrap", func(ctx context.Context) error {
		if l.wrapped == (common.Address{}) {
			return ErrWrappedNotConfigured
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if err := l.debit(l.wrapped, owner, amount); err != nil {
			return err
		}
		l.adjustSupply(l.wrapped, new(big.Int).Neg(amount))
		l.credit(NativeToken, owner, amount)
		return nil
	})
}

func (l *Ledger) spendAllowance(token, owner, spender common.Address, amount *big.Int) error {
	if spender == owner {
		return nil
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	key := allowanceKey{token: token, owner: owner, spender: spender}
	current := l.Allowance(token, owner, spender)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: spender %s has %s, needs %s", ErrInsufficientAllowance, spender.Hex(), current, amount)
	}
	state.MapSet(l.journal(), l.allowances, key, current.Sub(current, amount))
	return nil
}

func (l *Ledger) move(token, from, to common.Address, amount *big.Int) error {
	def, ok := l.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	if def.Paused {
		return ErrTokenPaused
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroRecipient
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	received := new(big.Int).Set(amount)
	if def.FeeOnTransferBps > 0 {
		fee := pricing.ApplyBps(amount, def.FeeOnTransferBps)
		received.Sub(received, fee)
		l.adjustSupply(token, new(big.Int).Neg(fee))
	}
	l.credit(token, to, received)
	return nil
}

func (l *Ledger) debit(token, owner common.Address, amount *big.Int) error {
	current := l.BalanceOf(token, owner)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, owner.Hex(), current, amount)
	}
	state.MapSet(l.journal(), l.balances, balanceKey{token: token, owner: owner}, current.Sub(current, amount))
	return nil
}

func (l *Ledger) credit(token, owner common.Address, amount *big.Int) {
	current := l.BalanceOf(token, owner)
	state.MapSet(l.journal(), l.balances, balanceKey{token: token, owner: owner}, current.Add(current, amount))
}

func (l *Ledger) adjustSupply(token common.Address, delta *big.Int) {
	current := l.TotalSupply(token)
	state.MapSet(l.journal(), l.supply, token, current.Add(current, delta))
}
