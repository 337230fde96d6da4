package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/events"
	"payerx/core/state"
)

var (
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAddress        = errors.New("token: zero address")
	ErrUnauthorized          = errors.New("token: caller not authorized")
	ErrBalanceOverflow       = errors.New("token: balance overflow")
)

// Asset describes a registered token. Decimals are fixed at registration and
// never inferred.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type ledger struct {
	asset      Asset
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

// Bank is an in-process custodial token ledger exposing ERC20 style
// operations. All methods must run inside a state.Executor transaction or view.
type Bank struct {
	minter   common.Address
	tokens   map[common.Address]*ledger
	bySymbol map[string]common.Address
}

// NewBank constructs an empty bank. The minter is the only account allowed to
// create supply.
func NewBank(minter common.Address) *Bank {
	return &Bank{
		minter:   minter,
		tokens:   make(map[common.Address]*ledger),
		bySymbol: make(map[string]common.Address),
	}
}

// Register adds a token. Registration happens at wiring time, outside any
// transaction.
func (b *Bank) Register(asset Asset) error {
	if asset.Address == (common.Address{}) {
		return fmt.Errorf("register token: %w", ErrInvalidAddress)
	}
	symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
	if symbol == "" {
		return fmt.Errorf("register token: symbol required")
	}
	if _, ok := b.tokens[asset.Address]; ok {
		return fmt.Errorf("register token: %s already registered", asset.Address.Hex())
	}
	if _, ok := b.bySymbol[symbol]; ok {
		return fmt.Errorf("register token: symbol %s already registered", symbol)
	}
	asset.Symbol = symbol
	b.tokens[asset.Address] = &ledger{
		asset:      asset,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
	b.bySymbol[symbol] = asset.Address
	return nil
}

// Asset returns the registered metadata for token.
func (b *Bank) Asset(token common.Address) (Asset, error) {
	l, err := b.ledger(token)
	if err != nil {
		return Asset{}, err
	}
	return l.asset, nil
}

// Lookup resolves a token by symbol or hex address.
func (b *Bank) Lookup(ref string) (Asset, error) {
	trimmed := strings.TrimSpace(ref)
	if common.IsHexAddress(trimmed) {
		return b.Asset(common.HexToAddress(trimmed))
	}
	addr, ok := b.bySymbol[strings.ToUpper(trimmed)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownToken, trimmed)
	}
	return b.Asset(addr)
}

// Assets lists registered tokens in registration-independent address order.
func (b *Bank) Assets() []Asset {
	out := make([]Asset, 0, len(b.tokens))
	for _, l := range b.tokens {
		out = append(out, l.asset)
	}
	sortAssets(out)
	return out
}

// Minter returns the account allowed to mint.
func (b *Bank) Minter() common.Address { return b.minter }

func (b *Bank) ledger(token common.Address) (*ledger, error) {
	l, ok := b.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return l, nil
}

// BalanceOf returns a copy of the account balance.
func (b *Bank) BalanceOf(token, account common.Address) (*uint256.Int, error) {
	l, err := b.ledger(token)
	if err != nil {
		return nil, err
	}
	return l.balance(account), nil
}

// TotalSupply returns the minted supply of token.
func (b *Bank) TotalSupply(token common.Address) (*uint256.Int, error) {
	l, err := b.ledger(token)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(l.supply), nil
}

// Allowance returns how much spender may move on behalf of owner.
func (b *Bank) Allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	l, err := b.ledger(token)
	if err != nil {
		return nil, err
	}
	return l.allowance(owner, spender), nil
}

// Transfer moves amount from the caller to to.
func (b *Bank) Transfer(tx *state.Tx, token, from, to common.Address, amount *uint256.Int) error {
	l, err := b.ledger(token)
	if err != nil {
		return err
	}
	return l.move(tx, from, to, amount)
}

// TransferFrom moves amount from from to to using spender's allowance.
func (b *Bank) TransferFrom(tx *state.Tx, token, spender, from, to common.Address, amount *uint256.Int) error {
	l, err := b.ledger(token)
	if err != nil {
		return err
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	current := l.allowance(from, spender)
	if current.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := l.move(tx, from, to, amount); err != nil {
		return err
	}
	remaining := new(uint256.Int).Sub(current, amount)
	l.setAllowance(tx, from, spender, remaining)
	return nil
}

// Approve sets spender's allowance over owner's funds, replacing any prior
// value.
func (b *Bank) Approve(tx *state.Tx, token, owner, spender common.Address, amount *uint256.Int) error {
	l, err := b.ledger(token)
	if err != nil {
		return err
	}
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	l.setAllowance(tx, owner, spender, new(uint256.Int).Set(amount))
	return nil
}

// Mint creates supply for to. Only the configured minter may call it.
func (b *Bank) Mint(tx *state.Tx, caller, token, to common.Address, amount *uint256.Int) error {
	if b.minter == (common.Address{}) || caller != b.minter {
		return ErrUnauthorized
	}
	l, err := b.ledger(token)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	prevSupply := l.supply
	l.supply = supply
	tx.OnRevert(func() { l.supply = prevSupply })
	l.credit(tx, to, amount)
	tx.Emit(events.Transfer{Token: l.asset.Address, To: to, Amount: new(uint256.Int).Set(amount)})
	return nil
}

func (l *ledger) balance(account common.Address) *uint256.Int {
	if bal, ok := l.balances[account]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

func (l *ledger) allowance(owner, spender common.Address) *uint256.Int {
	if v, ok := l.allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (l *ledger) move(tx *state.Tx, from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	if l.balance(from).Lt(amount) {
		return ErrInsufficientBalance
	}
	l.debit(tx, from, amount)
	l.credit(tx, to, amount)
	tx.Emit(events.Transfer{Token: l.asset.Address, From: from, To: to, Amount: new(uint256.Int).Set(amount)})
	return nil
}

// debit assumes the balance was checked by the caller.
func (l *ledger) debit(tx *state.Tx, account common.Address, amount *uint256.Int) {
	l.setBalance(tx, account, new(uint256.Int).Sub(l.balance(account), amount))
}

// credit cannot overflow: every balance is bounded by the checked supply.
func (l *ledger) credit(tx *state.Tx, account common.Address, amount *uint256.Int) {
	l.setBalance(tx, account, new(uint256.Int).Add(l.balance(account), amount))
}

func (l *ledger) setBalance(tx *state.Tx, account common.Address, value *uint256.Int) {
	prev, existed := l.balances[account]
	tx.OnRevert(func() {
		if existed {
			l.balances[account] = prev
		} else {
			delete(l.balances, account)
		}
	})
	l.balances[account] = value
}

func (l *ledger) setAllowance(tx *state.Tx, owner, spender common.Address, value *uint256.Int) {
	key := allowanceKey{owner: owner, spender: spender}
	prev, existed := l.allowances[key]
	tx.OnRevert(func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
	if value.IsZero() {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = value
	}
	tx.Emit(events.Approval{Token: l.asset.Address, Owner: owner, Spender: spender, Amount: new(uint256.Int).Set(value)})
}
