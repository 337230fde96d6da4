package liquidity

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/native/token"
)

var (
	ErrUnauthorized          = errors.New("liquidity: caller not authorized")
	ErrInvalidInput          = errors.New("liquidity: invalid input")
	ErrInsufficientLiquidity = errors.New("liquidity: insufficient liquidity")
)

// Bank is the custodial transfer surface the ledger moves funds through.
type Bank interface {
	BalanceOf(token, account common.Address) (*uint256.Int, error)
	Transfer(tx *state.Tx, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(tx *state.Tx, token, spender, from, to common.Address, amount *uint256.Int) error
	Asset(token common.Address) (token.Asset, error)
}

// Reserve is a persisted tracked amount.
type Reserve struct {
	Token  common.Address
	Amount *uint256.Int
}

// Ledger tracks how much of each token held by its custody account is
// earmarked for swaps. The tracked amount may lag the custodial balance
// until SyncLiquidity absorbs the gap.
type Ledger struct {
	custody   common.Address
	owner     common.Address
	bank      Bank
	providers map[common.Address]bool
	reserves  map[common.Address]*uint256.Int
}

// NewLedger constructs a ledger whose funds live at the custody address.
func NewLedger(custody, owner common.Address, bank Bank) (*Ledger, error) {
	if custody == (common.Address{}) || owner == (common.Address{}) || bank == nil {
		return nil, ErrInvalidInput
	}
	return &Ledger{
		custody:   custody,
		owner:     owner,
		bank:      bank,
		providers: make(map[common.Address]bool),
		reserves:  make(map[common.Address]*uint256.Int),
	}, nil
}

// Custody returns the account that holds the ledger's funds.
func (l *Ledger) Custody() common.Address { return l.custody }

// Owner returns the ledger owner.
func (l *Ledger) Owner() common.Address { return l.owner }

// IsProvider reports whether account may call AddLiquidity.
func (l *Ledger) IsProvider(account common.Address) bool {
	if account == (common.Address{}) {
		return false
	}
	return account == l.owner || l.providers[account]
}

// Providers lists the owner-managed providers in address order.
func (l *Ledger) Providers() []common.Address {
	out := make([]common.Address, 0, len(l.providers))
	for addr := range l.providers {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// SetProvider grants or revokes the right to add liquidity. Owner only.
func (l *Ledger) SetProvider(tx *state.Tx, caller, account common.Address, allowed bool) error {
	if caller != l.owner {
		return ErrUnauthorized
	}
	if account == (common.Address{}) {
		return ErrInvalidInput
	}
	prev := l.providers[account]
	if prev == allowed {
		return nil
	}
	tx.OnRevert(func() { l.setProviderFlag(account, prev) })
	l.setProviderFlag(account, allowed)
	tx.Emit(events.LiquidityProviderUpdated{Ledger: l.custody, Provider: account, Allowed: allowed})
	return nil
}

func (l *Ledger) setProviderFlag(account common.Address, allowed bool) {
	if allowed {
		l.providers[account] = true
		return
	}
	delete(l.providers, account)
}

// GetLiquidity returns the tracked reserve for token.
func (l *Ledger) GetLiquidity(tok common.Address) *uint256.Int {
	if v, ok := l.reserves[tok]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// AddLiquidity pulls amount from caller into custody and tracks it. The caller
// must have approved the custody account.
func (l *Ledger) AddLiquidity(tx *state.Tx, caller, tok common.Address, amount *uint256.Int) error {
	if !l.IsProvider(caller) {
		return ErrUnauthorized
	}
	if tok == (common.Address{}) || amount == nil || amount.IsZero() {
		return ErrInvalidInput
	}
	if err := l.bank.TransferFrom(tx, tok, l.custody, caller, l.custody, amount); err != nil {
		return err
	}
	reserve, overflow := new(uint256.Int).AddOverflow(l.GetLiquidity(tok), amount)
	if overflow {
		return fmt.Errorf("%w: reserve overflow", ErrInvalidInput)
	}
	l.setReserve(tx, tok, reserve)
	tx.Emit(events.LiquidityAdded{
		Ledger:   l.custody,
		Token:    tok,
		Provider: caller,
		Amount:   new(uint256.Int).Set(amount),
		Reserve:  new(uint256.Int).Set(reserve),
	})
	return nil
}

// ReserveForSwap consumes tracked reserve for a pending payout. It is the gate
// that prevents promising more output than the ledger has earmarked.
func (l *Ledger) ReserveForSwap(tx *state.Tx, tok common.Address, amount *uint256.Int) error {
	if amount == nil {
		amount = new(uint256.Int)
	}
	current := l.GetLiquidity(tok)
	if amount.Gt(current) {
		return ErrInsufficientLiquidity
	}
	remaining := new(uint256.Int).Sub(current, amount)
	l.setReserve(tx, tok, remaining)
	tx.Emit(events.LiquidityReserved{
		Ledger:  l.custody,
		Token:   tok,
		Amount:  new(uint256.Int).Set(amount),
		Reserve: new(uint256.Int).Set(remaining),
	})
	return nil
}

// Payout sends reserved funds from custody. Callers must have called
// ReserveForSwap for the same amount within the transaction.
func (l *Ledger) Payout(tx *state.Tx, tok, to common.Address, amount *uint256.Int) error {
	return l.bank.Transfer(tx, tok, l.custody, to, amount)
}

// SyncLiquidity raises the tracked reserve to the custodial balance. It never
// lowers the reserve and is a no-op when nothing is untracked. The absorbed
// delta is returned.
func (l *Ledger) SyncLiquidity(tx *state.Tx, tok common.Address) (*uint256.Int, error) {
	bal, err := l.bank.BalanceOf(tok, l.custody)
	if err != nil {
		return nil, err
	}
	current := l.GetLiquidity(tok)
	if !bal.Gt(current) {
		return new(uint256.Int), nil
	}
	delta := new(uint256.Int).Sub(bal, current)
	l.setReserve(tx, tok, bal)
	tx.Emit(events.LiquiditySynced{
		Ledger:  l.custody,
		Token:   tok,
		Delta:   new(uint256.Int).Set(delta),
		Reserve: new(uint256.Int).Set(bal),
		Balance: new(uint256.Int).Set(bal),
	})
	return delta, nil
}

// EmergencyWithdraw sends tracked funds from custody to the owner.
func (l *Ledger) EmergencyWithdraw(tx *state.Tx, caller, tok common.Address, amount *uint256.Int) error {
	if caller != l.owner {
		return ErrUnauthorized
	}
	if tok == (common.Address{}) || amount == nil || amount.IsZero() {
		return ErrInvalidInput
	}
	current := l.GetLiquidity(tok)
	if amount.Gt(current) {
		return ErrInsufficientLiquidity
	}
	if err := l.bank.Transfer(tx, tok, l.custody, caller, amount); err != nil {
		return err
	}
	remaining := new(uint256.Int).Sub(current, amount)
	l.setReserve(tx, tok, remaining)
	tx.Emit(events.EmergencyWithdrawal{
		Ledger:  l.custody,
		Token:   tok,
		To:      caller,
		Amount:  new(uint256.Int).Set(amount),
		Reserve: new(uint256.Int).Set(remaining),
	})
	return nil
}

func (l *Ledger) setReserve(tx *state.Tx, tok common.Address, value *uint256.Int) {
	prev, existed := l.reserves[tok]
	tx.OnRevert(func() {
		if existed {
			l.reserves[tok] = prev
		} else {
			delete(l.reserves, tok)
		}
	})
	l.reserves[tok] = value
}

// Snapshot lists tracked reserves ordered by token.
func (l *Ledger) Snapshot() []Reserve {
	out := make([]Reserve, 0, len(l.reserves))
	for tok, amount := range l.reserves {
		out = append(out, Reserve{Token: tok, Amount: new(uint256.Int).Set(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Token[:], out[j].Token[:]) < 0 })
	return out
}

// Restore loads persisted reserves and providers without emitting events.
func (l *Ledger) Restore(reserves []Reserve, providers []common.Address) {
	for _, r := range reserves {
		if r.Amount == nil {
			continue
		}
		l.reserves[r.Token] = new(uint256.Int).Set(r.Amount)
	}
	for _, p := range providers {
		if p != (common.Address{}) {
			l.providers[p] = true
		}
	}
}
