package token

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Holding is a persisted balance row.
type Holding struct {
	Token   common.Address
	Account common.Address
	Amount  *uint256.Int
}

// Grant is a persisted allowance row.
type Grant struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// Restore loads persisted balances and allowances. It must run before the
// bank serves transactions. Supply is recomputed from the restored balances.
func (b *Bank) Restore(holdings []Holding, grants []Grant) error {
	for _, h := range holdings {
		l, err := b.ledger(h.Token)
		if err != nil {
			return fmt.Errorf("restore balance: %w", err)
		}
		if h.Amount == nil || h.Amount.IsZero() {
			continue
		}
		supply, overflow := new(uint256.Int).AddOverflow(l.supply, h.Amount)
		if overflow {
			return fmt.Errorf("restore balance: %w", ErrBalanceOverflow)
		}
		l.supply = supply
		l.balances[h.Account] = new(uint256.Int).Set(h.Amount)
	}
	for _, g := range grants {
		l, err := b.ledger(g.Token)
		if err != nil {
			return fmt.Errorf("restore allowance: %w", err)
		}
		if g.Amount == nil || g.Amount.IsZero() {
			continue
		}
		l.allowances[allowanceKey{owner: g.Owner, spender: g.Spender}] = new(uint256.Int).Set(g.Amount)
	}
	return nil
}

// Holdings lists every non-zero balance, ordered by token then account.
func (b *Bank) Holdings() []Holding {
	var out []Holding
	for _, l := range b.tokens {
		for account, amount := range l.balances {
			if amount.IsZero() {
				continue
			}
			out = append(out, Holding{Token: l.asset.Address, Account: account, Amount: new(uint256.Int).Set(amount)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// Grants lists every non-zero allowance, ordered by token, owner then spender.
func (b *Bank) Grants() []Grant {
	var out []Grant
	for _, l := range b.tokens {
		for key, amount := range l.allowances {
			if amount.IsZero() {
				continue
			}
			out = append(out, Grant{Token: l.asset.Address, Owner: key.owner, Spender: key.spender, Amount: new(uint256.Int).Set(amount)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(out[i].Owner[:], out[j].Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Spender[:], out[j].Spender[:]) < 0
	})
	return out
}

func sortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool {
		return bytes.Compare(assets[i].Address[:], assets[j].Address[:]) < 0
	})
}
