package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"payerx/core/state"
)

// Approve sets spender's allowance over caller's tokens.
func (e *Engine) Approve(ctx context.Context, caller, tok, spender common.Address, amount *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "approve", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.bank.Approve(tx, tok, caller, spender, amount)
	})
}

// Transfer moves caller's tokens to to.
func (e *Engine) Transfer(ctx context.Context, caller, tok, to common.Address, amount *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "transfer", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.bank.Transfer(tx, tok, caller, to, amount)
	})
}

// Mint creates supply. Only the bank minter may call it.
func (e *Engine) Mint(ctx context.Context, caller, tok, to common.Address, amount *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "mint", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.bank.Mint(tx, caller, tok, to, amount)
	})
}

// BalanceOf returns account's balance of tok.
func (e *Engine) BalanceOf(ctx context.Context, tok, account common.Address) (out *uint256.Int, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		out, err = e.bank.BalanceOf(tok, account)
		return err
	})
	return out, err
}

// Allowance returns spender's remaining allowance over owner's tokens.
func (e *Engine) Allowance(ctx context.Context, tok, owner, spender common.Address) (out *uint256.Int, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		out, err = e.bank.Allowance(tok, owner, spender)
		return err
	})
	return out, err
}
