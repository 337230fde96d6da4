package fx

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/state"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/token"
)

var (
	ErrSlippageExceeded = errors.New("fx: slippage exceeded")
	ErrDecimalsMismatch = errors.New("fx: token decimals differ")
	ErrInvalidInput     = errors.New("fx: invalid input")
)

// Bank is the token surface the adapter needs.
type Bank interface {
	Asset(token common.Address) (token.Asset, error)
	TransferFrom(tx *state.Tx, token, spender, from, to common.Address, amount *uint256.Int) error
}

// Adapter converts one token into another at the registry rate, paying out of
// the ledger's tracked reserve. Its address is the ledger custody account.
type Adapter struct {
	bank     Bank
	registry *rates.Registry
	ledger   *liquidity.Ledger
}

// NewAdapter wires a registry and a ledger into a swap engine.
func NewAdapter(bank Bank, registry *rates.Registry, ledger *liquidity.Ledger) (*Adapter, error) {
	if bank == nil || registry == nil || ledger == nil {
		return nil, ErrInvalidInput
	}
	return &Adapter{bank: bank, registry: registry, ledger: ledger}, nil
}

// Address is where swap inputs are sent and outputs come from.
func (a *Adapter) Address() common.Address { return a.ledger.Custody() }

// Registry exposes the rate registry.
func (a *Adapter) Registry() *rates.Registry { return a.registry }

// Ledger exposes the liquidity ledger.
func (a *Adapter) Ledger() *liquidity.Ledger { return a.ledger }

// Quote converts amountIn without reserving anything. Conversion errors
// propagate unchanged.
func (a *Adapter) Quote(r state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if err := a.checkDecimals(tokenIn, tokenOut); err != nil {
		return nil, err
	}
	return a.registry.Convert(r, tokenIn, tokenOut, amountIn)
}

// EstimatedOutput returns the gross conversion, or zero when the rate is
// missing or stale.
func (a *Adapter) EstimatedOutput(r state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) *uint256.Int {
	out, err := a.Quote(r, tokenIn, tokenOut, amountIn)
	if err != nil {
		return new(uint256.Int)
	}
	return out
}

// Swap pulls amountIn from caller and pays the converted amount to to. The
// caller must have approved the adapter address for amountIn.
func (a *Adapter) Swap(tx *state.Tx, caller, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, to common.Address) (*uint256.Int, error) {
	if tokenIn == (common.Address{}) || tokenOut == (common.Address{}) || to == (common.Address{}) {
		return nil, ErrInvalidInput
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrInvalidInput
	}
	amountOut, err := a.Quote(tx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if err := a.ledger.ReserveForSwap(tx, tokenOut, amountOut); err != nil {
		return nil, err
	}
	if minAmountOut != nil && amountOut.Lt(minAmountOut) {
		return nil, ErrSlippageExceeded
	}
	custody := a.ledger.Custody()
	if err := a.bank.TransferFrom(tx, tokenIn, custody, caller, custody, amountIn); err != nil {
		return nil, fmt.Errorf("collect input: %w", err)
	}
	if err := a.ledger.Payout(tx, tokenOut, to, amountOut); err != nil {
		return nil, fmt.Errorf("pay output: %w", err)
	}
	return amountOut, nil
}

func (a *Adapter) checkDecimals(tokenIn, tokenOut common.Address) error {
	in, err := a.bank.Asset(tokenIn)
	if err != nil {
		return err
	}
	out, err := a.bank.Asset(tokenOut)
	if err != nil {
		return err
	}
	if in.Decimals != out.Decimals {
		return fmt.Errorf("%w: %s has %d, %s has %d", ErrDecimalsMismatch, in.Symbol, in.Decimals, out.Symbol, out.Decimals)
	}
	return nil
}
