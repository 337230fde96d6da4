package router

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/events"
	"payerx/core/state"
)

// Request is one payment instruction. ID is optional and only echoed into the
// receipt and the emitted record.
type Request struct {
	ID           string
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Recipient    common.Address
}

// Receipt describes a committed payment.
type Receipt struct {
	ID             string
	Sender         common.Address
	Recipient      common.Address
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *uint256.Int
	FeeAmount      *uint256.Int
	AmountAfterFee *uint256.Int
	AmountOut      *uint256.Int
	FeeCollector   common.Address
	FXEngine       common.Address
}

// Quote previews a payment without mutating state.
type Quote struct {
	FeeBps         uint16
	FeeAmount      *uint256.Int
	AmountAfterFee *uint256.Int
	AmountOut      *uint256.Int
}

func (req Request) validate() error {
	if req.TokenIn == (common.Address{}) || req.TokenOut == (common.Address{}) || req.Recipient == (common.Address{}) {
		return ErrInvalidInput
	}
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

// RouteAndPay pulls AmountIn from caller, pays the fee, converts the rest
// through the FX engine and delivers it to the recipient. Any failure leaves
// every balance untouched once the enclosing transaction reverts.
func (r *Router) RouteAndPay(tx *state.Tx, caller common.Address, req Request) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	if caller == (common.Address{}) {
		return Receipt{}, ErrInvalidInput
	}
	minOut := new(uint256.Int)
	if req.MinAmountOut != nil {
		minOut.Set(req.MinAmountOut)
	}

	if err := r.bank.TransferFrom(tx, req.TokenIn, r.address, caller, r.address, req.AmountIn); err != nil {
		return Receipt{}, fmt.Errorf("pull payment: %w", err)
	}
	fee, afterFee := SplitFee(req.AmountIn, r.feeBps)
	if !fee.IsZero() {
		if err := r.bank.Transfer(tx, req.TokenIn, r.address, r.feeCollector, fee); err != nil {
			return Receipt{}, fmt.Errorf("pay fee: %w", err)
		}
	}

	var amountOut *uint256.Int
	if req.TokenIn == req.TokenOut {
		amountOut = new(uint256.Int).Set(afterFee)
		if amountOut.Lt(minOut) {
			return Receipt{}, ErrSlippageExceeded
		}
		if err := r.bank.Transfer(tx, req.TokenOut, r.address, req.Recipient, amountOut); err != nil {
			return Receipt{}, fmt.Errorf("pay recipient: %w", err)
		}
	} else {
		engine := r.engine.Address()
		if err := r.bank.Approve(tx, req.TokenIn, r.address, engine, afterFee); err != nil {
			return Receipt{}, fmt.Errorf("approve engine: %w", err)
		}
		out, err := r.engine.Swap(tx, r.address, req.TokenIn, req.TokenOut, afterFee, minOut, req.Recipient)
		if err != nil {
			return Receipt{}, err
		}
		if out.Lt(minOut) {
			return Receipt{}, ErrSlippageExceeded
		}
		amountOut = out
	}

	if err := r.assertEmpty(req.TokenIn, req.TokenOut); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		ID:             req.ID,
		Sender:         caller,
		Recipient:      req.Recipient,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       new(uint256.Int).Set(req.AmountIn),
		FeeAmount:      fee,
		AmountAfterFee: afterFee,
		AmountOut:      new(uint256.Int).Set(amountOut),
		FeeCollector:   r.feeCollector,
		FXEngine:       r.engine.Address(),
	}
	tx.Emit(events.PaymentRouted{
		ID:           receipt.ID,
		Sender:       receipt.Sender,
		Recipient:    receipt.Recipient,
		TokenIn:      receipt.TokenIn,
		TokenOut:     receipt.TokenOut,
		AmountIn:     new(uint256.Int).Set(receipt.AmountIn),
		AmountOut:    new(uint256.Int).Set(receipt.AmountOut),
		FeeAmount:    new(uint256.Int).Set(receipt.FeeAmount),
		FeeCollector: receipt.FeeCollector,
		FXEngine:     receipt.FXEngine,
	})
	return receipt, nil
}

func (r *Router) assertEmpty(tokens ...common.Address) error {
	for _, tok := range tokens {
		bal, err := r.bank.BalanceOf(tok, r.address)
		if err != nil {
			return err
		}
		if !bal.IsZero() {
			return fmt.Errorf("%w: %s %s", ErrRouterHoldsFunds, bal.Dec(), tok.Hex())
		}
	}
	return nil
}

// Quote previews fee, amount after fee and output for a payment. Conversion
// errors propagate.
func (r *Router) Quote(reader state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (Quote, error) {
	if tokenIn == (common.Address{}) || tokenOut == (common.Address{}) || amountIn == nil || amountIn.IsZero() {
		return Quote{}, ErrInvalidInput
	}
	fee, afterFee := SplitFee(amountIn, r.feeBps)
	q := Quote{FeeBps: r.feeBps, FeeAmount: fee, AmountAfterFee: afterFee}
	if tokenIn == tokenOut {
		q.AmountOut = new(uint256.Int).Set(afterFee)
		return q, nil
	}
	out, err := r.engine.Quote(reader, tokenIn, tokenOut, afterFee)
	if err != nil {
		return Quote{}, err
	}
	q.AmountOut = out
	return q, nil
}

// EstimatedOutput is the gross engine output for amountIn, or zero when no
// fresh rate exists. The fee is not deducted.
func (r *Router) EstimatedOutput(reader state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) *uint256.Int {
	if amountIn == nil {
		return new(uint256.Int)
	}
	if tokenIn == tokenOut {
		return new(uint256.Int).Set(amountIn)
	}
	return r.engine.EstimatedOutput(reader, tokenIn, tokenOut, amountIn)
}
