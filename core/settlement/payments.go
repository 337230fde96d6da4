package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"payerx/core/state"
	"payerx/native/router"
)

// RouteAndPay settles one payment as caller. A payment id is assigned when the
// request carries none.
func (e *Engine) RouteAndPay(ctx context.Context, caller common.Address, req router.Request) (receipt router.Receipt, err error) {
	if req.ID == "" {
		req.ID = e.newID()
	}
	ctx, done := e.begin(ctx, "route_and_pay",
		attribute.String("payment.id", req.ID),
		attribute.String("token_in", req.TokenIn.Hex()),
		attribute.String("token_out", req.TokenOut.Hex()),
	)
	defer func() { done(err) }()

	err = e.exec.Execute(ctx, func(tx *state.Tx) error {
		var err error
		receipt, err = e.router.RouteAndPay(tx, caller, req)
		return err
	})
	if err != nil {
		e.logger.Warn("payment rejected", "payment_id", req.ID, "account", caller.Hex(), "error", err)
		return router.Receipt{}, err
	}
	e.logger.Info("payment routed",
		"payment_id", receipt.ID,
		"account", caller.Hex(),
		"amount_in", receipt.AmountIn.Dec(),
		"amount_out", receipt.AmountOut.Dec(),
		"fee", receipt.FeeAmount.Dec(),
	)
	return receipt, nil
}

// Quote previews a payment.
func (e *Engine) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (q router.Quote, err error) {
	ctx, done := e.begin(ctx, "quote")
	defer func() { done(err) }()
	err = e.exec.View(ctx, func(r state.Reader) error {
		var err error
		q, err = e.router.Quote(r, tokenIn, tokenOut, amountIn)
		return err
	})
	return q, err
}

// EstimatedOutput is the gross output for amountIn, or zero without a fresh
// rate.
func (e *Engine) EstimatedOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (out *uint256.Int, err error) {
	ctx, done := e.begin(ctx, "estimated_output")
	defer func() { done(err) }()
	err = e.exec.View(ctx, func(r state.Reader) error {
		out = e.router.EstimatedOutput(r, tokenIn, tokenOut, amountIn)
		return nil
	})
	return out, err
}

// RouterInfo describes the router configuration.
type RouterInfo struct {
	Address      common.Address
	Owner        common.Address
	FeeCollector common.Address
	FeeBps       uint16
	MaxFeeBps    uint16
	Engine       common.Address
}

// Router returns the current router configuration.
func (e *Engine) Router(ctx context.Context) (info RouterInfo, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		info = RouterInfo{
			Address:      e.router.Address(),
			Owner:        e.router.Owner(),
			FeeCollector: e.router.FeeCollector(),
			FeeBps:       e.router.FeeBps(),
			MaxFeeBps:    e.router.MaxFeeBps(),
			Engine:       e.router.Engine().Address(),
		}
		return nil
	})
	return info, err
}

// UpdateFXEngine rebinds the router to the configured engine at addr.
func (e *Engine) UpdateFXEngine(ctx context.Context, caller, addr common.Address) (err error) {
	ctx, done := e.begin(ctx, "update_fx_engine", attribute.String("engine", addr.Hex()))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		if addr == (common.Address{}) {
			return router.ErrInvalidInput
		}
		adapter, err := e.engine(addr)
		if err != nil {
			return err
		}
		return e.router.UpdateFXEngine(tx, caller, adapter)
	})
}

// SetFeeBps changes the routing fee.
func (e *Engine) SetFeeBps(ctx context.Context, caller common.Address, bps uint16) (err error) {
	ctx, done := e.begin(ctx, "set_fee_bps", attribute.Int("fee_bps", int(bps)))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.router.SetFeeBps(tx, caller, bps)
	})
}

// SetFeeCollector redirects routing fees.
func (e *Engine) SetFeeCollector(ctx context.Context, caller, collector common.Address) (err error) {
	ctx, done := e.begin(ctx, "set_fee_collector")
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.router.SetFeeCollector(tx, caller, collector)
	})
}

// TransferOwnership hands the router to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner common.Address) (err error) {
	ctx, done := e.begin(ctx, "transfer_ownership")
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		return e.router.TransferOwnership(tx, caller, newOwner)
	})
}
