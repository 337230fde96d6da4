package settlement

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"payerx/core/state"
	"payerx/native/liquidity"
	"payerx/observability"
)

// A zero engine address selects the router's active engine in every method
// below.

// RateInfo is a stored rate plus its freshness at read time.
type RateInfo struct {
	Rate      *uint256.Int
	UpdatedAt time.Time
	Fresh     bool
	Validity  time.Duration
}

// SetRate stores an 18-decimal rate for the ordered pair.
func (e *Engine) SetRate(ctx context.Context, caller, engine, tokenIn, tokenOut common.Address, rate *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "set_rate",
		attribute.String("token_in", tokenIn.Hex()),
		attribute.String("token_out", tokenOut.Hex()),
	)
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		return adapter.Registry().SetRate(tx, caller, tokenIn, tokenOut, rate)
	})
}

// GetRate returns the stored rate. Unset pairs report a zero rate.
func (e *Engine) GetRate(ctx context.Context, engine, tokenIn, tokenOut common.Address) (info RateInfo, err error) {
	err = e.exec.View(ctx, func(r state.Reader) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		reg := adapter.Registry()
		rate, at := reg.GetRate(tokenIn, tokenOut)
		info = RateInfo{Rate: rate, UpdatedAt: at, Fresh: reg.IsFresh(r, tokenIn, tokenOut), Validity: reg.Validity()}
		return nil
	})
	return info, err
}

// IsFresh reports whether the pair can be used for conversion right now.
func (e *Engine) IsFresh(ctx context.Context, engine, tokenIn, tokenOut common.Address) (bool, error) {
	info, err := e.GetRate(ctx, engine, tokenIn, tokenOut)
	return info.Fresh, err
}

// Convert applies the stored rate to amountIn.
func (e *Engine) Convert(ctx context.Context, engine, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (out *uint256.Int, err error) {
	ctx, done := e.begin(ctx, "convert")
	defer func() { done(err) }()
	err = e.exec.View(ctx, func(r state.Reader) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		out, err = adapter.Registry().Convert(r, tokenIn, tokenOut, amountIn)
		return err
	})
	return out, err
}

// SetOracle grants or revokes rate-setter rights on an engine's registry.
func (e *Engine) SetOracle(ctx context.Context, caller, engine, oracle common.Address, allowed bool) (err error) {
	ctx, done := e.begin(ctx, "set_oracle")
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		return adapter.Registry().SetOracle(tx, caller, oracle, allowed)
	})
}

// IsRateSetter reports whether account may publish rates on engine.
func (e *Engine) IsRateSetter(ctx context.Context, engine, account common.Address) (ok bool, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		ok = adapter.Registry().IsRateSetter(account)
		return nil
	})
	return ok, err
}

// SetProvider grants or revokes AddLiquidity rights on an engine's ledger.
func (e *Engine) SetProvider(ctx context.Context, caller, engine, account common.Address, allowed bool) (err error) {
	ctx, done := e.begin(ctx, "set_provider")
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		return adapter.Ledger().SetProvider(tx, caller, account, allowed)
	})
}

// AddLiquidity deposits tracked liquidity from caller. The caller must have
// approved the engine address.
func (e *Engine) AddLiquidity(ctx context.Context, caller, engine, tok common.Address, amount *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "add_liquidity", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	return e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		return adapter.Ledger().AddLiquidity(tx, caller, tok, amount)
	})
}

// GetLiquidity returns the tracked reserve.
func (e *Engine) GetLiquidity(ctx context.Context, engine, tok common.Address) (out *uint256.Int, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		out = adapter.Ledger().GetLiquidity(tok)
		return nil
	})
	return out, err
}

// SyncLiquidity absorbs untracked custody into the reserve and returns the
// delta.
func (e *Engine) SyncLiquidity(ctx context.Context, engine, tok common.Address) (delta *uint256.Int, err error) {
	ctx, done := e.begin(ctx, "sync_liquidity", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	err = e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		delta, err = adapter.Ledger().SyncLiquidity(tx, tok)
		return err
	})
	if err == nil && !delta.IsZero() {
		e.logger.Info("liquidity synced", "token", tok.Hex(), "delta", delta.Dec())
	}
	return delta, err
}

// EmergencyWithdraw sends tracked funds to the owner.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller, engine, tok common.Address, amount *uint256.Int) (err error) {
	ctx, done := e.begin(ctx, "emergency_withdraw", attribute.String("token", tok.Hex()))
	defer func() { done(err) }()
	err = e.exec.Execute(ctx, func(tx *state.Tx) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		return adapter.Ledger().EmergencyWithdraw(tx, caller, tok, amount)
	})
	if err == nil {
		e.logger.Warn("emergency withdrawal", "token", tok.Hex(), "account", caller.Hex(), "amount", amount.Dec())
	}
	return err
}

// Health reports reserve reconciliation for tok and publishes it as metrics.
func (e *Engine) Health(ctx context.Context, engine, tok common.Address) (rep liquidity.Report, err error) {
	var engineAddr common.Address
	err = e.exec.View(ctx, func(state.Reader) error {
		adapter, err := e.engine(engine)
		if err != nil {
			return err
		}
		engineAddr = adapter.Address()
		rep, err = adapter.Ledger().Health(tok)
		return err
	})
	if err == nil {
		observability.Liquidity().Record(engineAddr.Hex(), rep.Symbol, rep.Tracked.ToBig(), rep.Balance.ToBig(), rep.UtilizationBps)
	}
	return rep, err
}
