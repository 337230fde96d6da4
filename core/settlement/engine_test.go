package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	minter    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	routerAcc = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	engineA   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	engineB   = common.HexToAddress("0x00000000000000000000000000000000000000fb")
	eurc      = common.HexToAddress("0x89b50855aa3be2f677cd6303cec089b5f319d72a")
	usdc      = common.HexToAddress("0x3600000000000000000000000000000000000000")
)

type harness struct {
	engine  *Engine
	now     time.Time
	batches []state.Batch
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{now: time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC)}
	ids := 0
	base := []Option{
		WithClock(func() time.Time { return h.now }),
		WithCommitter(state.CommitterFunc(func(_ context.Context, b state.Batch) error {
			h.batches = append(h.batches, b)
			return nil
		})),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("pay-%d", ids) }),
	}
	engine, err := New(Config{
		Owner:  owner,
		Minter: minter,
		Assets: []token.Asset{
			{Address: eurc, Symbol: "EURC", Decimals: 6},
			{Address: usdc, Symbol: "USDC", Decimals: 6},
		},
		Engines: []EngineConfig{{Address: engineA}, {Address: engineB, RateValidity: time.Minute}},
		Router:  RouterConfig{Address: routerAcc, FeeCollector: collector, FeeBps: 10},
	}, append(base, opts...)...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) fund(t *testing.T, engine common.Address, reserve uint64) {
	t.Helper()
	ctx := context.Background()
	e := h.engine
	custody := engine
	if custody == (common.Address{}) {
		custody = engineA
	}
	require.NoError(t, e.Mint(ctx, minter, eurc, payer, uint256.NewInt(50_000_000)))
	require.NoError(t, e.Mint(ctx, minter, usdc, owner, uint256.NewInt(reserve)))
	require.NoError(t, e.Approve(ctx, owner, usdc, custody, uint256.NewInt(reserve)))
	require.NoError(t, e.AddLiquidity(ctx, owner, engine, usdc, uint256.NewInt(reserve)))
	rate, err := rates.ParseRate("1.10")
	require.NoError(t, err)
	require.NoError(t, e.SetRate(ctx, owner, engine, eurc, usdc, rate))
}

func (h *harness) pay(t *testing.T, amountIn, minOut uint64) (router.Receipt, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.engine.Approve(ctx, payer, eurc, routerAcc, uint256.NewInt(amountIn)))
	return h.engine.RouteAndPay(ctx, payer, router.Request{
		TokenIn:      eurc,
		TokenOut:     usdc,
		AmountIn:     uint256.NewInt(amountIn),
		MinAmountOut: uint256.NewInt(minOut),
		Recipient:    recipient,
	})
}

func balance(t *testing.T, e *Engine, tok, account common.Address) uint64 {
	t.Helper()
	bal, err := e.BalanceOf(context.Background(), tok, account)
	require.NoError(t, err)
	return bal.Uint64()
}

func TestRouteAndPayEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.fund(t, common.Address{}, 100_000_000)

	receipt, err := h.pay(t, 1_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, "pay-1", receipt.ID)
	require.Equal(t, uint64(1_000), receipt.FeeAmount.Uint64())
	require.Equal(t, uint64(1_098_900), receipt.AmountOut.Uint64())
	require.Equal(t, engineA, receipt.FXEngine)

	require.Equal(t, uint64(1_098_900), balance(t, h.engine, usdc, recipient))
	require.Equal(t, uint64(1_000), balance(t, h.engine, eurc, collector))
	require.Zero(t, balance(t, h.engine, eurc, routerAcc))
	require.Zero(t, balance(t, h.engine, usdc, routerAcc))

	last := h.batches[len(h.batches)-1]
	var routed *events.PaymentRouted
	for _, evt := range last.Events {
		if p, ok := evt.(events.PaymentRouted); ok {
			routed = &p
		}
	}
	require.NotNil(t, routed)
	require.Equal(t, "pay-1", routed.ID)
	require.True(t, last.Time.Equal(h.now))
}

func TestRejectedPaymentCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.fund(t, common.Address{}, 100_000_000)
	before := len(h.batches)
	reserveBefore, err := h.engine.GetLiquidity(context.Background(), common.Address{}, usdc)
	require.NoError(t, err)

	_, err = h.pay(t, 1_000_000, 2_000_000)
	require.ErrorIs(t, err, router.ErrSlippageExceeded)
	// Only the approval committed.
	require.Len(t, h.batches, before+1)

	reserveAfter, err := h.engine.GetLiquidity(context.Background(), common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, reserveBefore.Uint64(), reserveAfter.Uint64())
	require.Equal(t, uint64(50_000_000), balance(t, h.engine, eurc, payer))
}

func TestRateFreshnessScenario(t *testing.T) {
	h := newHarness(t)
	h.fund(t, common.Address{}, 100_000_000)
	ctx := context.Background()

	fresh, err := h.engine.IsFresh(ctx, common.Address{}, eurc, usdc)
	require.NoError(t, err)
	require.True(t, fresh)

	h.now = h.now.Add(5*time.Minute + time.Second)
	_, err = h.engine.Convert(ctx, common.Address{}, eurc, usdc, uint256.NewInt(1_000_000))
	require.ErrorIs(t, err, rates.ErrRateExpired)
	info, err := h.engine.GetRate(ctx, common.Address{}, eurc, usdc)
	require.NoError(t, err)
	require.False(t, info.Fresh)
	require.Equal(t, "1.1", rates.FormatRate(info.Rate))
}

func TestEnginesHaveIndependentValidity(t *testing.T) {
	h := newHarness(t)
	h.fund(t, engineB, 10_000_000)
	h.now = h.now.Add(2 * time.Minute)
	fresh, err := h.engine.IsFresh(context.Background(), engineB, eurc, usdc)
	require.NoError(t, err)
	require.False(t, fresh, "engine b uses a one minute validity")
}

func TestUpdateFXEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, engineB, 10_000_000)

	err := h.engine.UpdateFXEngine(ctx, payer, engineB)
	require.ErrorIs(t, err, router.ErrUnauthorized)
	err = h.engine.UpdateFXEngine(ctx, owner, common.HexToAddress("0x1234"))
	require.ErrorIs(t, err, ErrUnknownEngine)
	err = h.engine.UpdateFXEngine(ctx, owner, common.Address{})
	require.ErrorIs(t, err, router.ErrInvalidInput)
	require.NoError(t, h.engine.UpdateFXEngine(ctx, owner, engineB))

	info, err := h.engine.Router(ctx)
	require.NoError(t, err)
	require.Equal(t, engineB, info.Engine)

	receipt, err := h.pay(t, 1_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, engineB, receipt.FXEngine)
}

func TestLiquidityOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, common.Address{}, 100_000_000)

	require.NoError(t, h.engine.Mint(ctx, minter, usdc, owner, uint256.NewInt(50_000_000)))
	require.NoError(t, h.engine.Transfer(ctx, owner, usdc, engineA, uint256.NewInt(50_000_000)))

	rep, err := h.engine.Health(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.False(t, rep.Synced)
	require.Equal(t, int64(50_000_000), rep.Gap.Int64())

	delta, err := h.engine.SyncLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000_000), delta.Uint64())

	reserve, err := h.engine.GetLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(150_000_000), reserve.Uint64())

	err = h.engine.EmergencyWithdraw(ctx, payer, common.Address{}, usdc, uint256.NewInt(1))
	require.ErrorIs(t, err, liquidity.ErrUnauthorized)
	require.NoError(t, h.engine.EmergencyWithdraw(ctx, owner, common.Address{}, usdc, uint256.NewInt(10_000_000)))
	require.Equal(t, uint64(10_000_000), balance(t, h.engine, usdc, owner))
}

func TestSetFeeBpsScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.ErrorIs(t, h.engine.SetFeeBps(ctx, owner, 150), router.ErrFeeTooHigh)
	info, err := h.engine.Router(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(10), info.FeeBps)
	require.Equal(t, uint16(100), info.MaxFeeBps)
}

func TestCommitterFailureRevertsPayment(t *testing.T) {
	fail := false
	errDisk := errors.New("disk unavailable")
	h := newHarness(t, WithCommitter(state.CommitterFunc(func(context.Context, state.Batch) error {
		if fail {
			return errDisk
		}
		return nil
	})))
	h.fund(t, common.Address{}, 100_000_000)
	require.NoError(t, h.engine.Approve(context.Background(), payer, eurc, routerAcc, uint256.NewInt(1_000_000)))

	fail = true
	_, err := h.engine.RouteAndPay(context.Background(), payer, router.Request{
		TokenIn: eurc, TokenOut: usdc, AmountIn: uint256.NewInt(1_000_000), Recipient: recipient,
	})
	require.ErrorIs(t, err, errDisk)
	fail = false
	require.Zero(t, balance(t, h.engine, usdc, recipient))
	require.Equal(t, uint64(50_000_000), balance(t, h.engine, eurc, payer))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, common.Address{}, 100_000_000)
	require.NoError(t, h.engine.SetOracle(ctx, owner, common.Address{}, payer, true))
	require.NoError(t, h.engine.SetFeeBps(ctx, owner, 25))
	_, err := h.pay(t, 2_000_000, 0)
	require.NoError(t, err)

	snap, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	require.False(t, snap.Empty())

	restored := newHarness(t)
	restored.now = h.now
	require.NoError(t, restored.engine.Restore(snap))

	for _, acc := range []common.Address{payer, recipient, collector, engineA, owner} {
		require.Equal(t, balance(t, h.engine, eurc, acc), balance(t, restored.engine, eurc, acc))
		require.Equal(t, balance(t, h.engine, usdc, acc), balance(t, restored.engine, usdc, acc))
	}
	reserve, err := restored.engine.GetLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	original, err := h.engine.GetLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, original.Uint64(), reserve.Uint64())

	info, err := restored.engine.Router(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(25), info.FeeBps)
	ok, err := restored.engine.IsRateSetter(ctx, common.Address{}, payer)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := restored.engine.Convert(ctx, common.Address{}, eurc, usdc, uint256.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1_100_000), out.Uint64())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Owner: owner})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Engines: []EngineConfig{{Address: engineA}}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{
		Owner:   owner,
		Engines: []EngineConfig{{Address: engineA}},
		Router:  RouterConfig{Address: routerAcc, FeeCollector: collector, FeeBps: 101},
	})
	require.ErrorIs(t, err, router.ErrFeeTooHigh)
}
