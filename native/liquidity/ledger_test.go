package liquidity

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/native/token"
)

var (
	minter   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	provider = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	custody  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	usdc     = common.HexToAddress("0x3600000000000000000000000000000000000000")
)

const unit = 1_000_000

type fixture struct {
	bank   *token.Bank
	ledger *Ledger
	exec   *state.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bank := token.NewBank(minter)
	if err := bank.Register(token.Asset{Address: usdc, Symbol: "USDC", Decimals: 6}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger, err := NewLedger(custody, owner, bank)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f := &fixture{bank: bank, ledger: ledger, exec: state.NewExecutor()}
	f.run(t, func(tx *state.Tx) error { return bank.Mint(tx, minter, usdc, owner, uint256.NewInt(1_000*unit)) })
	return f
}

func (f *fixture) run(t *testing.T, fn func(tx *state.Tx) error) {
	t.Helper()
	if err := f.exec.Execute(context.Background(), fn); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func (f *fixture) deposit(t *testing.T, amount uint64) {
	t.Helper()
	f.run(t, func(tx *state.Tx) error {
		if err := f.bank.Approve(tx, usdc, owner, custody, uint256.NewInt(amount)); err != nil {
			return err
		}
		return f.ledger.AddLiquidity(tx, owner, usdc, uint256.NewInt(amount))
	})
}

func TestAddLiquidityTracksReserve(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 100*unit)
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 100*unit {
		t.Fatalf("unexpected reserve %d", got)
	}
	bal, _ := f.bank.BalanceOf(usdc, custody)
	if bal.Uint64() != 100*unit {
		t.Fatalf("unexpected custody balance %s", bal)
	}
}

func TestAddLiquidityRequiresProviderAndAllowance(t *testing.T) {
	f := newFixture(t)
	err := f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.AddLiquidity(tx, stranger, usdc, uint256.NewInt(unit))
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.AddLiquidity(tx, owner, usdc, uint256.NewInt(unit))
	})
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	f.run(t, func(tx *state.Tx) error { return f.ledger.SetProvider(tx, owner, provider, true) })
	f.run(t, func(tx *state.Tx) error { return f.bank.Transfer(tx, usdc, owner, provider, uint256.NewInt(5*unit)) })
	f.run(t, func(tx *state.Tx) error {
		if err := f.bank.Approve(tx, usdc, provider, custody, uint256.NewInt(5*unit)); err != nil {
			return err
		}
		return f.ledger.AddLiquidity(tx, provider, usdc, uint256.NewInt(5*unit))
	})
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 5*unit {
		t.Fatalf("unexpected reserve %d", got)
	}
}

func TestReserveForSwapGate(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 100*unit)
	err := f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.ReserveForSwap(tx, usdc, uint256.NewInt(150*unit))
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 100*unit {
		t.Fatalf("failed reservation must leave reserve at 100, got %d", got)
	}
	f.run(t, func(tx *state.Tx) error { return f.ledger.ReserveForSwap(tx, usdc, uint256.NewInt(100*unit)) })
	if !f.ledger.GetLiquidity(usdc).IsZero() {
		t.Fatalf("expected reserve drained to zero")
	}
	err = f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.ReserveForSwap(tx, usdc, uint256.NewInt(1))
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("reserve must never go negative, got %v", err)
	}
}

func TestSyncAbsorbsDirectTransfer(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 100*unit)
	var synced []events.LiquiditySynced
	f.exec.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		if s, ok := evt.(events.LiquiditySynced); ok {
			synced = append(synced, s)
		}
	}))
	f.run(t, func(tx *state.Tx) error { return f.bank.Transfer(tx, usdc, owner, custody, uint256.NewInt(50*unit)) })

	rep, err := f.ledger.Health(usdc)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if rep.Synced || rep.Gap.Int64() != 50*unit {
		t.Fatalf("expected an untracked gap of 50, got %+v", rep)
	}

	var delta *uint256.Int
	f.run(t, func(tx *state.Tx) error {
		var err error
		delta, err = f.ledger.SyncLiquidity(tx, usdc)
		return err
	})
	if delta.Uint64() != 50*unit {
		t.Fatalf("expected delta 50, got %s", delta)
	}
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 150*unit {
		t.Fatalf("expected reserve 150, got %d", got)
	}
	// Second sync has nothing to absorb.
	f.run(t, func(tx *state.Tx) error {
		var err error
		delta, err = f.ledger.SyncLiquidity(tx, usdc)
		return err
	})
	if !delta.IsZero() || len(synced) != 1 {
		t.Fatalf("sync must be idempotent, delta=%s events=%d", delta, len(synced))
	}
}

func TestSyncNeverDecreasesReserve(t *testing.T) {
	f := newFixture(t)
	f.ledger.Restore([]Reserve{{Token: usdc, Amount: uint256.NewInt(80 * unit)}}, nil)
	f.run(t, func(tx *state.Tx) error { return f.bank.Transfer(tx, usdc, owner, custody, uint256.NewInt(60*unit)) })
	f.run(t, func(tx *state.Tx) error {
		_, err := f.ledger.SyncLiquidity(tx, usdc)
		return err
	})
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 80*unit {
		t.Fatalf("sync lowered reserve to %d", got)
	}
	rep, err := f.ledger.Health(usdc)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if rep.Status != StatusCritical || rep.Gap.Sign() >= 0 {
		t.Fatalf("shortfall must be critical with negative gap, got %+v", rep)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 100*unit)
	err := f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.EmergencyWithdraw(tx, stranger, usdc, uint256.NewInt(unit))
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = f.exec.Execute(context.Background(), func(tx *state.Tx) error {
		return f.ledger.EmergencyWithdraw(tx, owner, usdc, uint256.NewInt(101*unit))
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	f.run(t, func(tx *state.Tx) error { return f.ledger.EmergencyWithdraw(tx, owner, usdc, uint256.NewInt(40*unit)) })
	if got := f.ledger.GetLiquidity(usdc).Uint64(); got != 60*unit {
		t.Fatalf("expected reserve 60, got %d", got)
	}
	bal, _ := f.bank.BalanceOf(usdc, owner)
	if bal.Uint64() != 940*unit {
		t.Fatalf("expected owner balance 940, got %s", bal)
	}
}

func TestHealthThresholds(t *testing.T) {
	cases := []struct {
		name        string
		tracked     uint64
		balance     uint64
		status      Status
		utilization Utilization
		synced      bool
	}{
		{name: "critical", tracked: 19, balance: 100, status: StatusCritical, utilization: UtilizationLow},
		{name: "warning", tracked: 39, balance: 100, status: StatusWarning, utilization: UtilizationLow},
		{name: "healthy", tracked: 70, balance: 100, status: StatusHealthy, utilization: UtilizationNormal},
		{name: "high", tracked: 96, balance: 100, status: StatusWarning, utilization: UtilizationHigh},
		{name: "synced", tracked: 100, balance: 100, status: StatusWarning, utilization: UtilizationHigh, synced: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.Restore([]Reserve{{Token: usdc, Amount: uint256.NewInt(tc.tracked * unit)}}, nil)
			f.run(t, func(tx *state.Tx) error {
				return f.bank.Transfer(tx, usdc, owner, custody, uint256.NewInt(tc.balance*unit))
			})
			rep, err := f.ledger.Health(usdc)
			if err != nil {
				t.Fatalf("health: %v", err)
			}
			if rep.Status != tc.status || rep.Utilization != tc.utilization || rep.Synced != tc.synced {
				t.Fatalf("unexpected report %+v", rep)
			}
			if rep.UtilizationBps != tc.tracked*100 {
				t.Fatalf("unexpected utilization bps %d", rep.UtilizationBps)
			}
		})
	}
}

func TestPlanLiquidity(t *testing.T) {
	res, err := PlanLiquidity(Plan{
		ForwardPerDay: 10,
		ReversePerDay: 10,
		AvgForward:    decimal.NewFromInt(5),
		AvgReverse:    decimal.NewFromInt(5),
		Rate:          decimal.RequireFromString("1.16"),
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !res.Quote.Minimum.Equal(decimal.NewFromInt(406)) || !res.Quote.Recommended.Equal(decimal.NewFromInt(609)) {
		t.Fatalf("unexpected quote need %+v", res.Quote)
	}
	if !res.Quote.Allocate.Equal(decimal.NewFromInt(700)) || !res.Base.Allocate.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("unexpected allocation base=%s quote=%s", res.Base.Allocate, res.Quote.Allocate)
	}
	if _, err := PlanLiquidity(Plan{Rate: decimal.Zero}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero rate, got %v", err)
	}
}
