package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payerx/core/settlement"
	"payerx/core/state"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
	journal "payerx/storage"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	routerAcc = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	engineA   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	eurc      = common.HexToAddress("0x89b50855aa3be2f677cd6303cec089b5f319d72a")
	usdc      = common.HexToAddress("0x3600000000000000000000000000000000000000")
)

func openTestDB(t *testing.T, name string) *Storage {
	t.Helper()
	store, err := Open("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEngine(t *testing.T, now func() time.Time, opts ...settlement.Option) *settlement.Engine {
	t.Helper()
	engine, err := settlement.New(settlement.Config{
		Owner:  owner,
		Minter: owner,
		Assets: []token.Asset{
			{Address: eurc, Symbol: "EURC", Decimals: 6},
			{Address: usdc, Symbol: "USDC", Decimals: 6},
		},
		Engines: []settlement.EngineConfig{{Address: engineA}},
		Router:  settlement.RouterConfig{Address: routerAcc, FeeCollector: collector, FeeBps: 10},
	}, append([]settlement.Option{settlement.WithClock(now)}, opts...)...)
	require.NoError(t, err)
	return engine
}

func seed(t *testing.T, engine *settlement.Engine) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, engine.Mint(ctx, owner, eurc, payer, uint256.NewInt(5_000_000)))
	require.NoError(t, engine.Mint(ctx, owner, usdc, owner, uint256.NewInt(100_000_000)))
	require.NoError(t, engine.Approve(ctx, owner, usdc, engineA, uint256.NewInt(100_000_000)))
	require.NoError(t, engine.AddLiquidity(ctx, owner, common.Address{}, usdc, uint256.NewInt(100_000_000)))
	require.NoError(t, engine.SetOracle(ctx, owner, common.Address{}, payer, true))
	rate, err := rates.ParseRate("1.10")
	require.NoError(t, err)
	require.NoError(t, engine.SetRate(ctx, owner, common.Address{}, eurc, usdc, rate))
}

func TestProjectionsRebuildEngineState(t *testing.T) {
	store := openTestDB(t, "payerxd_projection")
	ctx := context.Background()
	now := time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	engine := newEngine(t, clock, settlement.WithCommitter(store))
	snap, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, store.EnsureRouter(ctx, *snap.Router))

	seed(t, engine)
	require.NoError(t, engine.SetFeeBps(ctx, owner, 25))
	require.NoError(t, engine.Approve(ctx, payer, eurc, routerAcc, uint256.NewInt(1_000_000)))
	receipt, err := engine.RouteAndPay(ctx, payer, router.Request{
		TokenIn: eurc, TokenOut: usdc, AmountIn: uint256.NewInt(1_000_000), Recipient: recipient,
	})
	require.NoError(t, err)

	loaded, err := store.LoadState(ctx)
	require.NoError(t, err)
	require.False(t, loaded.Empty())
	require.NotNil(t, loaded.Router)
	require.Equal(t, uint16(25), loaded.Router.FeeBps)
	require.Equal(t, engineA, loaded.Router.Engine)

	want, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, len(want.Holdings), len(loaded.Holdings))
	for i := range want.Holdings {
		require.Equal(t, want.Holdings[i].Token, loaded.Holdings[i].Token)
		require.Equal(t, want.Holdings[i].Account, loaded.Holdings[i].Account)
		require.Equal(t, want.Holdings[i].Amount.Dec(), loaded.Holdings[i].Amount.Dec())
	}
	require.Empty(t, loaded.Grants, "consumed allowances are not restored")

	restored := newEngine(t, clock)
	require.NoError(t, restored.Restore(loaded))
	for _, acc := range []common.Address{payer, recipient, collector, engineA, owner} {
		got, err := restored.BalanceOf(ctx, usdc, acc)
		require.NoError(t, err)
		exp, err := engine.BalanceOf(ctx, usdc, acc)
		require.NoError(t, err)
		require.Equal(t, exp.Dec(), got.Dec(), acc.Hex())
	}
	reserve, err := restored.GetLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000)-receipt.AmountOut.Uint64(), reserve.Uint64())
	ok, err := restored.IsRateSetter(ctx, common.Address{}, payer)
	require.NoError(t, err)
	require.True(t, ok)
	info, err := restored.GetRate(ctx, common.Address{}, eurc, usdc)
	require.NoError(t, err)
	require.True(t, info.Fresh)
	require.True(t, info.UpdatedAt.Equal(now))

	p, err := store.Payment(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, receipt.AmountOut.Dec(), p.AmountOut)
	require.Equal(t, strings.ToLower(recipient.Hex()), p.Recipient)
	require.True(t, p.CreatedAt.Equal(now))

	_, err = store.Payment(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFailedProjectionRevertsTransaction(t *testing.T) {
	store := openTestDB(t, "payerxd_unseeded")
	ctx := context.Background()
	engine := newEngine(t, time.Now, settlement.WithCommitter(store))

	// Router events need the seeded settings row.
	err := engine.SetFeeBps(ctx, owner, 50)
	require.Error(t, err)
	info, err := engine.Router(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(10), info.FeeBps)
}

func projectedBalance(t *testing.T, store *Storage, tok, account common.Address) string {
	t.Helper()
	loaded, err := store.LoadState(context.Background())
	require.NoError(t, err)
	for _, h := range loaded.Holdings {
		if h.Token == tok && h.Account == account {
			return h.Amount.Dec()
		}
	}
	return "0"
}

func payOne(t *testing.T, engine *settlement.Engine) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, engine.Approve(ctx, payer, eurc, routerAcc, uint256.NewInt(1_000_000)))
	_, err := engine.RouteAndPay(ctx, payer, router.Request{
		TokenIn: eurc, TokenOut: usdc, AmountIn: uint256.NewInt(1_000_000), Recipient: recipient,
	})
	return err
}

func TestLaterCommitterFailureRollsBackProjections(t *testing.T) {
	store := openTestDB(t, "payerxd_second_committer")
	ctx := context.Background()
	errDisk := errors.New("journal disk full")
	failing := false
	engine := newEngine(t, time.Now,
		settlement.WithCommitter(store),
		settlement.WithCommitter(state.CommitterFunc(func(context.Context, state.Batch) error {
			if failing {
				return errDisk
			}
			return nil
		})),
	)
	seed(t, engine)

	failing = true
	err := payOne(t, engine)
	require.ErrorIs(t, err, errDisk)

	held, err := engine.BalanceOf(ctx, usdc, recipient)
	require.NoError(t, err)
	require.True(t, held.IsZero())
	require.Equal(t, "0", projectedBalance(t, store, usdc, recipient))
	history, err := store.ListPayments(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Empty(t, history)

	failing = false
	require.NoError(t, payOne(t, engine))
	held, err = engine.BalanceOf(ctx, usdc, recipient)
	require.NoError(t, err)
	require.Equal(t, held.Dec(), projectedBalance(t, store, usdc, recipient))
}

type failingJournal struct{ err error }

func (f failingJournal) AppendBatch(state.Batch) (func() error, error) { return nil, f.err }

func TestJournalFailureRollsBackProjections(t *testing.T) {
	store := openTestDB(t, "payerxd_journal_fail")
	ctx := context.Background()
	engine := newEngine(t, time.Now, settlement.WithCommitter(store))
	seed(t, engine)

	require.NoError(t, engine.Approve(ctx, payer, eurc, routerAcc, uint256.NewInt(1_000_000)))
	errDisk := errors.New("journal disk full")
	store.AttachJournal(failingJournal{err: errDisk})
	_, err := engine.RouteAndPay(ctx, payer, router.Request{
		TokenIn: eurc, TokenOut: usdc, AmountIn: uint256.NewInt(1_000_000), Recipient: recipient,
	})
	require.ErrorIs(t, err, errDisk)
	require.Equal(t, "0", projectedBalance(t, store, usdc, recipient))
	balance, err := engine.BalanceOf(ctx, eurc, payer)
	require.NoError(t, err)
	require.Equal(t, balance.Dec(), projectedBalance(t, store, eurc, payer))
}

func TestAttachedJournalRecordsCommittedBatches(t *testing.T) {
	store := openTestDB(t, "payerxd_journal_ok")
	audit, err := journal.OpenJournal(journal.NewMemDB())
	require.NoError(t, err)
	store.AttachJournal(audit)
	engine := newEngine(t, time.Now, settlement.WithCommitter(store))
	seed(t, engine)
	require.NoError(t, payOne(t, engine))

	count, err := audit.Verify()
	require.NoError(t, err)
	seq, _ := audit.Head()
	require.Equal(t, seq, count)
	require.NotZero(t, count)

	var last journal.Entry
	require.NoError(t, audit.Entries(1, func(e journal.Entry) bool { last = e; return true }))
	require.Equal(t, "payments.routed", last.Type)
}

func TestListPayments(t *testing.T) {
	store := openTestDB(t, "payerxd_list")
	ctx := context.Background()
	now := time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC)
	engine := newEngine(t, func() time.Time { return now }, settlement.WithCommitter(store))
	seed(t, engine)

	var ids []string
	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		require.NoError(t, engine.Approve(ctx, payer, eurc, routerAcc, uint256.NewInt(100_000)))
		receipt, err := engine.RouteAndPay(ctx, payer, router.Request{
			TokenIn: eurc, TokenOut: usdc, AmountIn: uint256.NewInt(100_000), Recipient: recipient,
		})
		require.NoError(t, err)
		ids = append(ids, receipt.ID)
	}

	all, err := store.ListPayments(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[0], all[0].ID)

	later, err := store.ListPayments(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, later, 2)

	recent, err := store.RecentPayments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, ids[2], recent[0].ID)
}

func TestRecordSnapshotAndLatest(t *testing.T) {
	store := openTestDB(t, "payerxd_oracle")
	ctx := context.Background()
	observed := time.Unix(1700000000, 0)
	require.NoError(t, store.RecordSample(ctx, "EUR", "USD", "er", decimal.RequireFromString("1.0987"), observed, observed.Add(time.Second)))
	require.NoError(t, store.RecordSnapshot(ctx, "eur", "usd", "1.098700000000000000", []string{"er"}, "proof", observed))

	snap, err := store.LatestSnapshot(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, "1.098700000000000000", snap.MedianRate)
	require.Equal(t, []string{"er"}, snap.Feeders)

	_, err = store.LatestSnapshot(ctx, "GBP", "USD")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)

	dsn, err := FileDSN("payerxd.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "journal_mode(WAL)")

	passthrough, err := FileDSN("file:x?mode=memory")
	require.NoError(t, err)
	require.Equal(t, "file:x?mode=memory", passthrough)
}
