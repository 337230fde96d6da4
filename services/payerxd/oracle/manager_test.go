package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"payerx/services/payerxd/storage"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	_ = ctx
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingPublisher struct {
	updates []Update
}

func (c *capturingPublisher) PublishOracleUpdate(ctx context.Context, update Update) error {
	_ = ctx
	c.updates = append(c.updates, update)
	return nil
}

func openStore(t *testing.T, name string) *storage.Storage {
	t.Helper()
	store, err := storage.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func eurUSD() Pair {
	return Pair{
		Base:     "EUR",
		Quote:    "USD",
		TokenIn:  common.HexToAddress("0x89b50855aa3be2f677cd6303cec089b5f319d72a"),
		TokenOut: common.HexToAddress("0x3600000000000000000000000000000000000000"),
		MinRate:  decimal.RequireFromString("0.9"),
		MaxRate:  decimal.RequireFromString("1.3"),
	}
}

func source(name, rate string, ts time.Time) *fakeSource {
	return &fakeSource{name: name, quote: Quote{Rate: decimal.RequireFromString(rate), Timestamp: ts}}
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	store := openStore(t, "oracle_median")
	now := time.Now()
	publisher := &capturingPublisher{}
	mgr, err := New(store, []Source{
		source("alpha", "1.08", now),
		source("beta", "1.10", now.Add(-time.Second)),
		source("gamma", "1.25", now),
	}, []Pair{eurUSD()}, time.Second, time.Minute, 2, WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	snap, err := store.LatestSnapshot(context.Background(), "EUR", "USD")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.MedianRate != "1.100000000000000000" {
		t.Fatalf("unexpected median: %s", snap.MedianRate)
	}
	if len(publisher.updates) != 1 {
		t.Fatalf("expected publisher to receive one update, got %d", len(publisher.updates))
	}
	update := publisher.updates[0]
	if !update.Median.Equal(decimal.RequireFromString("1.10")) || update.Fallback {
		t.Fatalf("unexpected update: %+v", update)
	}
	if update.ProofID != snap.ProofID || len(update.ProofID) != 64 {
		t.Fatalf("unexpected proof id %q", update.ProofID)
	}
	if !update.Newest.Equal(now) {
		t.Fatalf("unexpected newest quote time %s", update.Newest)
	}
}

func TestManagerEvenMedianAverages(t *testing.T) {
	got := computeMedian([]decimal.Decimal{
		decimal.RequireFromString("1.12"),
		decimal.RequireFromString("1.08"),
	})
	if !got.Equal(decimal.RequireFromString("1.10")) {
		t.Fatalf("unexpected median %s", got)
	}
}

func TestManagerRejectsMedianOutsideBounds(t *testing.T) {
	store := openStore(t, "oracle_bounds")
	now := time.Now()
	publisher := &capturingPublisher{}
	mgr, err := New(store, []Source{source("alpha", "1.45", now)}, []Pair{eurUSD()}, time.Second, time.Minute, 1,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	err = mgr.Tick(context.Background())
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected out of bounds, got %v", err)
	}
	if len(publisher.updates) != 0 {
		t.Fatalf("expected no publication")
	}
}

func TestManagerDropsStaleAndFutureQuotes(t *testing.T) {
	store := openStore(t, "oracle_stale")
	now := time.Now()
	publisher := &capturingPublisher{}
	mgr, err := New(store, []Source{
		source("old", "1.10", now.Add(-2*time.Minute)),
		source("future", "1.10", now.Add(time.Minute)),
		&fakeSource{name: "down", err: errors.New("connection refused")},
	}, []Pair{eurUSD()}, time.Second, time.Minute, 1, WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); !errors.Is(err, ErrInsufficientFeeds) {
		t.Fatalf("expected insufficient feeds, got %v", err)
	}
	if len(publisher.updates) != 0 {
		t.Fatalf("expected no publication")
	}
}

func TestManagerUsesFallbackWhenAllSourcesFail(t *testing.T) {
	store := openStore(t, "oracle_fallback")
	now := time.Now()
	pair := eurUSD()
	pair.Fallback = decimal.RequireFromString("1.09")
	publisher := &capturingPublisher{}
	mgr, err := New(store, []Source{&fakeSource{name: "down", err: errors.New("timeout")}}, []Pair{pair}, time.Second, time.Minute, 2,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(publisher.updates) != 1 || !publisher.updates[0].Fallback {
		t.Fatalf("expected fallback publication, got %+v", publisher.updates)
	}
	if !publisher.updates[0].Median.Equal(pair.Fallback) {
		t.Fatalf("unexpected fallback median %s", publisher.updates[0].Median)
	}
}

func TestNewRejectsInvertedBounds(t *testing.T) {
	store := openStore(t, "oracle_new")
	pair := eurUSD()
	pair.MinRate, pair.MaxRate = pair.MaxRate, pair.MinRate
	if _, err := New(store, []Source{source("a", "1", time.Now())}, []Pair{pair}, time.Second, time.Minute, 1); err == nil {
		t.Fatalf("expected bounds error")
	}
	if _, err := New(store, nil, []Pair{eurUSD()}, time.Second, time.Minute, 1); err == nil {
		t.Fatalf("expected sources error")
	}
}
