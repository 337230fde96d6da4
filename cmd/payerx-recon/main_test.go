package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/services/payerxd/storage"
)

var (
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	engineA   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	eurc      = common.HexToAddress("0x89b50855aa3be2f677cd6303cec089b5f319d72a")
	usdc      = common.HexToAddress("0x3600000000000000000000000000000000000000")
)

func payment(id string, in, out common.Address, amountIn, fee, amountOut uint64) events.PaymentRouted {
	return events.PaymentRouted{
		ID: id, Sender: payer, Recipient: recipient,
		TokenIn: in, TokenOut: out,
		AmountIn: uint256.NewInt(amountIn), FeeAmount: uint256.NewInt(fee), AmountOut: uint256.NewInt(amountOut),
		FeeCollector: collector, FXEngine: engineA,
	}
}

func seedDatabase(t *testing.T, path string, base time.Time) {
	t.Helper()
	dsn, err := storage.FileDSN(path)
	require.NoError(t, err)
	store, err := storage.Open(dsn)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	batches := []state.Batch{
		{Time: base.Add(-48 * time.Hour), Events: []events.Event{payment("old", eurc, usdc, 7_000_000, 7_000, 7_692_300)}},
		{Time: base.Add(-2 * time.Hour), Events: []events.Event{payment("p-1", eurc, usdc, 1_000_000, 1_000, 1_098_900)}},
		{Time: base.Add(-time.Hour), Events: []events.Event{payment("p-2", eurc, usdc, 2_000_000, 2_000, 2_197_800)}},
		{Time: base.Add(-30 * time.Minute), Events: []events.Event{payment("p-3", usdc, eurc, 1_100_000, 1_100, 998_000)}},
	}
	for _, batch := range batches {
		require.NoError(t, store.Commit(ctx, batch))
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "payerxd.yaml")
	body := `owner: "0x00000000000000000000000000000000000000aa"
tokens:
  - symbol: EURC
    address: "0x89b50855aa3be2f677cd6303cec089b5f319d72a"
    decimals: 6
  - symbol: USDC
    address: "0x3600000000000000000000000000000000000000"
    decimals: 6
router:
  address: "0x00000000000000000000000000000000000000e0"
  fee_collector: "0x00000000000000000000000000000000000000c1"
engines:
  - address: "0x00000000000000000000000000000000000000fa"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReconExportsWindow(t *testing.T) {
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	original := now
	now = func() time.Time { return base }
	t.Cleanup(func() { now = original })

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "payerxd.db")
	seedDatabase(t, dbPath, base)
	outDir := filepath.Join(dir, "out")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-db", dbPath, "-config", writeConfig(t, dir), "-since", "24h", "-out", outDir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	require.Contains(t, out, "3 payments since 2025-02-28T12:00:00Z")
	require.Contains(t, out, "EURC/USDC: 2 payments, in 3.000000 EURC, fees 0.003000 EURC, out 3.296700 USDC")
	require.Contains(t, out, "USDC/EURC: 1 payments, in 1.100000 USDC, fees 0.001100 USDC, out 0.998000 EURC")

	csvPath := filepath.Join(outDir, "payments-20250301T120000Z.csv")
	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, "p-1", records[1][0])
	require.Equal(t, "EURC", records[1][4])
	require.Equal(t, "1098900", records[1][8])

	raw, err := os.ReadFile(filepath.Join(outDir, "payments-20250301T120000Z.parquet"))
	require.NoError(t, err)
	require.True(t, len(raw) > 8)
	require.Equal(t, "PAR1", string(raw[:4]))
	require.Equal(t, "PAR1", string(raw[len(raw)-4:]))
}

func TestTotalsWithoutConfigUseAddresses(t *testing.T) {
	payments := []storage.Payment{
		{ID: "a", TokenIn: "0xin", TokenOut: "0xout", AmountIn: "10", FeeAmount: "1", AmountOut: "9"},
		{ID: "b", TokenIn: "0xin", TokenOut: "0xout", AmountIn: "5", FeeAmount: "0", AmountOut: "5"},
	}
	pairs, err := totals(payments, directory{})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, 2, pairs[0].Count)

	var buf bytes.Buffer
	writeTotals(&buf, pairs)
	require.Equal(t, "0xin/0xout: 2 payments, in 15 0xin, fees 1 0xin, out 14 0xout\n", buf.String())

	_, err = totals([]storage.Payment{{ID: "bad", AmountIn: "x"}}, directory{})
	require.Error(t, err)
}

func TestParseSince(t *testing.T) {
	ref := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("2h", ref)
	require.NoError(t, err)
	require.Equal(t, ref.Add(-2*time.Hour), got)

	got, err = parseSince("2025-01-02T03:04:05Z", ref)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC), got)

	got, err = parseSince("", ref)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	_, err = parseSince("yesterday", ref)
	require.Error(t, err)
}

func TestRunRequiresDatabase(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "-db is required")
}
