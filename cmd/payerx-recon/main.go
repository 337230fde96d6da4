package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"payerx/services/payerxd/config"
	"payerx/services/payerxd/storage"
)

var now = time.Now

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("payerx-recon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "path to the payerxd sqlite database")
	cfgPath := fs.String("config", "", "optional payerxd config used to label tokens")
	sinceRaw := fs.String("since", "24h", "RFC3339 timestamp or look-back duration")
	outDir := fs.String("out", ".", "directory for the CSV and parquet exports")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*dbPath) == "" {
		fmt.Fprintln(stderr, "Error: -db is required")
		return 2
	}
	since, err := parseSince(*sinceRaw, now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	dir := directory{}
	if strings.TrimSpace(*cfgPath) != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "failed to load config: %v\n", err)
			return 1
		}
		for _, tok := range cfg.Tokens {
			dir[strings.ToLower(tok.Address)] = assetInfo{Symbol: strings.ToUpper(tok.Symbol), Decimals: tok.Decimals, Known: true}
		}
	}

	dsn, err := storage.FileDSN(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to resolve database: %v\n", err)
		return 1
	}
	store, err := storage.Open(dsn)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open database: %v\n", err)
		return 1
	}
	defer store.Close()

	csvPath, parquetPath, err := export(ctx, store, since, *outDir, dir, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\nwrote %s\n", csvPath, parquetPath)
	return 0
}

type paymentLister interface {
	ListPayments(ctx context.Context, since time.Time, limit int) ([]storage.Payment, error)
}

func export(ctx context.Context, store paymentLister, since time.Time, outDir string, dir directory, stdout io.Writer) (string, string, error) {
	payments, err := store.ListPayments(ctx, since, 0)
	if err != nil {
		return "", "", fmt.Errorf("recon: list payments: %w", err)
	}
	pairs, err := totals(payments, dir)
	if err != nil {
		return "", "", fmt.Errorf("recon: %w", err)
	}
	fmt.Fprintf(stdout, "%d payments since %s\n", len(payments), since.UTC().Format(time.RFC3339))
	writeTotals(stdout, pairs)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create output dir: %w", err)
	}
	base := "payments-" + now().UTC().Format("20060102T150405Z")
	csvPath := filepath.Join(outDir, base+".csv")
	if err := writeCSV(csvPath, payments, dir); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(outDir, base+".parquet")
	if err := writeParquet(parquetPath, payments, dir); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func parseSince(raw string, ref time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("-since must be an RFC3339 timestamp or a positive duration, got %q", raw)
	}
	return ref.Add(-d), nil
}
