package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"payerx/native/token"
	"payerx/services/payerxd/storage"
)

// assetInfo labels token addresses in the report. Unknown tokens keep their
// address and are reported in smallest units.
type assetInfo struct {
	Symbol   string
	Decimals uint8
	Known    bool
}

type directory map[string]assetInfo

func (d directory) lookup(addr string) assetInfo {
	if info, ok := d[strings.ToLower(addr)]; ok {
		return info
	}
	return assetInfo{Symbol: addr}
}

type pairTotal struct {
	TokenIn   string
	TokenOut  string
	Count     int
	AmountIn  *uint256.Int
	FeeAmount *uint256.Int
	AmountOut *uint256.Int
	in, out   assetInfo
}

func (p *pairTotal) key() string { return p.TokenIn + "/" + p.TokenOut }

func parseUnits(raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(raw)
}

// totals aggregates payments per token pair, ordered by pair label.
func totals(payments []storage.Payment, dir directory) ([]*pairTotal, error) {
	byPair := make(map[string]*pairTotal)
	for _, p := range payments {
		in, out := dir.lookup(p.TokenIn), dir.lookup(p.TokenOut)
		entry := &pairTotal{TokenIn: in.Symbol, TokenOut: out.Symbol}
		if existing, ok := byPair[entry.key()]; ok {
			entry = existing
		} else {
			entry.AmountIn, entry.FeeAmount, entry.AmountOut = new(uint256.Int), new(uint256.Int), new(uint256.Int)
			entry.in, entry.out = in, out
			byPair[entry.key()] = entry
		}
		for _, field := range []struct {
			name string
			raw  string
			sum  *uint256.Int
		}{
			{"amount_in", p.AmountIn, entry.AmountIn},
			{"fee_amount", p.FeeAmount, entry.FeeAmount},
			{"amount_out", p.AmountOut, entry.AmountOut},
		} {
			v, err := parseUnits(field.raw)
			if err != nil {
				return nil, fmt.Errorf("payment %s: %s: %w", p.ID, field.name, err)
			}
			if _, overflow := field.sum.AddOverflow(field.sum, v); overflow {
				return nil, fmt.Errorf("payment %s: %s total overflows", p.ID, field.name)
			}
		}
		entry.Count++
	}
	out := make([]*pairTotal, 0, len(byPair))
	for _, entry := range byPair {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, nil
}

func formatAmount(v *uint256.Int, info assetInfo) string {
	if !info.Known {
		return v.Dec()
	}
	return token.FormatUnits(v, info.Decimals)
}

func writeTotals(w io.Writer, pairs []*pairTotal) {
	if len(pairs) == 0 {
		fmt.Fprintln(w, "no payments in range")
		return
	}
	for _, p := range pairs {
		fmt.Fprintf(w, "%s: %d payments, in %s %s, fees %s %s, out %s %s\n",
			p.key(), p.Count,
			formatAmount(p.AmountIn, p.in), p.in.Symbol,
			formatAmount(p.FeeAmount, p.in), p.in.Symbol,
			formatAmount(p.AmountOut, p.out), p.out.Symbol)
	}
}

var csvHeader = []string{
	"id", "created_at", "sender", "recipient", "token_in", "token_out",
	"amount_in", "fee_amount", "amount_out", "fee_collector", "fx_engine",
}

func writeCSV(path string, payments []storage.Payment, dir directory) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, p := range payments {
		record := []string{
			p.ID,
			p.CreatedAt.UTC().Format(time.RFC3339Nano),
			p.Sender,
			p.Recipient,
			dir.lookup(p.TokenIn).Symbol,
			dir.lookup(p.TokenOut).Symbol,
			p.AmountIn,
			p.FeeAmount,
			p.AmountOut,
			p.FeeCollector,
			p.FXEngine,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return file.Close()
}

type parquetRow struct {
	ID           string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt    int64  `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Sender       string `parquet:"name=sender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient    string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenIn      string `parquet:"name=token_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenOut     string `parquet:"name=token_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountIn     string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeAmount    string `parquet:"name=fee_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountOut    string `parquet:"name=amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeCollector string `parquet:"name=fee_collector, type=BYTE_ARRAY, convertedtype=UTF8"`
	FXEngine     string `parquet:"name=fx_engine, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, payments []storage.Payment, dir directory) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, p := range payments {
		row := &parquetRow{
			ID:           p.ID,
			CreatedAt:    p.CreatedAt.UTC().UnixMilli(),
			Sender:       p.Sender,
			Recipient:    p.Recipient,
			TokenIn:      dir.lookup(p.TokenIn).Symbol,
			TokenOut:     dir.lookup(p.TokenOut).Symbol,
			AmountIn:     p.AmountIn,
			FeeAmount:    p.FeeAmount,
			AmountOut:    p.AmountOut,
			FeeCollector: p.FeeCollector,
			FXEngine:     p.FXEngine,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
