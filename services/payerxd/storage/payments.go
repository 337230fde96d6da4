package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Payment is one routed payment as projected from payments.routed.
type Payment struct {
	ID           string    `json:"id"`
	Sender       string    `json:"sender"`
	Recipient    string    `json:"recipient"`
	TokenIn      string    `json:"token_in"`
	TokenOut     string    `json:"token_out"`
	AmountIn     string    `json:"amount_in"`
	FeeAmount    string    `json:"fee_amount"`
	AmountOut    string    `json:"amount_out"`
	FeeCollector string    `json:"fee_collector"`
	FXEngine     string    `json:"fx_engine"`
	CreatedAt    time.Time `json:"created_at"`
}

const paymentColumns = `id, sender, recipient, token_in, token_out, amount_in, fee_amount, amount_out, fee_collector, fx_engine, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (Payment, error) {
	var p Payment
	var created int64
	if err := row.Scan(&p.ID, &p.Sender, &p.Recipient, &p.TokenIn, &p.TokenOut, &p.AmountIn, &p.FeeAmount, &p.AmountOut, &p.FeeCollector, &p.FXEngine, &created); err != nil {
		return p, err
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}

// Payment loads a routed payment by id.
func (s *Storage) Payment(ctx context.Context, id string) (Payment, error) {
	if s == nil {
		return Payment{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

// ListPayments returns payments created at or after since, oldest first. A
// non-positive limit returns every match.
func (s *Storage) ListPayments(ctx context.Context, since time.Time, limit int) ([]Payment, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = -1
	}
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UTC().UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+paymentColumns+`
        FROM payments
        WHERE created_at >= ?
        ORDER BY seq ASC
        LIMIT ?
    `, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()
	out := make([]Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return out, nil
}

// RecentPayments returns the newest payments first.
func (s *Storage) RecentPayments(ctx context.Context, limit int) ([]Payment, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()
	out := make([]Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return out, nil
}
