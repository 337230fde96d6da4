package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/settlement"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
)

var zeroAddress common.Address

func hexAddr(addr common.Address) string {
	if addr == zeroAddress {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", raw, err)
	}
	return v, nil
}

func adjustBalance(ctx context.Context, tx *sql.Tx, tok, account common.Address, amount *uint256.Int, credit bool) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE token = ? AND account = ?`, hexAddr(tok), hexAddr(account)).Scan(&raw)
	current := new(uint256.Int)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read balance: %w", err)
	default:
		if current, err = parseAmount(raw); err != nil {
			return err
		}
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	next := new(uint256.Int)
	if credit {
		var overflow bool
		if next, overflow = next.AddOverflow(current, amount); overflow {
			return fmt.Errorf("balance overflow for %s", account.Hex())
		}
	} else {
		if current.Lt(amount) {
			return fmt.Errorf("projected balance of %s would go negative", account.Hex())
		}
		next.Sub(current, amount)
	}
	if next.IsZero() {
		_, err = tx.ExecContext(ctx, `DELETE FROM balances WHERE token = ? AND account = ?`, hexAddr(tok), hexAddr(account))
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO balances(token, account, amount) VALUES(?, ?, ?)
        ON CONFLICT(token, account) DO UPDATE SET amount = excluded.amount
    `, hexAddr(tok), hexAddr(account), next.Dec())
	return err
}

// EnsureRouter seeds the router settings row used by later router events. An
// existing row is left untouched.
func (s *Storage) EnsureRouter(ctx context.Context, settings router.Settings) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO router_settings(id, owner, fee_collector, fee_bps, engine) VALUES(1, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING
    `, hexAddr(settings.Owner), hexAddr(settings.FeeCollector), int64(settings.FeeBps), hexAddr(settings.Engine))
	if err != nil {
		return fmt.Errorf("seed router settings: %w", err)
	}
	return nil
}

// LoadState rebuilds the settlement state from the projections.
func (s *Storage) LoadState(ctx context.Context) (settlement.State, error) {
	var out settlement.State
	if s == nil {
		return out, fmt.Errorf("storage not configured")
	}
	if err := s.query(ctx, `SELECT token, account, amount FROM balances ORDER BY token, account`, func(rows *sql.Rows) error {
		var tok, account, raw string
		if err := rows.Scan(&tok, &account, &raw); err != nil {
			return err
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return err
		}
		out.Holdings = append(out.Holdings, token.Holding{Token: common.HexToAddress(tok), Account: common.HexToAddress(account), Amount: amount})
		return nil
	}); err != nil {
		return out, fmt.Errorf("load balances: %w", err)
	}
	if err := s.query(ctx, `SELECT token, owner, spender, amount FROM allowances WHERE amount != '0' ORDER BY token, owner, spender`, func(rows *sql.Rows) error {
		var tok, owner, spender, raw string
		if err := rows.Scan(&tok, &owner, &spender, &raw); err != nil {
			return err
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return err
		}
		out.Grants = append(out.Grants, token.Grant{
			Token: common.HexToAddress(tok), Owner: common.HexToAddress(owner), Spender: common.HexToAddress(spender), Amount: amount,
		})
		return nil
	}); err != nil {
		return out, fmt.Errorf("load allowances: %w", err)
	}

	engines := make(map[string]*settlement.EngineState)
	var order []string
	engineFor := func(addr string) *settlement.EngineState {
		if es, ok := engines[addr]; ok {
			return es
		}
		es := &settlement.EngineState{Address: common.HexToAddress(addr)}
		engines[addr] = es
		order = append(order, addr)
		return es
	}
	if err := s.query(ctx, `SELECT engine, token_in, token_out, rate, updated_at FROM rates ORDER BY engine, token_in, token_out`, func(rows *sql.Rows) error {
		var engine, in, outTok, raw string
		var updated int64
		if err := rows.Scan(&engine, &in, &outTok, &raw, &updated); err != nil {
			return err
		}
		rate, err := parseAmount(raw)
		if err != nil {
			return err
		}
		es := engineFor(engine)
		es.Rates = append(es.Rates, rates.Entry{
			Pair:  rates.Pair{TokenIn: common.HexToAddress(in), TokenOut: common.HexToAddress(outTok)},
			Quote: rates.Quote{Rate: rate, UpdatedAt: time.Unix(0, updated).UTC()},
		})
		return nil
	}); err != nil {
		return out, fmt.Errorf("load rates: %w", err)
	}
	if err := s.query(ctx, `SELECT engine, account FROM oracles ORDER BY engine, account`, func(rows *sql.Rows) error {
		var engine, account string
		if err := rows.Scan(&engine, &account); err != nil {
			return err
		}
		es := engineFor(engine)
		es.Oracles = append(es.Oracles, common.HexToAddress(account))
		return nil
	}); err != nil {
		return out, fmt.Errorf("load oracles: %w", err)
	}
	if err := s.query(ctx, `SELECT engine, token, amount FROM reserves ORDER BY engine, token`, func(rows *sql.Rows) error {
		var engine, tok, raw string
		if err := rows.Scan(&engine, &tok, &raw); err != nil {
			return err
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return err
		}
		es := engineFor(engine)
		es.Reserves = append(es.Reserves, liquidity.Reserve{Token: common.HexToAddress(tok), Amount: amount})
		return nil
	}); err != nil {
		return out, fmt.Errorf("load reserves: %w", err)
	}
	if err := s.query(ctx, `SELECT engine, account FROM providers ORDER BY engine, account`, func(rows *sql.Rows) error {
		var engine, account string
		if err := rows.Scan(&engine, &account); err != nil {
			return err
		}
		es := engineFor(engine)
		es.Providers = append(es.Providers, common.HexToAddress(account))
		return nil
	}); err != nil {
		return out, fmt.Errorf("load providers: %w", err)
	}
	for _, addr := range order {
		out.Engines = append(out.Engines, *engines[addr])
	}

	var owner, collector, engine string
	var fee int64
	err := s.db.QueryRowContext(ctx, `SELECT owner, fee_collector, fee_bps, engine FROM router_settings WHERE id = 1`).Scan(&owner, &collector, &fee, &engine)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return out, fmt.Errorf("load router settings: %w", err)
	default:
		out.Router = &router.Settings{
			Owner:        common.HexToAddress(owner),
			FeeCollector: common.HexToAddress(collector),
			FeeBps:       uint16(fee),
			Engine:       common.HexToAddress(engine),
		}
	}
	return out, nil
}

func (s *Storage) query(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
