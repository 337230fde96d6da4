package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"payerx/core/events"
	"payerx/core/state"
)

// Storage wraps the payerxd persistence layer: event projections that rebuild
// the settlement state on restart, the payment history and the oracle feed
// audit tables.
type Storage struct {
	db      *sql.DB
	journal Journal
}

// Journal is the audit log written together with the projections.
// AppendBatch is all-or-nothing and its rewind undoes a successful append.
type Journal interface {
	AppendBatch(batch state.Batch) (rewind func() error, err error)
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("payerxd storage path must be configured")
	// ErrNotFound is returned for unknown payments and snapshots.
	ErrNotFound = errors.New("payerxd storage: not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Projection writes are serialised by the executor lock; one connection
	// keeps shared in-memory databases consistent as well.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for read-only tooling.
func (s *Storage) DB() *sql.DB { return s.db }

// AttachJournal makes every committed batch land in j as well. The journal
// is appended before the projections commit and rewound if they fail.
func (s *Storage) AttachJournal(j Journal) { s.journal = j }

// Commit applies one committed event batch in a single SQL transaction. It
// implements state.Committer, so a failure here reverts the in-memory
// transaction as well.
func (s *Storage) Commit(ctx context.Context, batch state.Batch) error {
	pending, err := s.Prepare(ctx, batch)
	if err != nil {
		return err
	}
	return pending.Commit()
}

// Prepare applies the batch inside an open SQL transaction and leaves it
// uncommitted. The executor finalises it only after every other committer
// succeeded.
func (s *Storage) Prepare(ctx context.Context, batch state.Batch) (_ state.Prepared, err error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if len(batch.Events) == 0 {
		return noopPrepared{}, nil
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin projection: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	for _, evt := range batch.Events {
		if err = apply(ctx, sqlTx, batch.Time, evt); err != nil {
			return nil, fmt.Errorf("project %s: %w", evt.EventType(), err)
		}
	}
	return &pendingBatch{tx: sqlTx, journal: s.journal, batch: batch}, nil
}

type noopPrepared struct{}

func (noopPrepared) Commit() error { return nil }
func (noopPrepared) Abort()        {}

type pendingBatch struct {
	tx      *sql.Tx
	journal Journal
	batch   state.Batch
}

func (p *pendingBatch) Commit() error {
	rewind := func() error { return nil }
	if p.journal != nil {
		var err error
		if rewind, err = p.journal.AppendBatch(p.batch); err != nil {
			_ = p.tx.Rollback()
			return fmt.Errorf("journal batch: %w", err)
		}
	}
	if err := p.tx.Commit(); err != nil {
		err = fmt.Errorf("commit projection: %w", err)
		if rerr := rewind(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

func (p *pendingBatch) Abort() { _ = p.tx.Rollback() }

func apply(ctx context.Context, tx *sql.Tx, at time.Time, evt events.Event) error {
	switch e := evt.(type) {
	case events.Transfer:
		if e.From != zeroAddress {
			if err := adjustBalance(ctx, tx, e.Token, e.From, e.Amount, false); err != nil {
				return err
			}
		}
		return adjustBalance(ctx, tx, e.Token, e.To, e.Amount, true)
	case events.Approval:
		_, err := tx.ExecContext(ctx, `
            INSERT INTO allowances(token, owner, spender, amount) VALUES(?, ?, ?, ?)
            ON CONFLICT(token, owner, spender) DO UPDATE SET amount = excluded.amount
        `, hexAddr(e.Token), hexAddr(e.Owner), hexAddr(e.Spender), amountString(e.Amount))
		return err
	case events.RateUpdated:
		_, err := tx.ExecContext(ctx, `
            INSERT INTO rates(engine, token_in, token_out, rate, updated_at) VALUES(?, ?, ?, ?, ?)
            ON CONFLICT(engine, token_in, token_out) DO UPDATE SET rate = excluded.rate, updated_at = excluded.updated_at
        `, hexAddr(e.Registry), hexAddr(e.TokenIn), hexAddr(e.TokenOut), amountString(e.Rate), e.UpdatedAt.UTC().UnixNano())
		return err
	case events.RateOracleUpdated:
		return setMembership(ctx, tx, "oracles", e.Registry, e.Oracle, e.Allowed)
	case events.LiquidityProviderUpdated:
		return setMembership(ctx, tx, "providers", e.Ledger, e.Provider, e.Allowed)
	case events.LiquidityAdded:
		return setReserve(ctx, tx, e.Ledger, e.Token, e.Reserve)
	case events.LiquidityReserved:
		return setReserve(ctx, tx, e.Ledger, e.Token, e.Reserve)
	case events.LiquiditySynced:
		return setReserve(ctx, tx, e.Ledger, e.Token, e.Reserve)
	case events.EmergencyWithdrawal:
		return setReserve(ctx, tx, e.Ledger, e.Token, e.Reserve)
	case events.FXEngineUpdated:
		return updateRouter(ctx, tx, "engine", hexAddr(e.New))
	case events.FeeUpdated:
		return updateRouter(ctx, tx, "fee_bps", int64(e.New))
	case events.FeeCollectorUpdated:
		return updateRouter(ctx, tx, "fee_collector", hexAddr(e.New))
	case events.OwnershipTransferred:
		if e.Component != "router" {
			return nil
		}
		return updateRouter(ctx, tx, "owner", hexAddr(e.New))
	case events.PaymentRouted:
		_, err := tx.ExecContext(ctx, `
            INSERT INTO payments(id, sender, recipient, token_in, token_out, amount_in, fee_amount, amount_out, fee_collector, fx_engine, created_at)
            VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, e.ID, hexAddr(e.Sender), hexAddr(e.Recipient), hexAddr(e.TokenIn), hexAddr(e.TokenOut),
			amountString(e.AmountIn), amountString(e.FeeAmount), amountString(e.AmountOut),
			hexAddr(e.FeeCollector), hexAddr(e.FXEngine), at.UTC().UnixNano())
		return err
	default:
		return nil
	}
}

func setMembership(ctx context.Context, tx *sql.Tx, table string, engine, account common.Address, allowed bool) error {
	var query string
	if allowed {
		query = fmt.Sprintf(`INSERT INTO %s(engine, account) VALUES(?, ?) ON CONFLICT(engine, account) DO NOTHING`, table)
	} else {
		query = fmt.Sprintf(`DELETE FROM %s WHERE engine = ? AND account = ?`, table)
	}
	_, err := tx.ExecContext(ctx, query, hexAddr(engine), hexAddr(account))
	return err
}

func setReserve(ctx context.Context, tx *sql.Tx, engine, token common.Address, reserve *uint256.Int) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO reserves(engine, token, amount) VALUES(?, ?, ?)
        ON CONFLICT(engine, token) DO UPDATE SET amount = excluded.amount
    `, hexAddr(engine), hexAddr(token), amountString(reserve))
	return err
}

func updateRouter(ctx context.Context, tx *sql.Tx, column string, value any) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE router_settings SET %s = ? WHERE id = 1`, column), value)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("router settings not seeded")
	}
	return nil
}

// RecordSample persists a raw oracle quote.
func (s *Storage) RecordSample(ctx context.Context, base, quote, source string, rate decimal.Decimal, observed, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(pair, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, pairKey(base, quote), strings.ToLower(source), rate.StringFixed(18), observed.UTC().Unix(), recorded.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregated median snapshot.
func (s *Storage) RecordSnapshot(ctx context.Context, base, quote, median string, feeders []string, proofID string, ts time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(pair, median_rate, feeders, proof_id, observed_at)
        VALUES(?, ?, ?, ?, ?)
    `, pairKey(base, quote), strings.TrimSpace(median), strings.Join(feeders, ","), proofID, ts.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Snapshot captures the latest oracle aggregate.
type Snapshot struct {
	MedianRate     string
	Feeders        []string
	ProofID        string
	ObservedAtUnix int64
}

// LatestSnapshot returns the most recent aggregated median for the pair.
func (s *Storage) LatestSnapshot(ctx context.Context, base, quote string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median_rate, feeders, proof_id, observed_at
        FROM oracle_snapshots
        WHERE pair = ?
        ORDER BY id DESC
        LIMIT 1
    `, pairKey(base, quote))
	var feeders string
	if err := row.Scan(&result.MedianRate, &feeders, &result.ProofID, &result.ObservedAtUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrNotFound
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	return result, nil
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

const schema = `
CREATE TABLE IF NOT EXISTS balances (
    token TEXT NOT NULL,
    account TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (token, account)
);

CREATE TABLE IF NOT EXISTS allowances (
    token TEXT NOT NULL,
    owner TEXT NOT NULL,
    spender TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (token, owner, spender)
);

CREATE TABLE IF NOT EXISTS rates (
    engine TEXT NOT NULL,
    token_in TEXT NOT NULL,
    token_out TEXT NOT NULL,
    rate TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (engine, token_in, token_out)
);

CREATE TABLE IF NOT EXISTS oracles (
    engine TEXT NOT NULL,
    account TEXT NOT NULL,
    PRIMARY KEY (engine, account)
);

CREATE TABLE IF NOT EXISTS reserves (
    engine TEXT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (engine, token)
);

CREATE TABLE IF NOT EXISTS providers (
    engine TEXT NOT NULL,
    account TEXT NOT NULL,
    PRIMARY KEY (engine, account)
);

CREATE TABLE IF NOT EXISTS router_settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    owner TEXT NOT NULL,
    fee_collector TEXT NOT NULL,
    fee_bps INTEGER NOT NULL,
    engine TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    token_in TEXT NOT NULL,
    token_out TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    fee_amount TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    fee_collector TEXT NOT NULL,
    fx_engine TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);

CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_pair_ts ON oracle_samples(pair, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    median_rate TEXT NOT NULL,
    feeders TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_pair_ts ON oracle_snapshots(pair, observed_at);
`
