package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/settlement"
	"payerx/native/rates"
	"payerx/observability"
)

// RateStore is the slice of the settlement engine the publisher writes to.
type RateStore interface {
	GetRate(ctx context.Context, engine, tokenIn, tokenOut common.Address) (settlement.RateInfo, error)
	SetRate(ctx context.Context, caller, engine, tokenIn, tokenOut common.Address, rate *uint256.Int) error
}

// SettlementPublisher writes aggregated medians into an engine's rate
// registry as the oracle account.
type SettlementPublisher struct {
	rates        RateStore
	account      common.Address
	engine       common.Address
	minChangeBps uint64
	logger       *slog.Logger
}

// NewSettlementPublisher builds a publisher. A zero engine publishes to the
// router's active engine.
func NewSettlementPublisher(store RateStore, account, engine common.Address, minChangeBps uint64, logger *slog.Logger) (*SettlementPublisher, error) {
	if store == nil {
		return nil, fmt.Errorf("rate store required")
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("oracle account required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementPublisher{
		rates:        store,
		account:      account,
		engine:       engine,
		minChangeBps: minChangeBps,
		logger:       logger.With("component", "oracle-publisher"),
	}, nil
}

// PublishOracleUpdate implements Publisher.
func (p *SettlementPublisher) PublishOracleUpdate(ctx context.Context, update Update) error {
	rate, err := rates.FromDecimal(update.Median)
	if err != nil {
		return err
	}
	pair := update.Pair
	label := pair.Label()
	if err := p.publish(ctx, label, pair.TokenIn, pair.TokenOut, rate, update); err != nil {
		return err
	}
	if !pair.Invert {
		return nil
	}
	reverse, err := rates.Invert(rate)
	if err != nil {
		return fmt.Errorf("invert %s: %w", label, err)
	}
	return p.publish(ctx, Pair{Base: pair.Quote, Quote: pair.Base}.Label(), pair.TokenOut, pair.TokenIn, reverse, update)
}

func (p *SettlementPublisher) publish(ctx context.Context, label string, in, out common.Address, rate *uint256.Int, update Update) error {
	current, err := p.rates.GetRate(ctx, p.engine, in, out)
	if err != nil {
		return err
	}
	if current.Fresh && !current.Rate.IsZero() {
		if change := rates.ChangeBps(current.Rate, rate); change < p.minChangeBps {
			observability.Oracle().RecordSkip(label)
			p.logger.Debug("rate change below threshold", "pair", label, "change_bps", change)
			return nil
		}
	}
	if err := p.rates.SetRate(ctx, p.account, p.engine, in, out, rate); err != nil {
		observability.Oracle().RecordRejection(label, observability.ErrorReason(err))
		return fmt.Errorf("set rate %s: %w", label, err)
	}
	value, _ := rates.ToDecimal(rate).Float64()
	observability.Oracle().RecordPublish(label, value, update.Time.Sub(update.Newest))
	p.logger.Info("rate published",
		"pair", label,
		"rate", rates.FormatRate(rate),
		"fallback", update.Fallback,
		"proof_id", update.ProofID,
	)
	return nil
}
