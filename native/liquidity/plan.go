package liquidity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Plan describes expected two-way swap volume between a base and a quote
// token. Rate is quote units per base unit.
type Plan struct {
	ForwardPerDay int64           // base -> quote swaps per day
	ReversePerDay int64           // quote -> base swaps per day
	AvgForward    decimal.Decimal // average base amount per forward swap
	AvgReverse    decimal.Decimal // average quote amount per reverse swap
	Rate          decimal.Decimal
	SafetyBuffer  decimal.Decimal // defaults to 1.5
	DaysToCover   int64           // defaults to 7
	RoundTo       decimal.Decimal // allocation granularity, defaults to 100
}

// Need is the liquidity recommendation for one side of the pair.
type Need struct {
	DailyIn     decimal.Decimal
	DailyOut    decimal.Decimal
	NetFlow     decimal.Decimal
	Minimum     decimal.Decimal
	Recommended decimal.Decimal
	Allocate    decimal.Decimal
}

// PlanResult holds the base and quote recommendations.
type PlanResult struct {
	Base   Need
	Quote  Need
	Days   int64
	Buffer decimal.Decimal
}

// PlanLiquidity sizes reserves so that DaysToCover days of expected payouts
// can be served, padded by SafetyBuffer. Allocation rounds up to RoundTo.
func PlanLiquidity(p Plan) (PlanResult, error) {
	if p.ForwardPerDay < 0 || p.ReversePerDay < 0 {
		return PlanResult{}, fmt.Errorf("%w: negative transaction count", ErrInvalidInput)
	}
	if !p.Rate.IsPositive() {
		return PlanResult{}, fmt.Errorf("%w: rate must be positive", ErrInvalidInput)
	}
	if p.AvgForward.IsNegative() || p.AvgReverse.IsNegative() {
		return PlanResult{}, fmt.Errorf("%w: negative average amount", ErrInvalidInput)
	}
	if p.SafetyBuffer.IsZero() {
		p.SafetyBuffer = decimal.NewFromFloat(1.5)
	}
	if p.DaysToCover <= 0 {
		p.DaysToCover = 7
	}
	if !p.RoundTo.IsPositive() {
		p.RoundTo = decimal.NewFromInt(100)
	}
	days := decimal.NewFromInt(p.DaysToCover)

	baseIn := decimal.NewFromInt(p.ForwardPerDay).Mul(p.AvgForward)
	quoteOut := baseIn.Mul(p.Rate)
	quoteIn := decimal.NewFromInt(p.ReversePerDay).Mul(p.AvgReverse)
	baseOut := quoteIn.DivRound(p.Rate, 18)

	side := func(in, out decimal.Decimal) Need {
		minimum := decimal.Max(out.Mul(days), in.Mul(days))
		recommended := minimum.Mul(p.SafetyBuffer)
		return Need{
			DailyIn:     in,
			DailyOut:    out,
			NetFlow:     in.Sub(out),
			Minimum:     minimum,
			Recommended: recommended,
			Allocate:    recommended.Div(p.RoundTo).Ceil().Mul(p.RoundTo),
		}
	}
	return PlanResult{
		Base:   side(baseIn, baseOut),
		Quote:  side(quoteIn, quoteOut),
		Days:   p.DaysToCover,
		Buffer: p.SafetyBuffer,
	}, nil
}
