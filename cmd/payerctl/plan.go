package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"payerx/native/liquidity"
)

// planInput wraps the liquidity plan with the labels and the per-side
// allocation evaluated for capacity. Amounts are in whole token units.
type planInput struct {
	TokenIn   string
	TokenOut  string
	Plan      liquidity.Plan
	Allocated decimal.Decimal
}

// planCapacity is how many average payments a given reserve can serve.
type planCapacity struct {
	Forward int64
	Reverse int64
	Days    int64
}

func computePlan(in planInput) (liquidity.PlanResult, planCapacity, error) {
	if in.Plan.SafetyBuffer.LessThan(decimal.NewFromInt(1)) {
		return liquidity.PlanResult{}, planCapacity{}, errors.New("buffer must be at least 1")
	}
	if in.Allocated.IsNegative() {
		return liquidity.PlanResult{}, planCapacity{}, errors.New("allocation must not be negative")
	}
	res, err := liquidity.PlanLiquidity(in.Plan)
	if err != nil {
		return liquidity.PlanResult{}, planCapacity{}, err
	}
	var capacity planCapacity
	if in.Allocated.IsPositive() {
		p := in.Plan
		if cost := p.AvgForward.Mul(p.Rate); cost.IsPositive() {
			capacity.Forward = in.Allocated.Div(cost).Floor().IntPart()
		}
		if cost := p.AvgReverse.Div(p.Rate); cost.IsPositive() {
			capacity.Reverse = in.Allocated.Div(cost).Floor().IntPart()
		}
		if p.ForwardPerDay > 0 {
			capacity.Days = capacity.Forward / p.ForwardPerDay
		}
	}
	return res, capacity, nil
}

func signed(v decimal.Decimal) string {
	if v.IsPositive() {
		return "+" + v.StringFixed(2)
	}
	return v.StringFixed(2)
}

func writePlan(w io.Writer, in planInput, res liquidity.PlanResult, capacity planCapacity) {
	a, b := in.TokenIn, in.TokenOut
	fmt.Fprintf(w, "Liquidity plan for %s/%s at rate %s over %d days\n", a, b, in.Plan.Rate.String(), res.Days)
	fmt.Fprintf(w, "  daily %s->%s: %s %s in, %s %s out\n", a, b, res.Base.DailyIn.StringFixed(2), a, res.Quote.DailyOut.StringFixed(2), b)
	fmt.Fprintf(w, "  daily %s->%s: %s %s in, %s %s out\n", b, a, res.Quote.DailyIn.StringFixed(2), b, res.Base.DailyOut.StringFixed(2), a)
	fmt.Fprintf(w, "  net flow: %s %s, %s %s\n", a, signed(res.Base.NetFlow), b, signed(res.Quote.NetFlow))
	fmt.Fprintf(w, "  minimum: %s %s, %s %s\n", a, res.Base.Minimum.StringFixed(2), b, res.Quote.Minimum.StringFixed(2))
	fmt.Fprintf(w, "  recommended (buffer %sx): %s %s, %s %s\n", res.Buffer.String(), a, res.Base.Allocate.String(), b, res.Quote.Allocate.String())
	if in.Allocated.IsPositive() {
		fmt.Fprintf(w, "Capacity with %s per side: ~%d %s->%s payments, ~%d %s->%s payments, ~%d days without top-up\n",
			in.Allocated.String(), capacity.Forward, a, b, capacity.Reverse, b, a, capacity.Days)
		warn := in.Allocated.Mul(decimal.NewFromFloat(0.4))
		crit := in.Allocated.Mul(decimal.NewFromFloat(0.2))
		fmt.Fprintf(w, "  alert when a reserve falls below %s (warning) or %s (critical)\n", warn.StringFixed(2), crit.StringFixed(2))
	}
}

type decimalFlag struct{ value *decimal.Decimal }

func (f decimalFlag) String() string {
	if f.value == nil {
		return ""
	}
	return f.value.String()
}

func (f decimalFlag) Set(raw string) error {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*f.value = parsed
	return nil
}

func runPlan(_ context.Context, _ *client, args []string, stdout, stderr io.Writer) int {
	in := planInput{Plan: liquidity.Plan{
		ForwardPerDay: 10,
		ReversePerDay: 10,
		AvgForward:    decimal.NewFromInt(5),
		AvgReverse:    decimal.NewFromInt(5),
		Rate:          decimal.RequireFromString("1.16"),
		SafetyBuffer:  decimal.RequireFromString("1.5"),
		DaysToCover:   7,
	}}
	fs := newFlagSet("plan", stderr)
	fs.StringVar(&in.TokenIn, "token-in", "EURC", "input token symbol")
	fs.StringVar(&in.TokenOut, "token-out", "USDC", "output token symbol")
	fs.Int64Var(&in.Plan.ForwardPerDay, "forward-tx", in.Plan.ForwardPerDay, "token-in to token-out payments per day")
	fs.Int64Var(&in.Plan.ReversePerDay, "reverse-tx", in.Plan.ReversePerDay, "token-out to token-in payments per day")
	fs.Var(decimalFlag{&in.Plan.AvgForward}, "avg-forward", "average forward payment, in whole token-in units")
	fs.Var(decimalFlag{&in.Plan.AvgReverse}, "avg-reverse", "average reverse payment, in whole token-out units")
	fs.Var(decimalFlag{&in.Plan.Rate}, "rate", "token-out per token-in")
	fs.Var(decimalFlag{&in.Plan.SafetyBuffer}, "buffer", "safety multiplier applied to the minimum")
	fs.Int64Var(&in.Plan.DaysToCover, "days", in.Plan.DaysToCover, "days to cover without a top-up")
	fs.Var(decimalFlag{&in.Allocated}, "allocated", "reserve per side to evaluate capacity for")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	in.TokenIn = strings.ToUpper(strings.TrimSpace(in.TokenIn))
	in.TokenOut = strings.ToUpper(strings.TrimSpace(in.TokenOut))
	res, capacity, err := computePlan(in)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	writePlan(stdout, in, res, capacity)
	return 0
}
