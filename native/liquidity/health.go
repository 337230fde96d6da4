package liquidity

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/native/token"
)

// Status classifies how much of the custodial balance is tracked.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Utilization classifies tracked/balance.
type Utilization string

const (
	UtilizationLow    Utilization = "low"
	UtilizationNormal Utilization = "normal"
	UtilizationHigh   Utilization = "high"
)

// Thresholds in basis points of the custodial balance.
const (
	criticalBps        = 2_000
	warningBps         = 4_000
	utilizationLowBps  = 5_000
	utilizationHighBps = 9_500
)

// Report is the reconciliation view of one token. A positive Gap is untracked
// inflow, a negative Gap is a shortfall.
type Report struct {
	Token           common.Address
	Symbol          string
	Decimals        uint8
	Balance         *uint256.Int
	Tracked         *uint256.Int
	Gap             *big.Int
	GapBps          int64
	UtilizationBps  uint64
	Synced          bool
	Status          Status
	Utilization     Utilization
	Recommendations []string
}

// Health compares the tracked reserve with the custodial balance.
func (l *Ledger) Health(tok common.Address) (Report, error) {
	asset, err := l.bank.Asset(tok)
	if err != nil {
		return Report{}, err
	}
	bal, err := l.bank.BalanceOf(tok, l.custody)
	if err != nil {
		return Report{}, err
	}
	tracked := l.GetLiquidity(tok)
	gap := new(big.Int).Sub(bal.ToBig(), tracked.ToBig())

	rep := Report{
		Token:       tok,
		Symbol:      asset.Symbol,
		Decimals:    asset.Decimals,
		Balance:     bal,
		Tracked:     tracked,
		Gap:         gap,
		Status:      StatusHealthy,
		Utilization: UtilizationNormal,
	}
	if !bal.IsZero() {
		balBig := bal.ToBig()
		rep.GapBps = new(big.Int).Quo(new(big.Int).Mul(gap, big.NewInt(10_000)), balBig).Int64()
		rep.UtilizationBps = new(big.Int).Quo(new(big.Int).Mul(tracked.ToBig(), big.NewInt(10_000)), balBig).Uint64()
	}

	// Tolerance is 0.01 of one whole token.
	tolerance := big.NewInt(1)
	if asset.Decimals > 2 {
		tolerance = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals-2)), nil)
	}
	rep.Synced = new(big.Int).Abs(gap).Cmp(tolerance) <= 0
	if !rep.Synced && gap.Sign() > 0 {
		rep.Recommendations = append(rep.Recommendations,
			fmt.Sprintf("%s %s untracked, run sync", token.FormatUnits(uint256.MustFromBig(gap), asset.Decimals), asset.Symbol))
	}

	// Percentages of the balance are compared in integers.
	scaledTracked := new(big.Int).Mul(tracked.ToBig(), big.NewInt(10_000))
	ofBalance := func(bps int64) *big.Int { return new(big.Int).Mul(bal.ToBig(), big.NewInt(bps)) }
	switch {
	case scaledTracked.Cmp(ofBalance(criticalBps)) < 0:
		rep.Status = StatusCritical
		rep.Recommendations = append(rep.Recommendations, fmt.Sprintf("tracked %s below 20%% of balance, add liquidity", asset.Symbol))
	case scaledTracked.Cmp(ofBalance(warningBps)) < 0:
		rep.Status = StatusWarning
		rep.Recommendations = append(rep.Recommendations, fmt.Sprintf("tracked %s below 40%% of balance", asset.Symbol))
	}
	if gap.Sign() < 0 {
		rep.Status = StatusCritical
		rep.Recommendations = append(rep.Recommendations, fmt.Sprintf("custody holds less %s than tracked", asset.Symbol))
	}

	switch {
	case bal.IsZero() || scaledTracked.Cmp(ofBalance(utilizationLowBps)) < 0:
		rep.Utilization = UtilizationLow
	case scaledTracked.Cmp(ofBalance(utilizationHighBps)) > 0:
		rep.Utilization = UtilizationHigh
		if rep.Status == StatusHealthy {
			rep.Status = StatusWarning
		}
		rep.Recommendations = append(rep.Recommendations, "utilization above 95%, little untracked buffer")
	}
	return rep, nil
}

// Overall returns the worst status across reports.
func Overall(reports []Report) Status {
	out := StatusHealthy
	for _, r := range reports {
		switch r.Status {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			out = StatusWarning
		}
	}
	return out
}
