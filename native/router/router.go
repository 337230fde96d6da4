package router

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/native/fx"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/token"
)

const (
	// DefaultMaxFeeBps caps the routing fee at 1%.
	DefaultMaxFeeBps uint16 = 100
	bpsDenominator          = 10_000
)

var (
	ErrInvalidInput     = errors.New("router: invalid input")
	ErrUnauthorized     = errors.New("router: caller not authorized")
	ErrFeeTooHigh       = errors.New("router: fee exceeds cap")
	ErrRouterHoldsFunds = errors.New("router: balance left in router")
)

// Collaborator error kinds, re-exported so callers can match every failure of
// RouteAndPay against this package.
var (
	ErrSlippageExceeded      = fx.ErrSlippageExceeded
	ErrDecimalsMismatch      = fx.ErrDecimalsMismatch
	ErrRateNotSet            = rates.ErrRateNotSet
	ErrRateExpired           = rates.ErrRateExpired
	ErrInsufficientLiquidity = liquidity.ErrInsufficientLiquidity
	ErrInsufficientBalance   = token.ErrInsufficientBalance
	ErrInsufficientAllowance = token.ErrInsufficientAllowance
)

// FXEngine performs the cross-token leg of a payment. Swap pulls amountIn from
// caller using an allowance granted to Address and pays to directly.
type FXEngine interface {
	Address() common.Address
	Swap(tx *state.Tx, caller, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, to common.Address) (*uint256.Int, error)
	Quote(r state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error)
	EstimatedOutput(r state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) *uint256.Int
}

// Bank is the token surface the router moves funds through.
type Bank interface {
	BalanceOf(token, account common.Address) (*uint256.Int, error)
	Transfer(tx *state.Tx, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(tx *state.Tx, token, spender, from, to common.Address, amount *uint256.Int) error
	Approve(tx *state.Tx, token, owner, spender common.Address, amount *uint256.Int) error
}

// Config wires a router.
type Config struct {
	Owner        common.Address
	Address      common.Address
	FeeCollector common.Address
	FeeBps       uint16
	MaxFeeBps    uint16
	Engine       FXEngine
	Bank         Bank
}

// Settings is the persisted router configuration.
type Settings struct {
	Owner        common.Address
	FeeCollector common.Address
	FeeBps       uint16
	Engine       common.Address
}

// Router settles fee-bearing payments. It never holds a balance once a call
// returns.
type Router struct {
	address      common.Address
	owner        common.Address
	feeCollector common.Address
	feeBps       uint16
	maxFeeBps    uint16
	engine       FXEngine
	bank         Bank
}

// New validates cfg and constructs a router.
func New(cfg Config) (*Router, error) {
	if cfg.Owner == (common.Address{}) || cfg.Address == (common.Address{}) || cfg.FeeCollector == (common.Address{}) {
		return nil, ErrInvalidInput
	}
	if isNilEngine(cfg.Engine) || cfg.Bank == nil {
		return nil, ErrInvalidInput
	}
	maxFee := cfg.MaxFeeBps
	if maxFee == 0 {
		maxFee = DefaultMaxFeeBps
	}
	if maxFee > bpsDenominator {
		return nil, fmt.Errorf("%w: max fee %d bps", ErrInvalidInput, maxFee)
	}
	if cfg.FeeBps > maxFee {
		return nil, ErrFeeTooHigh
	}
	return &Router{
		address:      cfg.Address,
		owner:        cfg.Owner,
		feeCollector: cfg.FeeCollector,
		feeBps:       cfg.FeeBps,
		maxFeeBps:    maxFee,
		engine:       cfg.Engine,
		bank:         cfg.Bank,
	}, nil
}

func isNilEngine(engine FXEngine) bool {
	return engine == nil || engine.Address() == (common.Address{})
}

// Address is the router's own account.
func (r *Router) Address() common.Address { return r.address }

// Owner returns the router owner.
func (r *Router) Owner() common.Address { return r.owner }

// FeeBps returns the current fee in basis points.
func (r *Router) FeeBps() uint16 { return r.feeBps }

// MaxFeeBps returns the fee cap.
func (r *Router) MaxFeeBps() uint16 { return r.maxFeeBps }

// FeeCollector returns where fees are paid.
func (r *Router) FeeCollector() common.Address { return r.feeCollector }

// Engine returns the active FX engine.
func (r *Router) Engine() FXEngine { return r.engine }

// Settings snapshots the mutable configuration.
func (r *Router) Settings() Settings {
	return Settings{Owner: r.owner, FeeCollector: r.feeCollector, FeeBps: r.feeBps, Engine: r.engine.Address()}
}

// Restore applies persisted settings without emitting events.
func (r *Router) Restore(s Settings, engine FXEngine) error {
	if s.Owner == (common.Address{}) || s.FeeCollector == (common.Address{}) || isNilEngine(engine) {
		return ErrInvalidInput
	}
	if s.FeeBps > r.maxFeeBps {
		return ErrFeeTooHigh
	}
	r.owner = s.Owner
	r.feeCollector = s.FeeCollector
	r.feeBps = s.FeeBps
	r.engine = engine
	return nil
}

// SplitFee returns floor(amount*feeBps/10000) and the remainder.
func SplitFee(amount *uint256.Int, feeBps uint16) (fee, afterFee *uint256.Int) {
	fee, _ = new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(feeBps)), uint256.NewInt(bpsDenominator))
	afterFee = new(uint256.Int).Sub(amount, fee)
	return fee, afterFee
}

func (r *Router) onlyOwner(caller common.Address) error {
	if caller != r.owner {
		return ErrUnauthorized
	}
	return nil
}

// UpdateFXEngine rebinds the router to another engine. Owner only.
func (r *Router) UpdateFXEngine(tx *state.Tx, caller common.Address, engine FXEngine) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if isNilEngine(engine) {
		return ErrInvalidInput
	}
	prev := r.engine
	tx.OnRevert(func() { r.engine = prev })
	r.engine = engine
	tx.Emit(events.FXEngineUpdated{Old: prev.Address(), New: engine.Address()})
	return nil
}

// SetFeeBps changes the fee. Values above the cap fail with ErrFeeTooHigh.
func (r *Router) SetFeeBps(tx *state.Tx, caller common.Address, bps uint16) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if bps > r.maxFeeBps {
		return ErrFeeTooHigh
	}
	prev := r.feeBps
	tx.OnRevert(func() { r.feeBps = prev })
	r.feeBps = bps
	tx.Emit(events.FeeUpdated{Old: prev, New: bps})
	return nil
}

// SetFeeCollector redirects fees. Owner only.
func (r *Router) SetFeeCollector(tx *state.Tx, caller, collector common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if collector == (common.Address{}) {
		return ErrInvalidInput
	}
	prev := r.feeCollector
	tx.OnRevert(func() { r.feeCollector = prev })
	r.feeCollector = collector
	tx.Emit(events.FeeCollectorUpdated{Old: prev, New: collector})
	return nil
}

// TransferOwnership hands the router to newOwner. Owner only.
func (r *Router) TransferOwnership(tx *state.Tx, caller, newOwner common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return ErrInvalidInput
	}
	prev := r.owner
	tx.OnRevert(func() { r.owner = prev })
	r.owner = newOwner
	tx.Emit(events.OwnershipTransferred{Component: "router", Subject: r.address, Old: prev, New: newOwner})
	return nil
}
