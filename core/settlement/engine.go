package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/native/fx"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
	"payerx/observability"
)

var (
	// ErrUnknownEngine is returned when an operation names an FX engine that
	// was never configured.
	ErrUnknownEngine = errors.New("settlement: unknown fx engine")
	// ErrInvalidConfig reports an unusable engine configuration.
	ErrInvalidConfig = errors.New("settlement: invalid configuration")
)

// EngineConfig declares one FX adapter. Address is both its custody account
// and its registry identifier.
type EngineConfig struct {
	Address      common.Address
	RateValidity time.Duration
}

// RouterConfig declares the payment router.
type RouterConfig struct {
	Address      common.Address
	FeeCollector common.Address
	FeeBps       uint16
	MaxFeeBps    uint16
}

// Config wires a settlement engine. The first entry of Engines is the active
// FX engine until UpdateFXEngine rebinds the router.
type Config struct {
	Owner   common.Address
	Minter  common.Address
	Assets  []token.Asset
	Engines []EngineConfig
	Router  RouterConfig
}

// Engine is the settlement façade. Every method runs one executor transaction
// or one view, so callers never observe a half-applied payment.
type Engine struct {
	exec    *state.Executor
	bank    *token.Bank
	engines map[common.Address]*fx.Adapter
	router  *router.Router

	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.SettlementMetrics
}

type options struct {
	clock      func() time.Time
	committers []state.Committer
	emitter    events.Emitter
	logger     *slog.Logger
	newID      func() string
}

// Option customises the engine.
type Option func(*options)

// WithClock overrides the transaction clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithCommitter registers a durable committer.
func WithCommitter(c state.Committer) Option {
	return func(o *options) { o.committers = append(o.committers, c) }
}

// WithEmitter installs the post-commit emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithIDGenerator overrides payment id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// New builds the bank, every FX adapter and the router from cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := options{clock: time.Now, logger: slog.Default(), newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidConfig)
	}
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("%w: at least one fx engine required", ErrInvalidConfig)
	}

	bank := token.NewBank(cfg.Minter)
	for _, asset := range cfg.Assets {
		if err := bank.Register(asset); err != nil {
			return nil, err
		}
	}
	engines := make(map[common.Address]*fx.Adapter, len(cfg.Engines))
	for _, ec := range cfg.Engines {
		if _, dup := engines[ec.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate engine %s", ErrInvalidConfig, ec.Address.Hex())
		}
		registry := rates.NewRegistry(ec.Address, cfg.Owner, ec.RateValidity)
		ledger, err := liquidity.NewLedger(ec.Address, cfg.Owner, bank)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Address.Hex(), err)
		}
		adapter, err := fx.NewAdapter(bank, registry, ledger)
		if err != nil {
			return nil, err
		}
		engines[ec.Address] = adapter
	}
	rt, err := router.New(router.Config{
		Owner:        cfg.Owner,
		Address:      cfg.Router.Address,
		FeeCollector: cfg.Router.FeeCollector,
		FeeBps:       cfg.Router.FeeBps,
		MaxFeeBps:    cfg.Router.MaxFeeBps,
		Engine:       engines[cfg.Engines[0].Address],
		Bank:         bank,
	})
	if err != nil {
		return nil, err
	}

	execOpts := []state.Option{state.WithClock(o.clock), state.WithLogger(o.logger)}
	for _, c := range o.committers {
		execOpts = append(execOpts, state.WithCommitter(c))
	}
	if o.emitter != nil {
		execOpts = append(execOpts, state.WithEmitter(o.emitter))
	}
	return &Engine{
		exec:    state.NewExecutor(execOpts...),
		bank:    bank,
		engines: engines,
		router:  rt,
		clock:   o.clock,
		newID:   o.newID,
		logger:  o.logger.With("component", "settlement"),
		tracer:  otel.Tracer("payerx/settlement"),
		metrics: observability.Settlement(),
	}, nil
}

// AddCommitter registers a committer after construction, typically once
// persisted state has been restored.
func (e *Engine) AddCommitter(c state.Committer) { e.exec.AddCommitter(c) }

// SetEmitter replaces the post-commit emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) { e.exec.SetEmitter(emitter) }

// Assets lists registered tokens.
func (e *Engine) Assets() []token.Asset { return e.bank.Assets() }

// Lookup resolves a token by symbol or address.
func (e *Engine) Lookup(ref string) (token.Asset, error) { return e.bank.Lookup(ref) }

// Engines lists configured FX engine addresses in address order.
func (e *Engine) Engines() []common.Address {
	out := make([]common.Address, 0, len(e.engines))
	for addr := range e.engines {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// engine resolves addr, treating the zero address as the router's active
// engine. Callers must hold the executor lock.
func (e *Engine) engine(addr common.Address) (*fx.Adapter, error) {
	if addr == (common.Address{}) {
		addr = e.router.Engine().Address()
	}
	adapter, ok := e.engines[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, addr.Hex())
	}
	return adapter, nil
}

// begin opens the span for op and returns the closer that records the outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "settlement."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		e.metrics.Observe(op, e.clock().Sub(start), err)
		span.End()
	}
}
