package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payerx/core/events"
)

// ErrTxPanicked is returned when a transaction body panics. The transaction is
// reverted before the error is returned.
var ErrTxPanicked = errors.New("state: transaction panicked")

// Reader is the read-only view handed to queries. Now reports the timestamp the
// view or transaction was opened with.
type Reader interface {
	Now() time.Time
}

// Committer persists the events of a transaction before it becomes visible.
// Returning an error reverts the transaction.
type Committer interface {
	Commit(ctx context.Context, batch Batch) error
}

// CommitterFunc adapts ordinary functions to Committer.
type CommitterFunc func(ctx context.Context, batch Batch) error

// Commit implements Committer.
func (f CommitterFunc) Commit(ctx context.Context, batch Batch) error {
	if f == nil {
		return nil
	}
	return f(ctx, batch)
}

// Preparer is a Committer that can stage a batch without making it durable.
// Execute prepares every Preparer, then runs the plain committers, and
// finalises the staged batches last in registration order. A failing plain
// committer therefore leaves nothing behind in a Preparer.
type Preparer interface {
	Committer
	Prepare(ctx context.Context, batch Batch) (Prepared, error)
}

// Prepared is a staged batch. Exactly one of Commit or Abort is called.
type Prepared interface {
	Commit() error
	Abort()
}

// Batch is the ordered event output of one committed transaction.
type Batch struct {
	Time   time.Time
	Events []events.Event
}

// Executor serialises every mutating operation behind a single writer lock.
// Components never lock on their own; they rely on being invoked from Execute
// or View.
type Executor struct {
	mu         sync.RWMutex
	clock      func() time.Time
	committers []Committer
	emitter    events.Emitter
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the clock used to stamp transactions.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithCommitter appends a committer invoked for every successful transaction.
func WithCommitter(c Committer) Option {
	return func(e *Executor) {
		if c != nil {
			e.committers = append(e.committers, c)
		}
	}
}

// WithEmitter installs the emitter that receives events after commit. Emitters
// run while the writer lock is held and must neither block nor call back into
// the executor.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Executor) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor constructs an executor.
func NewExecutor(opts ...Option) *Executor {
	exec := &Executor{
		clock:   time.Now,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(exec)
		}
	}
	return exec
}

// AddCommitter registers a committer after construction. It takes the writer
// lock so it never races an in-flight transaction.
func (e *Executor) AddCommitter(c Committer) {
	if c == nil {
		return
	}
	e.mu.Lock()
	e.committers = append(e.committers, c)
	e.mu.Unlock()
}

// SetEmitter swaps the post-commit emitter.
func (e *Executor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// Tx is a single serialised transaction. It is only valid inside the Execute
// callback that created it.
type Tx struct {
	now    time.Time
	undo   []func()
	events []events.Event
	closed bool
}

// Now returns the transaction timestamp. Every read of the clock within one
// transaction observes the same instant.
func (tx *Tx) Now() time.Time { return tx.now }

// OnRevert registers an undo step. Steps run newest first when the transaction
// fails.
func (tx *Tx) OnRevert(undo func()) {
	if tx == nil || undo == nil {
		return
	}
	if tx.closed {
		panic("state: OnRevert on closed transaction")
	}
	tx.undo = append(tx.undo, undo)
}

// Emit buffers an event. Buffered events are discarded if the transaction
// reverts.
func (tx *Tx) Emit(evt events.Event) {
	if tx == nil || evt == nil {
		return
	}
	if tx.closed {
		panic("state: Emit on closed transaction")
	}
	tx.events = append(tx.events, evt)
}

// Events returns the events buffered so far.
func (tx *Tx) Events() []events.Event {
	out := make([]events.Event, len(tx.events))
	copy(out, tx.events)
	return out
}

func (tx *Tx) revert() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
	tx.closed = true
}

// Execute runs fn as one atomic transaction. Any error from fn or from a
// committer leaves state exactly as it was before the call.
func (e *Executor) Execute(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if fn == nil {
		return fmt.Errorf("state: transaction body required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &Tx{now: e.clock()}
	defer func() {
		if r := recover(); r != nil {
			tx.revert()
			e.logger.Error("payerx/state: transaction panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("%w: %v", ErrTxPanicked, r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.revert()
		return err
	}
	batch := Batch{Time: tx.now, Events: tx.Events()}
	if err := e.commit(ctx, batch); err != nil {
		tx.revert()
		return fmt.Errorf("commit: %w", err)
	}
	tx.closed = true
	for _, evt := range batch.Events {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Executor) commit(ctx context.Context, batch Batch) error {
	var staged []Prepared
	abort := func(from int) {
		for _, p := range staged[from:] {
			p.Abort()
		}
	}
	for _, c := range e.committers {
		p, ok := c.(Preparer)
		if !ok {
			continue
		}
		pending, err := p.Prepare(ctx, batch)
		if err != nil {
			abort(0)
			return err
		}
		staged = append(staged, pending)
	}
	for _, c := range e.committers {
		if _, ok := c.(Preparer); ok {
			continue
		}
		if err := c.Commit(ctx, batch); err != nil {
			abort(0)
			return err
		}
	}
	for i, pending := range staged {
		if err := pending.Commit(); err != nil {
			abort(i + 1)
			return err
		}
	}
	return nil
}

// Exclusive runs fn under the writer lock outside any transaction. It exists
// for loading persisted state at startup; fn must not emit events.
func (e *Executor) Exclusive(fn func() error) error {
	if fn == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

type view struct {
	now time.Time
}

func (v view) Now() time.Time { return v.now }

// View runs fn under the read lock so it never observes a half-applied
// transaction.
func (e *Executor) View(ctx context.Context, fn func(r Reader) error) error {
	if fn == nil {
		return fmt.Errorf("state: view body required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(view{now: e.clock()})
}
