package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"payerx/core/state"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
)

// EngineState is the persisted state of one FX adapter.
type EngineState struct {
	Address   common.Address
	Rates     []rates.Entry
	Oracles   []common.Address
	Reserves  []liquidity.Reserve
	Providers []common.Address
}

// State is everything Restore needs to rebuild the engine after a restart.
type State struct {
	Holdings []token.Holding
	Grants   []token.Grant
	Engines  []EngineState
	Router   *router.Settings
}

// Empty reports whether nothing has ever been persisted.
func (s State) Empty() bool {
	if len(s.Holdings) > 0 || len(s.Grants) > 0 || s.Router != nil {
		return false
	}
	for _, es := range s.Engines {
		if len(es.Rates) > 0 || len(es.Reserves) > 0 || len(es.Oracles) > 0 || len(es.Providers) > 0 {
			return false
		}
	}
	return true
}

// Restore loads persisted state without emitting events. It must run before
// the engine serves traffic.
func (e *Engine) Restore(s State) error {
	return e.exec.Exclusive(func() error {
		if err := e.bank.Restore(s.Holdings, s.Grants); err != nil {
			return err
		}
		for _, es := range s.Engines {
			adapter, ok := e.engines[es.Address]
			if !ok {
				return fmt.Errorf("restore: %w: %s", ErrUnknownEngine, es.Address.Hex())
			}
			if err := adapter.Registry().Restore(es.Rates, es.Oracles); err != nil {
				return fmt.Errorf("restore engine %s: %w", es.Address.Hex(), err)
			}
			adapter.Ledger().Restore(es.Reserves, es.Providers)
		}
		if s.Router == nil {
			return nil
		}
		adapter, ok := e.engines[s.Router.Engine]
		if !ok {
			return fmt.Errorf("restore router: %w: %s", ErrUnknownEngine, s.Router.Engine.Hex())
		}
		return e.router.Restore(*s.Router, adapter)
	})
}

// Snapshot captures the current state in the shape Restore accepts.
func (e *Engine) Snapshot(ctx context.Context) (snap State, err error) {
	err = e.exec.View(ctx, func(state.Reader) error {
		snap.Holdings = e.bank.Holdings()
		snap.Grants = e.bank.Grants()
		for _, addr := range e.Engines() {
			adapter := e.engines[addr]
			snap.Engines = append(snap.Engines, EngineState{
				Address:   addr,
				Rates:     adapter.Registry().Snapshot(),
				Oracles:   adapter.Registry().Oracles(),
				Reserves:  adapter.Ledger().Snapshot(),
				Providers: adapter.Ledger().Providers(),
			})
		}
		settings := e.router.Settings()
		snap.Router = &settings
		return nil
	})
	return snap, err
}
