package events

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"payerx/core/types"
)

const (
	// TypeFXEngineUpdated is emitted when the router is rebound to another engine.
	TypeFXEngineUpdated = "router.fx_engine_updated"
	// TypeFeeUpdated is emitted when the routing fee changes.
	TypeFeeUpdated = "router.fee_updated"
	// TypeFeeCollectorUpdated is emitted when fees are redirected.
	TypeFeeCollectorUpdated = "router.fee_collector_updated"
	// TypeOwnershipTransferred is emitted when a component changes owner.
	TypeOwnershipTransferred = "ownership.transferred"
)

// FXEngineUpdated records an engine rebind.
type FXEngineUpdated struct {
	Old common.Address
	New common.Address
}

// EventType satisfies the events.Event interface.
func (FXEngineUpdated) EventType() string { return TypeFXEngineUpdated }

// Event flattens the rebind.
func (e FXEngineUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeFXEngineUpdated,
		Attributes: map[string]string{
			"old": formatAddress(e.Old),
			"new": formatAddress(e.New),
		},
	}
}

// FeeUpdated records a fee change in basis points.
type FeeUpdated struct {
	Old uint16
	New uint16
}

// EventType satisfies the events.Event interface.
func (FeeUpdated) EventType() string { return TypeFeeUpdated }

// Event flattens the fee change.
func (e FeeUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeUpdated,
		Attributes: map[string]string{
			"oldBps": strconv.FormatUint(uint64(e.Old), 10),
			"newBps": strconv.FormatUint(uint64(e.New), 10),
		},
	}
}

// FeeCollectorUpdated records a fee collector change.
type FeeCollectorUpdated struct {
	Old common.Address
	New common.Address
}

// EventType satisfies the events.Event interface.
func (FeeCollectorUpdated) EventType() string { return TypeFeeCollectorUpdated }

// Event flattens the collector change.
func (e FeeCollectorUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeCollectorUpdated,
		Attributes: map[string]string{
			"old": formatAddress(e.Old),
			"new": formatAddress(e.New),
		},
	}
}

// OwnershipTransferred records an owner change on a named component such as
// "router", "rates" or "liquidity".
type OwnershipTransferred struct {
	Component string
	Subject   common.Address
	Old       common.Address
	New       common.Address
}

// EventType satisfies the events.Event interface.
func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

// Event flattens the ownership change.
func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnershipTransferred,
		Attributes: map[string]string{
			"component": strings.TrimSpace(e.Component),
			"subject":   formatAddress(e.Subject),
			"old":       formatAddress(e.Old),
			"new":       formatAddress(e.New),
		},
	}
}
