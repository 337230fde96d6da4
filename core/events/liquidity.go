package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/types"
)

const (
	// TypeLiquidityAdded is emitted when a provider deposits tracked liquidity.
	TypeLiquidityAdded = "liquidity.added"
	// TypeLiquidityReserved is emitted when a swap consumes tracked reserve.
	TypeLiquidityReserved = "liquidity.reserved"
	// TypeLiquiditySynced is emitted when untracked custody is absorbed.
	TypeLiquiditySynced = "liquidity.synced"
	// TypeEmergencyWithdrawal is emitted when the owner recovers custody funds.
	TypeEmergencyWithdrawal = "liquidity.emergency_withdrawal"
	// TypeLiquidityProviderUpdated is emitted when a provider is allowed or revoked.
	TypeLiquidityProviderUpdated = "liquidity.provider_updated"
)

// LiquidityAdded reports a deposit. Reserve is the tracked amount after the
// deposit.
type LiquidityAdded struct {
	Ledger   common.Address
	Token    common.Address
	Provider common.Address
	Amount   *uint256.Int
	Reserve  *uint256.Int
}

// EventType satisfies the events.Event interface.
func (LiquidityAdded) EventType() string { return TypeLiquidityAdded }

// Event flattens the deposit.
func (e LiquidityAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityAdded,
		Attributes: map[string]string{
			"ledger":   formatAddress(e.Ledger),
			"token":    formatAddress(e.Token),
			"provider": formatAddress(e.Provider),
			"amount":   formatAmount(e.Amount),
			"reserve":  formatAmount(e.Reserve),
		},
	}
}

// LiquidityReserved reports reserve consumed by a swap payout.
type LiquidityReserved struct {
	Ledger  common.Address
	Token   common.Address
	Amount  *uint256.Int
	Reserve *uint256.Int
}

// EventType satisfies the events.Event interface.
func (LiquidityReserved) EventType() string { return TypeLiquidityReserved }

// Event flattens the reservation.
func (e LiquidityReserved) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityReserved,
		Attributes: map[string]string{
			"ledger":  formatAddress(e.Ledger),
			"token":   formatAddress(e.Token),
			"amount":  formatAmount(e.Amount),
			"reserve": formatAmount(e.Reserve),
		},
	}
}

// LiquiditySynced reports the untracked balance absorbed into the reserve.
type LiquiditySynced struct {
	Ledger  common.Address
	Token   common.Address
	Delta   *uint256.Int
	Reserve *uint256.Int
	Balance *uint256.Int
}

// EventType satisfies the events.Event interface.
func (LiquiditySynced) EventType() string { return TypeLiquiditySynced }

// Event flattens the sync.
func (e LiquiditySynced) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquiditySynced,
		Attributes: map[string]string{
			"ledger":  formatAddress(e.Ledger),
			"token":   formatAddress(e.Token),
			"delta":   formatAmount(e.Delta),
			"reserve": formatAmount(e.Reserve),
			"balance": formatAmount(e.Balance),
		},
	}
}

// EmergencyWithdrawal reports funds recovered by the ledger owner.
type EmergencyWithdrawal struct {
	Ledger  common.Address
	Token   common.Address
	To      common.Address
	Amount  *uint256.Int
	Reserve *uint256.Int
}

// EventType satisfies the events.Event interface.
func (EmergencyWithdrawal) EventType() string { return TypeEmergencyWithdrawal }

// Event flattens the withdrawal.
func (e EmergencyWithdrawal) Event() *types.Event {
	return &types.Event{
		Type: TypeEmergencyWithdrawal,
		Attributes: map[string]string{
			"ledger":  formatAddress(e.Ledger),
			"token":   formatAddress(e.Token),
			"to":      formatAddress(e.To),
			"amount":  formatAmount(e.Amount),
			"reserve": formatAmount(e.Reserve),
		},
	}
}

// LiquidityProviderUpdated records a change to the provider allow list.
type LiquidityProviderUpdated struct {
	Ledger   common.Address
	Provider common.Address
	Allowed  bool
}

// EventType satisfies the events.Event interface.
func (LiquidityProviderUpdated) EventType() string { return TypeLiquidityProviderUpdated }

// Event flattens the provider change.
func (e LiquidityProviderUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityProviderUpdated,
		Attributes: map[string]string{
			"ledger":   formatAddress(e.Ledger),
			"provider": formatAddress(e.Provider),
			"allowed":  strconv.FormatBool(e.Allowed),
		},
	}
}
