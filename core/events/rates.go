package events

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/types"
)

const (
	// TypeRateUpdated is emitted whenever a directional rate is stored.
	TypeRateUpdated = "rates.updated"
	// TypeRateOracleUpdated is emitted when a rate setter is allowed or revoked.
	TypeRateOracleUpdated = "rates.oracle_updated"
)

// RateUpdated records a rate write for the ordered pair (TokenIn, TokenOut).
// Rate and Previous are 18-decimal fixed point values.
type RateUpdated struct {
	Registry  common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	Rate      *uint256.Int
	Previous  *uint256.Int
	UpdatedAt time.Time
	Setter    common.Address
}

// EventType satisfies the events.Event interface.
func (RateUpdated) EventType() string { return TypeRateUpdated }

// Event flattens the rate update.
func (e RateUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRateUpdated,
		Attributes: map[string]string{
			"registry":  formatAddress(e.Registry),
			"tokenIn":   formatAddress(e.TokenIn),
			"tokenOut":  formatAddress(e.TokenOut),
			"rate":      formatAmount(e.Rate),
			"previous":  formatAmount(e.Previous),
			"updatedAt": formatTime(e.UpdatedAt),
			"setter":    formatAddress(e.Setter),
		},
	}
}

// RateOracleUpdated records a change to the registry's rate setter set.
type RateOracleUpdated struct {
	Registry common.Address
	Oracle   common.Address
	Allowed  bool
}

// EventType satisfies the events.Event interface.
func (RateOracleUpdated) EventType() string { return TypeRateOracleUpdated }

// Event flattens the oracle change.
func (e RateOracleUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRateOracleUpdated,
		Attributes: map[string]string{
			"registry": formatAddress(e.Registry),
			"oracle":   formatAddress(e.Oracle),
			"allowed":  strconv.FormatBool(e.Allowed),
		},
	}
}
