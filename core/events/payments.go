package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/types"
)

const (
	// TypePaymentRouted is emitted once a payment has been routed, converted and
	// paid out to the recipient.
	TypePaymentRouted = "payments.routed"
)

// PaymentRouted is the auditable record of one routed payment. AmountIn always
// equals FeeAmount plus the amount handed to the FX engine.
type PaymentRouted struct {
	ID           string
	Sender       common.Address
	Recipient    common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *uint256.Int
	AmountOut    *uint256.Int
	FeeAmount    *uint256.Int
	FeeCollector common.Address
	FXEngine     common.Address
}

// EventType satisfies the events.Event interface.
func (PaymentRouted) EventType() string { return TypePaymentRouted }

// Event converts the structured payload into a wire-friendly representation for
// journal and stream subscribers.
func (e PaymentRouted) Event() *types.Event {
	attrs := map[string]string{
		"sender":    formatAddress(e.Sender),
		"recipient": formatAddress(e.Recipient),
		"tokenIn":   formatAddress(e.TokenIn),
		"tokenOut":  formatAddress(e.TokenOut),
		"amountIn":  formatAmount(e.AmountIn),
		"amountOut": formatAmount(e.AmountOut),
		"feeAmount": formatAmount(e.FeeAmount),
	}
	if id := strings.TrimSpace(e.ID); id != "" {
		attrs["id"] = id
	}
	if collector := formatAddress(e.FeeCollector); collector != "" {
		attrs["feeCollector"] = collector
	}
	if engine := formatAddress(e.FXEngine); engine != "" {
		attrs["fxEngine"] = engine
	}
	return &types.Event{Type: TypePaymentRouted, Attributes: attrs}
}
