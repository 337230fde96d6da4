package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/types"
)

const (
	// TypeTransfer is emitted for every token balance movement. Mints use the
	// zero address as sender.
	TypeTransfer = "token.transfer"
	// TypeApproval is emitted when an allowance is set or consumed.
	TypeApproval = "token.approval"
)

type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"token":  formatAddress(e.Token),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}
	if from := formatAddress(e.From); from != "" {
		attrs["from"] = from
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// Approval carries the allowance value after the change, not the delta.
type Approval struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{
		Type: TypeApproval,
		Attributes: map[string]string{
			"token":   formatAddress(e.Token),
			"owner":   formatAddress(e.Owner),
			"spender": formatAddress(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}
