package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func formatAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return strconv.FormatInt(ts.UTC().Unix(), 10)
}
