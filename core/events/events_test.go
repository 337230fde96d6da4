package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestPaymentRoutedEventAttributes(t *testing.T) {
	evt := PaymentRouted{
		ID:        "pay-1",
		Sender:    common.HexToAddress("0x01"),
		Recipient: common.HexToAddress("0x02"),
		TokenIn:   common.HexToAddress("0xE1"),
		TokenOut:  common.HexToAddress("0xE2"),
		AmountIn:  uint256.NewInt(1_000000),
		AmountOut: uint256.NewInt(1_098900),
		FeeAmount: uint256.NewInt(1000),
	}
	flat := Flatten(evt)
	if flat.Type != TypePaymentRouted {
		t.Fatalf("unexpected type %q", flat.Type)
	}
	want := map[string]string{
		"id":        "pay-1",
		"sender":    "0x0000000000000000000000000000000000000001",
		"recipient": "0x0000000000000000000000000000000000000002",
		"amountIn":  "1000000",
		"amountOut": "1098900",
		"feeAmount": "1000",
	}
	for k, v := range want {
		if got := flat.Attributes[k]; got != v {
			t.Fatalf("attribute %s: got %q want %q", k, got, v)
		}
	}
	if _, ok := flat.Attributes["feeCollector"]; ok {
		t.Fatalf("zero fee collector should be omitted")
	}
}

func TestTransferFromZeroOmitsSender(t *testing.T) {
	flat := Flatten(Transfer{Token: common.HexToAddress("0xE1"), To: common.HexToAddress("0x02"), Amount: uint256.NewInt(5)})
	if _, ok := flat.Attributes["from"]; ok {
		t.Fatalf("mint transfer should omit sender")
	}
	if flat.Attributes["amount"] != "5" {
		t.Fatalf("unexpected amount %q", flat.Attributes["amount"])
	}
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestFlattenWithoutFlattener(t *testing.T) {
	flat := Flatten(bareEvent{})
	if flat == nil || flat.Type != "bare" || len(flat.Attributes) != 0 {
		t.Fatalf("unexpected flat event %+v", flat)
	}
	if Flatten(nil) != nil {
		t.Fatalf("expected nil for nil event")
	}
}

func TestFanoutDeliversInOrder(t *testing.T) {
	var seen []string
	first := EmitterFunc(func(evt Event) { seen = append(seen, "a:"+evt.EventType()) })
	second := EmitterFunc(func(evt Event) { seen = append(seen, "b:"+evt.EventType()) })
	Fanout{first, nil, second, NoopEmitter{}}.Emit(FeeUpdated{Old: 10, New: 20})
	if len(seen) != 2 || seen[0] != "a:"+TypeFeeUpdated || seen[1] != "b:"+TypeFeeUpdated {
		t.Fatalf("unexpected delivery order %v", seen)
	}
}
