package events

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Type is the kind of notification the engine surfaces
type Type uint8

const (
	OrderPlaced Type = iota + 1
	OrderCanceled
	OrdersDiscovered
	OrderExecuted
	ClaimRedeemed
)

func (t Type) String() string {
	switch t {
	case OrderPlaced:
		return "OrderPlaced"
	case OrderCanceled:
		return "OrderCanceled"
	case OrdersDiscovered:
		return "OrdersDiscovered"
	case OrderExecuted:
		return "OrderExecuted"
	case ClaimRedeemed:
		return "ClaimRedeemed"
	default:
		return "Unknown"
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for c := OrderPlaced; c <= ClaimRedeemed; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", s)
}

// Event is one committed notification. Fields not relevant to Type are zero.
//
//	OrderPlaced       OrderID Owner OrderType AmountIn TriggerLevel
//	OrderCanceled     OrderID Owner OrderType
//	OrdersDiscovered  Level OrderIDs
//	OrderExecuted     OrderID Owner OrderType AmountIn TriggerLevel (Amount = output delivered)
//	ClaimRedeemed     TokenID Owner Amount (claim burned) AmountIn (output paid)
type Event struct {
	Type         Type           `json:"type"`
	Height       uint64         `json:"height,omitempty"`
	Market       string         `json:"market"`
	OrderID      common.Hash    `json:"order_id,omitempty"`
	Owner        common.Address `json:"owner,omitempty"`
	OrderType    string         `json:"order_type,omitempty"`
	AmountIn     int64          `json:"amount_in,omitempty"`
	TriggerLevel int64          `json:"trigger_level,omitempty"`
	Level        int64          `json:"level,omitempty"`
	OrderIDs     []common.Hash  `json:"order_ids,omitempty"`
	TokenID      common.Hash    `json:"token_id,omitempty"`
	Amount       int64          `json:"amount,omitempty"`
}

// Sink receives committed events. Publish is called with the ledger lock
// held, in commit order; implementations must not block on the ledger.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Fanout delivers each event to every sink in order
type Fanout []Sink

func (f Fanout) Publish(ev Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(Event) {}
