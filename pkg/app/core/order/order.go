package order

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Type is the kind of conditional instruction an order carries
type Type uint8

const (
	StopLoss Type = iota + 1
	TakeProfit
	BuyStop
	BuyLimit
)

func (t Type) String() string {
	switch t {
	case StopLoss:
		return "STOP_LOSS"
	case TakeProfit:
		return "TAKE_PROFIT"
	case BuyStop:
		return "BUY_STOP"
	case BuyLimit:
		return "BUY_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the four supported order types
func (t Type) Valid() bool {
	return t >= StopLoss && t <= BuyLimit
}

// ParseType accepts either the canonical name ("STOP_LOSS") or its lowercase form
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOP_LOSS":
		return StopLoss, nil
	case "TAKE_PROFIT":
		return TakeProfit, nil
	case "BUY_STOP":
		return BuyStop, nil
	case "BUY_LIMIT":
		return BuyLimit, nil
	default:
		return 0, fmt.Errorf("unknown order type: %q", s)
	}
}

// ZeroForOne returns the direction an order of this type consumes.
// BUY_STOP and STOP_LOSS spend token0; BUY_LIMIT and TAKE_PROFIT spend token1.
func (t Type) ZeroForOne() bool {
	return t == StopLoss || t == BuyStop
}

// Status represents the lifecycle state of an order
type Status int8

const (
	Open Status = iota
	Executed
	Canceled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Executed:
		return "executed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal returns true for states that never transition again
func (s Status) Terminal() bool {
	return s == Executed || s == Canceled
}

// CanTransition checks the OPEN -> EXECUTED | CANCELED state machine
func CanTransition(from, to Status) bool {
	return from == Open && to.Terminal()
}

// Order is the canonical record of a conditional instruction.
// Orders are never deleted; terminal orders remain as an audit trail.
type Order struct {
	ID     common.Hash    // keccak256(counter, owner, timestamp)
	Owner  common.Address // only the owner may cancel
	Market string         // market symbol (e.g., "ETH-USDC")
	Type   Type

	// ZeroForOne is derived from Type at placement and stored for indexing.
	// true: input token0 -> output token1
	ZeroForOne bool

	AmountIn     int64 // escrowed input, always > 0
	TriggerLevel int64 // tick at which the order becomes eligible
	BucketLevel  int64 // discretized level the order is indexed under

	Status Status
	Seq    uint64 // placement counter value

	// Unix seconds
	PlacedAt  int64
	UpdatedAt int64
}

// InputAsset returns the token escrowed by the order
func (o *Order) InputAsset(token0, token1 common.Address) common.Address {
	if o.ZeroForOne {
		return token0
	}
	return token1
}

// OutputAsset returns the token the owner receives on execution
func (o *Order) OutputAsset(token0, token1 common.Address) common.Address {
	if o.ZeroForOne {
		return token1
	}
	return token0
}

// IsOpen returns true while the order can still be settled or canceled
func (o *Order) IsOpen() bool {
	return o.Status == Open
}

// ShouldExecute evaluates the trigger condition at the given level
func (o *Order) ShouldExecute(currentLevel int64) bool {
	return ShouldExecute(o.Type, o.TriggerLevel, currentLevel)
}
