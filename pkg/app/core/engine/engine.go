package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/app/core/claim"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/tick"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/util"
)

// IndexMode selects which level an order is bucketed under
type IndexMode int8

const (
	// IndexByPlacement buckets by the market level at placement time, so a
	// bucket groups orders placed together. Discovery level may differ from
	// the trigger level.
	IndexByPlacement IndexMode = iota
	// IndexByTrigger buckets by the owner's trigger level
	IndexByTrigger
)

func (m IndexMode) String() string {
	switch m {
	case IndexByPlacement:
		return "placement"
	case IndexByTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// ParseIndexMode reads an ENGINE_INDEX_MODE value; empty means placement
func ParseIndexMode(s string) (IndexMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "placement":
		return IndexByPlacement, nil
	case "trigger":
		return IndexByTrigger, nil
	default:
		return 0, fmt.Errorf("unknown index mode %q", s)
	}
}

// Markets is the market price collaborator
type Markets interface {
	Lookup(symbol string) (*market.Market, error)
	CurrentLevel(tx *ledger.Tx, symbol string) (int64, error)
}

// Callback is what a settler receives during settlement.
// AmountIn of Input has already been moved to the settler's address; before
// returning nil the settler must have delivered Output to Recipient.
type Callback struct {
	Market    string
	OrderIDs  []common.Hash
	Input     common.Address
	Output    common.Address
	AmountIn  int64
	Recipient common.Address // the engine
	Payload   []byte
}

// Settler is the executor collaborator. Any error (or panic) from OnSettle
// aborts the whole settlement, including the transfer of the input.
type Settler interface {
	Address() common.Address
	OnSettle(ctx context.Context, tx *ledger.Tx, cb Callback) error
}

// Config configures the engine custody address and bucketing
type Config struct {
	Address   common.Address // custody address holding escrow
	IndexMode IndexMode
}

// Engine is the conditional-order engine: order registry, tick index, sweep
// and settlement. It has no lock of its own; every operation runs inside a
// ledger transaction, which is the global serialization point.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	markets Markets
	sink    events.Sink
	clock   util.Clock
	logger  *zap.SugaredLogger

	orders  map[common.Hash]*order.Order
	byOwner map[common.Address][]common.Hash
	indexes map[string]*tick.Index // market -> index
	levels  map[string]int64       // market -> lastObservedLevel
	counter uint64

	// escrow is the sum of AmountIn over open orders, per input asset
	escrow map[common.Address]int64
	claims *claim.Book
}

func New(cfg Config, l *ledger.Ledger, markets Markets, sink events.Sink, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		ledger:  l,
		markets: markets,
		sink:    sink,
		clock:   util.RealClock{},
		logger:  logger,
		orders:  make(map[common.Hash]*order.Order),
		byOwner: make(map[common.Address][]common.Hash),
		indexes: make(map[string]*tick.Index),
		levels:  make(map[string]int64),
		escrow:  make(map[common.Address]int64),
		claims:  claim.NewBook(),
	}
}

// SetClock replaces the time source used for default placement timestamps
func (e *Engine) SetClock(c util.Clock) {
	e.clock = c
}

func (e *Engine) Address() common.Address {
	return e.cfg.Address
}

func (e *Engine) IndexMode() IndexMode {
	return e.cfg.IndexMode
}

// ============================================================================
// Reads (serialized through the ledger)
// ============================================================================

// Get returns a copy of the order. Unknown ids return false and a zero Order.
func (e *Engine) Get(id common.Hash) (order.Order, bool) {
	var out order.Order
	var ok bool
	_ = e.ledger.View(func(*ledger.Tx) error {
		out, ok = e.get(id)
		return nil
	})
	return out, ok
}

func (e *Engine) get(id common.Hash) (order.Order, bool) {
	o, ok := e.orders[id]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

// OrdersOf returns the owner's orders in placement order
func (e *Engine) OrdersOf(owner common.Address) []order.Order {
	var out []order.Order
	_ = e.ledger.View(func(*ledger.Tx) error {
		for _, id := range e.byOwner[owner] {
			out = append(out, *e.orders[id])
		}
		return nil
	})
	return out
}

// Bucket returns the ids resting at (Floor(level), zeroForOne), including
// members that are no longer open
func (e *Engine) Bucket(symbol string, level int64, zeroForOne bool) []common.Hash {
	var out []common.Hash
	_ = e.ledger.View(func(*ledger.Tx) error {
		if ix, ok := e.indexes[symbol]; ok {
			out = ix.Bucket(ix.BucketOf(level, zeroForOne))
		}
		return nil
	})
	return out
}

// BucketSummary describes one non-empty bucket
type BucketSummary struct {
	Level      int64         `json:"level"`
	ZeroForOne bool          `json:"zero_for_one"`
	Open       []common.Hash `json:"open"`
	Total      int           `json:"total"`
}

// Buckets lists every bucket of a market in ascending level order
func (e *Engine) Buckets(symbol string) []BucketSummary {
	var out []BucketSummary
	_ = e.ledger.View(func(*ledger.Tx) error {
		ix, ok := e.indexes[symbol]
		if !ok {
			return nil
		}
		ix.Scan(func(key tick.Key, ids []common.Hash) bool {
			out = append(out, BucketSummary{
				Level:      key.Level,
				ZeroForOne: key.ZeroForOne,
				Open:       e.openOf(ids),
				Total:      len(ids),
			})
			return true
		})
		return nil
	})
	return out
}

// LastLevel returns the market's lastObservedLevel
func (e *Engine) LastLevel(symbol string) (int64, bool) {
	var lvl int64
	var ok bool
	_ = e.ledger.View(func(*ledger.Tx) error {
		lvl, ok = e.levels[symbol]
		return nil
	})
	return lvl, ok
}

// Escrow returns the total escrowed by open orders in asset
func (e *Engine) Escrow(asset common.Address) int64 {
	var out int64
	_ = e.ledger.View(func(*ledger.Tx) error {
		out = e.escrow[asset]
		return nil
	})
	return out
}

// ClaimPool returns a claim pool by token id
func (e *Engine) ClaimPool(id common.Hash) (claim.Pool, bool) {
	var p claim.Pool
	var ok bool
	_ = e.ledger.View(func(*ledger.Tx) error {
		p, ok = e.claims.Pool(id)
		return nil
	})
	return p, ok
}

// ClaimBalance returns holder's claim token balance
func (e *Engine) ClaimBalance(id common.Hash, holder common.Address) int64 {
	var out int64
	_ = e.ledger.View(func(*ledger.Tx) error {
		out = e.claims.BalanceOf(id, holder)
		return nil
	})
	return out
}

func (e *Engine) openOf(ids []common.Hash) []common.Hash {
	var open []common.Hash
	for _, id := range ids {
		if o, ok := e.orders[id]; ok && o.IsOpen() {
			open = append(open, id)
		}
	}
	return open
}

// ============================================================================
// Journaled mutations
// ============================================================================

func (e *Engine) index(symbol string) (*tick.Index, error) {
	if ix, ok := e.indexes[symbol]; ok {
		return ix, nil
	}
	m, err := e.markets.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	ix := tick.NewIndex(m.TickSpacing)
	e.indexes[symbol] = ix
	return ix, nil
}

func (e *Engine) addEscrow(tx *ledger.Tx, asset common.Address, delta int64) {
	prev := e.escrow[asset]
	e.escrow[asset] = prev + delta
	tx.Journal(func() { e.escrow[asset] = prev })
}

func (e *Engine) setStatus(tx *ledger.Tx, o *order.Order, to order.Status, now int64) error {
	if !order.CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, o.ID.Hex(), o.Status)
	}
	prevStatus, prevUpdated := o.Status, o.UpdatedAt
	o.Status = to
	o.UpdatedAt = now
	tx.Journal(func() {
		o.Status = prevStatus
		o.UpdatedAt = prevUpdated
	})
	e.persistOrder(tx, o)
	return nil
}

func (e *Engine) setLevel(tx *ledger.Tx, symbol string, level int64) {
	prev, had := e.levels[symbol]
	e.levels[symbol] = level
	tx.Journal(func() {
		if had {
			e.levels[symbol] = prev
		} else {
			delete(e.levels, symbol)
		}
	})
	e.persistLevel(tx, symbol)
}

// emit queues an event for delivery once tx commits
func (e *Engine) emit(tx *ledger.Tx, ev events.Event) {
	tx.AfterCommit(func() { e.sink.Publish(ev) })
}

// solvent checks the engine still holds every open escrow and claim reserve
// of asset
func (e *Engine) solvent(tx *ledger.Tx, asset common.Address) error {
	need := e.escrow[asset] + e.claims.Reserved(asset)
	have := tx.BalanceOf(asset, e.cfg.Address)
	if have < need {
		return fmt.Errorf("%w: holds %d of %s, owes %d", ErrEscrowViolation, have, asset.Hex(), need)
	}
	return nil
}

// surplus is the engine's balance of asset beyond what it owes
func (e *Engine) surplus(tx *ledger.Tx, asset common.Address) int64 {
	return tx.BalanceOf(asset, e.cfg.Address) - e.escrow[asset] - e.claims.Reserved(asset)
}
