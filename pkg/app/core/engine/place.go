package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// PlaceRequest describes a new conditional order
type PlaceRequest struct {
	Owner        common.Address
	Market       string
	Type         order.Type
	AmountIn     int64
	TriggerLevel int64

	// PlacementLevel overrides the market's current level as the bucketing
	// level under IndexByPlacement. Ignored under IndexByTrigger.
	PlacementLevel *int64

	// Timestamp (unix seconds) feeds the order id; zero means the engine clock.
	// Block execution passes the block time so ids are deterministic.
	Timestamp int64
}

// Place escrows AmountIn of the order's input asset from Owner (who must have
// approved the engine) and registers an OPEN order.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (common.Hash, error) {
	var id common.Hash
	err := e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var err error
		id, err = e.placeTx(tx, req)
		return err
	})
	if err != nil {
		e.logger.Infow("place_rejected",
			"owner", req.Owner.Hex(),
			"market", req.Market,
			"type", req.Type.String(),
			"amount_in", req.AmountIn,
			"err", err,
		)
		return common.Hash{}, err
	}
	return id, nil
}

func (e *Engine) placeTx(tx *ledger.Tx, req PlaceRequest) (common.Hash, error) {
	if req.AmountIn <= 0 {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrInvalidAmount, req.AmountIn)
	}
	if !req.Type.Valid() {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrInvalidType, req.Type)
	}
	m, err := e.markets.Lookup(req.Market)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownMarket, req.Market)
	}
	ix, err := e.index(m.Symbol)
	if err != nil {
		return common.Hash{}, err
	}

	zeroForOne := req.Type.ZeroForOne()
	input := m.Token0
	if !zeroForOne {
		input = m.Token1
	}

	bucketLevel := req.TriggerLevel
	if e.cfg.IndexMode == IndexByPlacement {
		if req.PlacementLevel != nil {
			bucketLevel = *req.PlacementLevel
		} else if bucketLevel, err = e.markets.CurrentLevel(tx, m.Symbol); err != nil {
			return common.Hash{}, fmt.Errorf("placement level: %w", err)
		}
	}

	// escrow first: nothing below can fail once funds moved
	if err := tx.TransferFrom(input, e.cfg.Address, req.Owner, e.cfg.Address, req.AmountIn); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	e.addEscrow(tx, input, req.AmountIn)

	ts := req.Timestamp
	if ts == 0 {
		ts = e.clock.Now().Unix()
	}

	seq := e.counter
	e.counter++
	tx.Journal(func() { e.counter = seq })

	o := &order.Order{
		ID:           order.NewID(seq, req.Owner, ts),
		Owner:        req.Owner,
		Market:       m.Symbol,
		Type:         req.Type,
		ZeroForOne:   zeroForOne,
		AmountIn:     req.AmountIn,
		TriggerLevel: req.TriggerLevel,
		Status:       order.Open,
		Seq:          seq,
		PlacedAt:     ts,
		UpdatedAt:    ts,
	}
	if _, dup := e.orders[o.ID]; dup {
		return common.Hash{}, fmt.Errorf("order id collision: %s", o.ID.Hex())
	}

	e.orders[o.ID] = o
	tx.Journal(func() { delete(e.orders, o.ID) })

	key := ix.Insert(bucketLevel, zeroForOne, o.ID)
	o.BucketLevel = key.Level
	tx.Journal(func() { ix.Pop(key) })

	prevOwned := e.byOwner[req.Owner]
	e.byOwner[req.Owner] = append(prevOwned, o.ID)
	tx.Journal(func() {
		if len(prevOwned) == 0 {
			delete(e.byOwner, req.Owner)
			return
		}
		e.byOwner[req.Owner] = prevOwned
	})

	e.persistPlacement(tx, o, m.Symbol, key)
	e.emit(tx, events.Event{
		Type:         events.OrderPlaced,
		Market:       m.Symbol,
		OrderID:      o.ID,
		Owner:        o.Owner,
		OrderType:    o.Type.String(),
		AmountIn:     o.AmountIn,
		TriggerLevel: o.TriggerLevel,
		Level:        key.Level,
	})
	tx.AfterCommit(func() {
		e.logger.Infow("order_placed",
			"order_id", o.ID.Hex(),
			"owner", o.Owner.Hex(),
			"market", o.Market,
			"type", o.Type.String(),
			"amount_in", o.AmountIn,
			"trigger_level", o.TriggerLevel,
			"bucket_level", o.BucketLevel,
		)
	})
	return o.ID, nil
}

// Cancel refunds an OPEN order to its owner. Only the owner may cancel.
func (e *Engine) Cancel(ctx context.Context, id common.Hash, caller common.Address) error {
	return e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		return e.cancelTx(tx, id, caller)
	})
}

func (e *Engine) cancelTx(tx *ledger.Tx, id common.Hash, caller common.Address) error {
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if caller != o.Owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	if !o.IsOpen() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id.Hex(), o.Status)
	}
	m, err := e.markets.Lookup(o.Market)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, o.Market)
	}

	if err := e.setStatus(tx, o, order.Canceled, e.clock.Now().Unix()); err != nil {
		return err
	}
	input := o.InputAsset(m.Token0, m.Token1)
	if err := tx.Transfer(input, e.cfg.Address, o.Owner, o.AmountIn); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	e.addEscrow(tx, input, -o.AmountIn)

	e.emit(tx, events.Event{
		Type:      events.OrderCanceled,
		Market:    o.Market,
		OrderID:   o.ID,
		Owner:     o.Owner,
		OrderType: o.Type.String(),
		AmountIn:  o.AmountIn,
	})
	tx.AfterCommit(func() {
		e.logger.Infow("order_canceled", "order_id", o.ID.Hex(), "owner", o.Owner.Hex())
	})
	return nil
}
