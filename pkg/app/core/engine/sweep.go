package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// Discovery is one sweep-visited bucket with open members
type Discovery struct {
	Market   string
	Level    int64
	OrderIDs []common.Hash
}

type SweepRequest struct {
	Market          string
	PrevLevel       int64
	NewLevel        int64
	TradeZeroForOne bool // direction of the trade that moved the price
}

// Sweep runs the discovery walk as its own transaction. The market
// collaborator normally drives this through AfterSwap instead.
func (e *Engine) Sweep(ctx context.Context, req SweepRequest) ([]Discovery, error) {
	var out []Discovery
	err := e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var err error
		out, err = e.sweepTx(tx, req)
		return err
	})
	return out, err
}

// AfterSwap implements market.Hook: called once per price-changing swap,
// inside the swap's transaction, after the new price is final.
func (e *Engine) AfterSwap(_ context.Context, tx *ledger.Tx, symbol string, prevLevel, newLevel int64, zeroForOne bool) error {
	_, err := e.sweepTx(tx, SweepRequest{
		Market:          symbol,
		PrevLevel:       prevLevel,
		NewLevel:        newLevel,
		TradeZeroForOne: zeroForOne,
	})
	return err
}

// sweepTx walks buckets of the opposite direction from PrevLevel toward
// NewLevel and surfaces their open members. It never moves funds or changes
// order status. lastObservedLevel is set to NewLevel unconditionally.
func (e *Engine) sweepTx(tx *ledger.Tx, req SweepRequest) ([]Discovery, error) {
	ix, err := e.index(req.Market)
	if err != nil {
		return nil, err
	}
	orderDir := !req.TradeZeroForOne

	var found []Discovery
	if req.PrevLevel != req.NewLevel {
		ix.Walk(req.PrevLevel, req.NewLevel, orderDir, func(level int64, ids []common.Hash) bool {
			open := e.openOf(ids)
			if len(open) == 0 {
				return true
			}
			found = append(found, Discovery{Market: req.Market, Level: level, OrderIDs: open})
			return true
		})
	}

	for _, d := range found {
		e.emit(tx, events.Event{
			Type:     events.OrdersDiscovered,
			Market:   d.Market,
			Level:    d.Level,
			OrderIDs: d.OrderIDs,
		})
	}
	e.setLevel(tx, req.Market, req.NewLevel)

	if len(found) > 0 {
		tx.AfterCommit(func() {
			e.logger.Infow("sweep",
				"market", req.Market,
				"prev_level", req.PrevLevel,
				"new_level", req.NewLevel,
				"order_direction", orderDir,
				"buckets", len(found),
			)
		})
	}
	return found, nil
}
