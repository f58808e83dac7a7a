package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// Payload is the settle payload understood by Router
type Payload struct {
	MinOut int64 `json:"minOut"`
}

// Router settles triggered orders by swapping the released input through the
// market's own pool and sending the output straight to the engine.
type Router struct {
	addr   common.Address
	pools  *market.Pools
	logger *zap.SugaredLogger
}

var _ engine.Settler = (*Router)(nil)

func NewRouter(addr common.Address, pools *market.Pools, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{addr: addr, pools: pools, logger: logger}
}

func (r *Router) Address() common.Address { return r.addr }

// OnSettle swaps cb.AmountIn of cb.Input for cb.Output. A swap below the
// payload's minOut fails the callback and with it the whole settlement.
func (r *Router) OnSettle(ctx context.Context, tx *ledger.Tx, cb engine.Callback) error {
	var p Payload
	if len(cb.Payload) > 0 {
		if err := json.Unmarshal(cb.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	m, err := r.pools.Registry().Lookup(cb.Market)
	if err != nil {
		return err
	}
	var zeroForOne bool
	switch {
	case cb.Input == m.Token0 && cb.Output == m.Token1:
		zeroForOne = true
	case cb.Input == m.Token1 && cb.Output == m.Token0:
	default:
		return fmt.Errorf("%w: %s does not trade %s for %s", market.ErrInvalidMarket, m.Symbol, cb.Input.Hex(), cb.Output.Hex())
	}

	res, err := r.pools.SwapTx(ctx, tx, market.SwapRequest{
		Market:     m.Symbol,
		Trader:     r.addr,
		Recipient:  cb.Recipient,
		ZeroForOne: zeroForOne,
		AmountIn:   cb.AmountIn,
		MinOut:     p.MinOut,
	})
	if err != nil {
		return fmt.Errorf("route %d through %s: %w", cb.AmountIn, m.Symbol, err)
	}
	r.logger.Debugw("settle_routed",
		"market", m.Symbol,
		"orders", len(cb.OrderIDs),
		"amount_in", cb.AmountIn,
		"amount_out", res.AmountOut,
		"new_level", res.NewLevel,
	)
	return nil
}
