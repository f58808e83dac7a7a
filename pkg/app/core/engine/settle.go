package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// SettleRequest asks Settler to execute one order
type SettleRequest struct {
	OrderID common.Hash
	Caller  common.Address // submitter, for logs
	Settler Settler
	Payload []byte
}

// SettleResult reports the outcome of a single-order settlement
type SettleResult struct {
	OrderID   common.Hash
	Executed  bool  // false: trigger not met at Level, nothing changed
	Level     int64 // market level the trigger was evaluated at
	AmountOut int64 // output forwarded to the owner
}

// Settle executes one triggered order through an untrusted settler.
//
//  1. unknown id: ErrNotFound; not OPEN: ErrInvalidState
//  2. trigger re-evaluated at the live level; unmet returns Executed=false, nil
//  3. AmountIn of the input moves from escrow to the settler
//  4. the settler callback runs; any failure reverts everything (ErrCallbackFailed)
//  5. the engine must still cover every other escrow (ErrEscrowViolation)
//  6. the order becomes EXECUTED and the output surplus goes to the owner
//
// Only the surplus beyond other orders' escrow and claim reserves is
// forwarded, so one settlement can never pay out funds owed elsewhere.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	var res SettleResult
	err := e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var err error
		res, err = e.settleTx(ctx, tx, req)
		return err
	})
	if err != nil {
		e.logger.Infow("settle_rejected",
			"order_id", req.OrderID.Hex(),
			"caller", req.Caller.Hex(),
			"code", Code(err),
			"err", err,
		)
		return SettleResult{OrderID: req.OrderID}, err
	}
	return res, nil
}

func (e *Engine) settleTx(ctx context.Context, tx *ledger.Tx, req SettleRequest) (SettleResult, error) {
	res := SettleResult{OrderID: req.OrderID}

	o, ok := e.orders[req.OrderID]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNotFound, req.OrderID.Hex())
	}
	if !o.IsOpen() {
		return res, fmt.Errorf("%w: %s is %s", ErrInvalidState, o.ID.Hex(), o.Status)
	}
	if req.Settler == nil {
		return res, ErrNoSettler
	}
	m, err := e.markets.Lookup(o.Market)
	if err != nil {
		return res, fmt.Errorf("%w: %s", ErrUnknownMarket, o.Market)
	}

	current, err := e.markets.CurrentLevel(tx, m.Symbol)
	if err != nil {
		return res, fmt.Errorf("current level: %w", err)
	}
	res.Level = current
	if !o.ShouldExecute(current) {
		return res, nil
	}

	input, output := o.InputAsset(m.Token0, m.Token1), o.OutputAsset(m.Token0, m.Token1)
	out, err := e.execute(ctx, tx, m, req.Settler, Callback{
		Market:    m.Symbol,
		OrderIDs:  []common.Hash{o.ID},
		Input:     input,
		Output:    output,
		AmountIn:  o.AmountIn,
		Recipient: e.cfg.Address,
		Payload:   req.Payload,
	})
	if err != nil {
		return res, err
	}

	if err := e.setStatus(tx, o, order.Executed, e.clock.Now().Unix()); err != nil {
		return res, err
	}
	e.emit(tx, events.Event{
		Type:         events.OrderExecuted,
		Market:       o.Market,
		OrderID:      o.ID,
		Owner:        o.Owner,
		OrderType:    o.Type.String(),
		AmountIn:     o.AmountIn,
		TriggerLevel: o.TriggerLevel,
		Level:        current,
		Amount:       out,
	})

	if out > 0 {
		if err := tx.Transfer(output, e.cfg.Address, o.Owner, out); err != nil {
			return res, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}

	res.Executed = true
	res.AmountOut = out
	tx.AfterCommit(func() {
		e.logger.Infow("order_executed",
			"order_id", o.ID.Hex(),
			"owner", o.Owner.Hex(),
			"settler", req.Settler.Address().Hex(),
			"level", current,
			"amount_in", o.AmountIn,
			"amount_out", out,
		)
	})
	return res, nil
}

// execute hands amountIn to the settler, runs its callback and checks the
// engine is still solvent. Returns the output surplus the callback delivered.
func (e *Engine) execute(ctx context.Context, tx *ledger.Tx, m *market.Market, s Settler, cb Callback) (int64, error) {
	before := e.surplus(tx, cb.Output)

	if err := tx.Transfer(cb.Input, e.cfg.Address, s.Address(), cb.AmountIn); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	e.addEscrow(tx, cb.Input, -cb.AmountIn)

	if err := e.callSettler(ctx, tx, s, cb); err != nil {
		return 0, err
	}

	for _, asset := range []common.Address{m.Token0, m.Token1} {
		if err := e.solvent(tx, asset); err != nil {
			return 0, err
		}
	}

	out := e.surplus(tx, cb.Output) - before
	if out < 0 {
		out = 0
	}
	return out, nil
}

func (e *Engine) callSettler(ctx context.Context, tx *ledger.Tx, s Settler, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCallbackFailed, r)
		}
	}()
	if err := s.OnSettle(ctx, tx, cb); err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}
	return nil
}

// ============================================================================
// Aggregated settlement and claim redemption
// ============================================================================

// BucketSettleRequest asks Settler to execute every open triggered order of
// one bucket in a single callback
type BucketSettleRequest struct {
	Market     string
	Level      int64 // any level inside the bucket
	ZeroForOne bool
	Caller     common.Address
	Settler    Settler
	Payload    []byte
}

type BucketSettleResult struct {
	TokenID   common.Hash
	Level     int64 // market level triggers were evaluated at
	Executed  []common.Hash
	AmountIn  int64
	AmountOut int64 // added to the pool's claimable
}

// SettleBucket executes every open, triggered order of one bucket through a
// single callback. Owners receive claim tokens equal to their AmountIn and
// the delivered output becomes claimable pro rata.
func (e *Engine) SettleBucket(ctx context.Context, req BucketSettleRequest) (BucketSettleResult, error) {
	var res BucketSettleResult
	err := e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var err error
		res, err = e.settleBucketTx(ctx, tx, req)
		return err
	})
	if err != nil {
		e.logger.Infow("settle_bucket_rejected",
			"market", req.Market,
			"level", req.Level,
			"zero_for_one", req.ZeroForOne,
			"code", Code(err),
			"err", err,
		)
		return BucketSettleResult{}, err
	}
	return res, nil
}

func (e *Engine) settleBucketTx(ctx context.Context, tx *ledger.Tx, req BucketSettleRequest) (BucketSettleResult, error) {
	var res BucketSettleResult
	if req.Settler == nil {
		return res, ErrNoSettler
	}
	m, err := e.markets.Lookup(req.Market)
	if err != nil {
		return res, fmt.Errorf("%w: %s", ErrUnknownMarket, req.Market)
	}
	ix, err := e.index(m.Symbol)
	if err != nil {
		return res, err
	}
	current, err := e.markets.CurrentLevel(tx, m.Symbol)
	if err != nil {
		return res, fmt.Errorf("current level: %w", err)
	}
	res.Level = current

	key := ix.BucketOf(req.Level, req.ZeroForOne)
	var batch []*order.Order
	var total int64
	for _, id := range ix.Bucket(key) {
		o := e.orders[id]
		if o == nil || !o.IsOpen() || !o.ShouldExecute(current) {
			continue
		}
		batch = append(batch, o)
		total += o.AmountIn
	}
	if len(batch) == 0 {
		return res, fmt.Errorf("%w: %s level %d", ErrNothingToSettle, m.Symbol, key.Level)
	}

	input, output := m.Token0, m.Token1
	if !req.ZeroForOne {
		input, output = m.Token1, m.Token0
	}
	ids := make([]common.Hash, len(batch))
	for i, o := range batch {
		ids[i] = o.ID
	}

	out, err := e.execute(ctx, tx, m, req.Settler, Callback{
		Market:    m.Symbol,
		OrderIDs:  ids,
		Input:     input,
		Output:    output,
		AmountIn:  total,
		Recipient: e.cfg.Address,
		Payload:   req.Payload,
	})
	if err != nil {
		return res, err
	}

	tokenID := e.claims.Ensure(tx, m.Symbol, key.Level, key.ZeroForOne, output)
	now := e.clock.Now().Unix()
	holders := make([]common.Address, 0, len(batch))
	for _, o := range batch {
		if err := e.setStatus(tx, o, order.Executed, now); err != nil {
			return res, err
		}
		if err := e.claims.Mint(tx, tokenID, o.Owner, o.AmountIn); err != nil {
			return res, err
		}
		holders = append(holders, o.Owner)
		e.emit(tx, events.Event{
			Type:         events.OrderExecuted,
			Market:       o.Market,
			OrderID:      o.ID,
			Owner:        o.Owner,
			OrderType:    o.Type.String(),
			AmountIn:     o.AmountIn,
			TriggerLevel: o.TriggerLevel,
			Level:        current,
			TokenID:      tokenID,
		})
	}
	if err := e.claims.AddClaimable(tx, tokenID, out); err != nil {
		return res, err
	}
	e.persistClaim(tx, tokenID, holders...)

	res.TokenID = tokenID
	res.Executed = ids
	res.AmountIn = total
	res.AmountOut = out
	tx.AfterCommit(func() {
		e.logger.Infow("bucket_executed",
			"market", m.Symbol,
			"bucket_level", key.Level,
			"orders", len(ids),
			"amount_in", total,
			"amount_out", out,
			"token_id", tokenID.Hex(),
		)
	})
	return res, nil
}

type RedeemRequest struct {
	TokenID     common.Hash
	Amount      int64
	Destination common.Address // zero means Caller
	Caller      common.Address
}

// Redeem burns Amount of the caller's claim and pays the pro-rata share of
// the pool's claimable output, floor(amount * claimable / totalSupply).
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (int64, error) {
	var out int64
	err := e.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		p, ok := e.claims.Pool(req.TokenID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNothingClaimable, req.TokenID.Hex())
		}
		amt, err := e.claims.Redeem(tx, req.TokenID, req.Caller, req.Amount)
		if err != nil {
			return err
		}
		dest := req.Destination
		if dest == (common.Address{}) {
			dest = req.Caller
		}
		if amt > 0 {
			if err := tx.Transfer(p.Output, e.cfg.Address, dest, amt); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		}
		e.persistClaim(tx, req.TokenID, req.Caller)
		e.emit(tx, events.Event{
			Type:     events.ClaimRedeemed,
			Market:   p.Market,
			TokenID:  req.TokenID,
			Owner:    req.Caller,
			Level:    p.Level,
			Amount:   req.Amount,
			AmountIn: amt,
		})
		out = amt
		return nil
	})
	if err != nil {
		return 0, err
	}
	return out, nil
}
