package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// Hook is notified exactly once per price-changing swap, after the new price
// is final, inside the swap's ledger transaction.
type Hook interface {
	AfterSwap(ctx context.Context, tx *ledger.Tx, market string, prevLevel, newLevel int64, zeroForOne bool) error
}

// SwapRequest trades AmountIn of one side for the other.
// ZeroForOne: pay token0, receive token1.
type SwapRequest struct {
	Market     string
	Trader     common.Address // pays the input
	Recipient  common.Address // receives the output; zero means Trader
	ZeroForOne bool
	AmountIn   int64
	MinOut     int64
}

type SwapResult struct {
	AmountOut int64
	PrevLevel int64
	NewLevel  int64
}

// Pools executes swaps against registered markets
type Pools struct {
	registry *Registry
	ledger   *ledger.Ledger
	hook     Hook
	logger   *zap.SugaredLogger
}

func NewPools(registry *Registry, l *ledger.Ledger, logger *zap.SugaredLogger) *Pools {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pools{registry: registry, ledger: l, logger: logger}
}

// SetHook installs the price-change listener (the conditional-order engine)
func (p *Pools) SetHook(h Hook) {
	p.hook = h
}

// Registry returns the market registry the pools trade against
func (p *Pools) Registry() *Registry {
	return p.registry
}

// Swap executes one swap as its own atomic ledger transaction
func (p *Pools) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	var res SwapResult
	err := p.ledger.Atomic(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var err error
		res, err = p.SwapTx(ctx, tx, req)
		return err
	})
	return res, err
}

// Quote returns the output a swap would produce at current reserves
func (p *Pools) Quote(tx *ledger.Tx, symbol string, zeroForOne bool, amountIn int64) (int64, error) {
	m, err := p.registry.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	r0, r1 := tx.BalanceOf(m.Token0, m.Pool), tx.BalanceOf(m.Token1, m.Pool)
	if zeroForOne {
		return amountOut(amountIn, r0, r1, m.FeeBps)
	}
	return amountOut(amountIn, r1, r0, m.FeeBps)
}

// SwapTx executes a swap inside an existing transaction
func (p *Pools) SwapTx(ctx context.Context, tx *ledger.Tx, req SwapRequest) (SwapResult, error) {
	m, err := p.registry.Lookup(req.Market)
	if err != nil {
		return SwapResult{}, err
	}
	if m.Status != Active {
		return SwapResult{}, fmt.Errorf("%w: %s is %s", ErrMarketInactive, m.Symbol, m.Status)
	}
	if req.AmountIn <= 0 {
		return SwapResult{}, fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, req.AmountIn)
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Trader
	}

	prev, err := p.registry.CurrentLevel(tx, m.Symbol)
	if err != nil {
		return SwapResult{}, err
	}
	out, err := p.Quote(tx, m.Symbol, req.ZeroForOne, req.AmountIn)
	if err != nil {
		return SwapResult{}, err
	}
	if out < req.MinOut {
		return SwapResult{}, fmt.Errorf("%w: got %d, want >= %d", ErrSlippage, out, req.MinOut)
	}
	if out <= 0 {
		return SwapResult{}, fmt.Errorf("%w: zero output for %d", ErrNoLiquidity, req.AmountIn)
	}

	in, outAsset := m.Token0, m.Token1
	if !req.ZeroForOne {
		in, outAsset = m.Token1, m.Token0
	}
	if err := tx.Transfer(in, req.Trader, m.Pool, req.AmountIn); err != nil {
		return SwapResult{}, err
	}
	if err := tx.Transfer(outAsset, m.Pool, recipient, out); err != nil {
		return SwapResult{}, err
	}

	next, err := p.registry.CurrentLevel(tx, m.Symbol)
	if err != nil {
		return SwapResult{}, err
	}
	if next != prev && p.hook != nil {
		if err := p.hook.AfterSwap(ctx, tx, m.Symbol, prev, next, req.ZeroForOne); err != nil {
			return SwapResult{}, fmt.Errorf("after swap: %w", err)
		}
	}

	p.logger.Debugw("swap",
		"market", m.Symbol,
		"trader", req.Trader.Hex(),
		"zero_for_one", req.ZeroForOne,
		"amount_in", req.AmountIn,
		"amount_out", out,
		"prev_level", prev,
		"new_level", next,
	)
	return SwapResult{AmountOut: out, PrevLevel: prev, NewLevel: next}, nil
}

// amountOut applies the constant-product formula with the fee taken on input:
// out = reserveOut * in' / (reserveIn + in'), in' = in * (10000 - fee) / 10000
func amountOut(amountIn, reserveIn, reserveOut, feeBps int64) (int64, error) {
	if reserveIn <= 0 || reserveOut <= 0 {
		return 0, ErrNoLiquidity
	}
	if amountIn <= 0 {
		return 0, nil
	}
	inFee := new(big.Int).Mul(big.NewInt(amountIn), big.NewInt(10_000-feeBps))
	num := new(big.Int).Mul(inFee, big.NewInt(reserveOut))
	den := new(big.Int).Mul(big.NewInt(reserveIn), big.NewInt(10_000))
	den.Add(den, inFee)
	return num.Quo(num, den).Int64(), nil
}
