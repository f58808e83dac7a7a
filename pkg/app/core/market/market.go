package market

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("market not found")
	ErrNoLiquidity    = errors.New("pool has no liquidity")
	ErrMarketInactive = errors.New("market is not active")
	ErrSlippage       = errors.New("output below minimum")
	ErrInvalidMarket  = errors.New("invalid market")
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota // Swaps and placements enabled
	Paused                     // Swaps halted (emergency)
	Settled                    // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market is a constant-product pool over two tokens. The pool's reserves are
// simply the ledger balances held by its Pool address.
type Market struct {
	Symbol      string         // "ETH-USDC"
	Token0      common.Address // "zero side" asset
	Token1      common.Address
	TickSpacing int64 // bucket step for conditional orders
	FeeBps      int64 // swap fee kept in the pool, e.g. 30 = 0.30%
	Pool        common.Address
	Status      MarketStatus
}

// NewMarket creates a market with validation
func NewMarket(symbol string, token0, token1 common.Address, tickSpacing, feeBps int64) (*Market, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidMarket)
	}
	if token0 == token1 {
		return nil, fmt.Errorf("%w: token0 == token1", ErrInvalidMarket)
	}
	if tickSpacing < 1 {
		return nil, fmt.Errorf("%w: tick spacing %d", ErrInvalidMarket, tickSpacing)
	}
	if feeBps < 0 || feeBps >= 10_000 {
		return nil, fmt.Errorf("%w: fee %d bps", ErrInvalidMarket, feeBps)
	}
	return &Market{
		Symbol:      symbol,
		Token0:      token0,
		Token1:      token1,
		TickSpacing: tickSpacing,
		FeeBps:      feeBps,
		Pool:        PoolAddress(symbol),
		Status:      Active,
	}, nil
}

// PoolAddress derives the custody address of a market's pool
func PoolAddress(symbol string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("pool:" + symbol)))
}

var logBase = math.Log(1.0001)

// LevelOf returns the discretized price level of reserves (r0, r1):
// floor(log_1.0001(r1 / r0)). Price is token1 per token0.
func LevelOf(reserve0, reserve1 int64) (int64, error) {
	if reserve0 <= 0 || reserve1 <= 0 {
		return 0, ErrNoLiquidity
	}
	l := (math.Log(float64(reserve1)) - math.Log(float64(reserve0))) / logBase
	return int64(math.Floor(l)), nil
}

// PriceOf returns token1 per token0 for display
func PriceOf(reserve0, reserve1 int64) decimal.Decimal {
	if reserve0 <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(reserve1).DivRound(decimal.NewFromInt(reserve0), 18)
}

// LevelPrice converts a level back to a price, 1.0001^level
func LevelPrice(level int64) decimal.Decimal {
	return decimal.NewFromFloat(math.Pow(1.0001, float64(level))).Round(8)
}
