package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

// Registry manages multiple markets in a thread-safe manner
// Supports registration, lookup, status updates and level reads
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same symbol already exists
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	r.markets[m.Symbol] = m
	return nil
}

// Lookup retrieves a market by symbol
func (r *Registry) Lookup(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	return m, nil
}

// List returns all registered markets ordered by symbol
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// UpdateStatus changes the trading status of a market
// Used for emergency pausing
func (r *Registry) UpdateStatus(symbol string, status MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	// Settled is terminal; every other transition is allowed
	if m.Status == Settled {
		return fmt.Errorf("cannot change status of %s from Settled (terminal state)", symbol)
	}

	m.Status = status
	return nil
}

// Count returns the total number of registered markets
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Reserves returns the pool's balances of token0 and token1
func (r *Registry) Reserves(tx *ledger.Tx, symbol string) (int64, int64, error) {
	m, err := r.Lookup(symbol)
	if err != nil {
		return 0, 0, err
	}
	return tx.BalanceOf(m.Token0, m.Pool), tx.BalanceOf(m.Token1, m.Pool), nil
}

// CurrentLevel reads the market's live discretized price level
func (r *Registry) CurrentLevel(tx *ledger.Tx, symbol string) (int64, error) {
	r0, r1, err := r.Reserves(tx, symbol)
	if err != nil {
		return 0, err
	}
	return LevelOf(r0, r1)
}

// Price returns token1 per token0 at current reserves
func (r *Registry) Price(tx *ledger.Tx, symbol string) (decimal.Decimal, error) {
	r0, r1, err := r.Reserves(tx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return PriceOf(r0, r1), nil
}

// Seed mints initial reserves into a market's pool (genesis)
func (r *Registry) Seed(tx *ledger.Tx, symbol string, reserve0, reserve1 int64) error {
	m, err := r.Lookup(symbol)
	if err != nil {
		return err
	}
	if err := tx.Mint(m.Token0, m.Pool, reserve0); err != nil {
		return fmt.Errorf("seed %s token0: %w", symbol, err)
	}
	if err := tx.Mint(m.Token1, m.Pool, reserve1); err != nil {
		return fmt.Errorf("seed %s token1: %w", symbol, err)
	}
	return nil
}
