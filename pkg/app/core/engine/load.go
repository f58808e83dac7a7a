package engine

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/tick"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/storage"
)

// Load rebuilds the registry, tick index, levels, counter and claim pools
// from the store. Escrow totals are recomputed from open orders. Markets must
// be registered first.
func (e *Engine) Load(store *storage.PebbleStore) error {
	return e.ledger.View(func(*ledger.Tx) error {
		orders, err := store.LoadOrders()
		if err != nil {
			return fmt.Errorf("load orders: %w", err)
		}
		owners := make(map[common.Address]struct{})
		for _, o := range orders {
			e.orders[o.ID] = o
			owners[o.Owner] = struct{}{}
			if !o.IsOpen() {
				continue
			}
			m, err := e.markets.Lookup(o.Market)
			if err != nil {
				return fmt.Errorf("%w: order %s references %s", ErrUnknownMarket, o.ID.Hex(), o.Market)
			}
			e.escrow[o.InputAsset(m.Token0, m.Token1)] += o.AmountIn
		}

		for owner := range owners {
			ids, err := store.LoadOrderIDs(owner)
			if err != nil {
				return fmt.Errorf("load owner index: %w", err)
			}
			e.byOwner[owner] = ids
		}

		buckets, err := store.LoadBuckets()
		if err != nil {
			return fmt.Errorf("load buckets: %w", err)
		}
		for _, b := range buckets {
			ix, err := e.index(b.Market)
			if err != nil {
				return err
			}
			ix.Restore(tick.Key{Level: b.Level, ZeroForOne: b.ZeroForOne}, b.OrderIDs)
		}

		levels, err := store.LoadLevels()
		if err != nil {
			return fmt.Errorf("load levels: %w", err)
		}
		for _, l := range levels {
			e.levels[l.Market] = l.Level
		}

		if e.counter, err = store.LoadCounter(); err != nil {
			return fmt.Errorf("load counter: %w", err)
		}

		pools, err := store.LoadClaimPools()
		if err != nil {
			return fmt.Errorf("load claim pools: %w", err)
		}
		for _, p := range pools {
			e.claims.Restore(p, nil)
		}
		balances, err := store.LoadClaimBalances()
		if err != nil {
			return fmt.Errorf("load claim balances: %w", err)
		}
		for _, b := range balances {
			e.claims.RestoreBalance(b.TokenID, b.Holder, b.Amount)
		}

		e.logger.Infow("engine_loaded",
			"orders", len(orders),
			"buckets", len(buckets),
			"markets", len(levels),
			"claim_pools", len(pools),
			"counter", e.counter,
		)
		return nil
	})
}

// Digest feeds a canonical encoding of engine state to w: last levels,
// order statuses in placement order, escrow and claim pools.
// Callers must hold the ledger (call inside Ledger.View or Atomic).
func (e *Engine) Digest(write func(format string, args ...any)) {
	symbols := make([]string, 0, len(e.levels))
	for s := range e.levels {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		write("lvl:%s:%d\n", s, e.levels[s])
	}

	all := make([]*order.Order, 0, len(e.orders))
	for _, o := range e.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	for _, o := range all {
		write("ord:%s:%d:%d:%d\n", o.ID.Hex(), o.Status, o.AmountIn, o.BucketLevel)
	}

	assets := make([]common.Address, 0, len(e.escrow))
	for a := range e.escrow {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Cmp(assets[j]) < 0 })
	for _, a := range assets {
		write("esc:%s:%d\n", a.Hex(), e.escrow[a])
	}

	for _, p := range e.claims.Pools() {
		write("clm:%s:%d:%d\n", p.ID.Hex(), p.Claimable, p.TotalSupply)
	}
}
