package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/tick"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/storage"
)

// Persistence hooks run at commit and write the final in-memory value, so
// registering the same entity twice in one transaction is harmless.

func (e *Engine) persistOrder(tx *ledger.Tx, o *order.Order) {
	tx.OnCommit(func(b *storage.Batch) error {
		return b.PutOrder(o)
	})
}

func (e *Engine) persistPlacement(tx *ledger.Tx, o *order.Order, market string, key tick.Key) {
	e.persistOrder(tx, o)
	tx.OnCommit(func(b *storage.Batch) error {
		if err := b.PutOwnerIndex(o.Owner, o.Seq, o.ID); err != nil {
			return err
		}
		if err := b.PutCounter(e.counter); err != nil {
			return err
		}
		return b.PutBucket(storage.BucketRecord{
			Market:     market,
			Level:      key.Level,
			ZeroForOne: key.ZeroForOne,
			OrderIDs:   e.indexes[market].Bucket(key),
		})
	})
}

func (e *Engine) persistLevel(tx *ledger.Tx, market string) {
	tx.OnCommit(func(b *storage.Batch) error {
		return b.PutLevel(market, e.levels[market])
	})
}

func (e *Engine) persistClaim(tx *ledger.Tx, id common.Hash, holders ...common.Address) {
	tx.OnCommit(func(b *storage.Batch) error {
		p, ok := e.claims.Pool(id)
		if !ok {
			return nil
		}
		if err := b.PutClaimPool(p); err != nil {
			return err
		}
		for _, h := range holders {
			if err := b.PutClaimBalance(id, h, e.claims.BalanceOf(id, h)); err != nil {
				return err
			}
		}
		return nil
	})
}
