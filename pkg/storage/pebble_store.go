package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/claim"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
)

// BucketRecord is the persisted membership of one tick bucket
type BucketRecord struct {
	Market     string        `json:"market"`
	Level      int64         `json:"level"`
	ZeroForOne bool          `json:"zero_for_one"`
	OrderIDs   []common.Hash `json:"order_ids"`
}

type LevelRecord struct {
	Market string `json:"market"`
	Level  int64  `json:"level"`
}

type ClaimBalanceRecord struct {
	TokenID common.Hash    `json:"token_id"`
	Holder  common.Address `json:"holder"`
	Amount  int64          `json:"amount"`
}

type BalanceRecord struct {
	Asset  common.Address `json:"asset"`
	Holder common.Address `json:"holder"`
	Amount int64          `json:"amount"`
}

type AllowanceRecord struct {
	Asset   common.Address `json:"asset"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  int64          `json:"amount"`
}

type NonceRecord struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

// PebbleStore persists ledger and engine state.
// Writes go through Batch, one per ledger transaction.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Batch writes
// ============================================================================

// Batch provides atomic batch writes for one ledger transaction
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *PebbleStore) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) putJSON(key []byte, v any) error {
	data, err := encodeJSON(key, v)
	if err != nil {
		return err
	}
	return b.batch.Set(key, data, nil)
}

func (b *Batch) PutOrder(o *order.Order) error {
	return b.putJSON(orderKey(o.ID), o)
}

// PutOwnerIndex appends an order to its owner's list
func (b *Batch) PutOwnerIndex(owner common.Address, seq uint64, id common.Hash) error {
	return b.batch.Set(ownerKey(owner, seq), id.Bytes(), nil)
}

func (b *Batch) PutBucket(rec BucketRecord) error {
	return b.putJSON(bucketKey(rec.Market, rec.Level, rec.ZeroForOne), rec)
}

func (b *Batch) PutLevel(market string, level int64) error {
	return b.putJSON(levelKey(market), LevelRecord{Market: market, Level: level})
}

func (b *Batch) PutCounter(n uint64) error {
	return b.putJSON([]byte(keyCounter), n)
}

func (b *Batch) PutClaimPool(p claim.Pool) error {
	return b.putJSON(claimPoolKey(p.ID), p)
}

// PutClaimBalance writes a holder's claim balance; zero deletes the entry
func (b *Batch) PutClaimBalance(id common.Hash, holder common.Address, amount int64) error {
	key := claimBalanceKey(id, holder)
	if amount == 0 {
		return b.batch.Delete(key, nil)
	}
	return b.putJSON(key, ClaimBalanceRecord{TokenID: id, Holder: holder, Amount: amount})
}

// PutBalance writes a token balance; zero deletes the entry
func (b *Batch) PutBalance(asset, holder common.Address, amount int64) error {
	key := balanceKey(asset, holder)
	if amount == 0 {
		return b.batch.Delete(key, nil)
	}
	return b.putJSON(key, BalanceRecord{Asset: asset, Holder: holder, Amount: amount})
}

func (b *Batch) PutAllowance(asset, owner, spender common.Address, amount int64) error {
	key := allowanceKey(asset, owner, spender)
	if amount == 0 {
		return b.batch.Delete(key, nil)
	}
	return b.putJSON(key, AllowanceRecord{Asset: asset, Owner: owner, Spender: spender, Amount: amount})
}

func (b *Batch) PutNonce(addr common.Address, nonce uint64) error {
	return b.putJSON(nonceKey(addr), NonceRecord{Address: addr, Nonce: nonce})
}

// Empty reports whether nothing was written to the batch
func (b *Batch) Empty() bool {
	return b.batch.Empty()
}

// Commit writes the batch to Pebble atomically
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close releases the batch without committing
func (b *Batch) Close() error {
	return b.batch.Close()
}

// ============================================================================
// Loaders
// ============================================================================

// scan iterates all values under prefix in key order
func (s *PebbleStore) scan(prefix string, fn func(key, value []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func scanJSON[T any](s *PebbleStore, prefix string, fn func(T)) error {
	return s.scan(prefix, func(key, value []byte) error {
		var v T
		if err := decodeJSON(key, value, &v); err != nil {
			return err
		}
		fn(v)
		return nil
	})
}

// LoadOrder loads an order; returns nil if it doesn't exist
func (s *PebbleStore) LoadOrder(id common.Hash) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := decodeJSON(orderKey(id), data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PebbleStore) LoadOrders() ([]*order.Order, error) {
	var out []*order.Order
	err := scanJSON(s, prefixOrder, func(o order.Order) {
		out = append(out, &o)
	})
	return out, err
}

// LoadOrderIDs returns an owner's order ids in placement order
func (s *PebbleStore) LoadOrderIDs(owner common.Address) ([]common.Hash, error) {
	var out []common.Hash
	err := s.scan(string(ownerPrefix(owner)), func(_, value []byte) error {
		out = append(out, common.BytesToHash(value))
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadBuckets() ([]BucketRecord, error) {
	var out []BucketRecord
	err := scanJSON(s, prefixBucket, func(r BucketRecord) { out = append(out, r) })
	return out, err
}

func (s *PebbleStore) LoadLevels() ([]LevelRecord, error) {
	var out []LevelRecord
	err := scanJSON(s, prefixLevel, func(r LevelRecord) { out = append(out, r) })
	return out, err
}

func (s *PebbleStore) LoadCounter() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keyCounter))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	var n uint64
	if err := decodeJSON([]byte(keyCounter), data, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PebbleStore) LoadClaimPools() ([]claim.Pool, error) {
	var out []claim.Pool
	err := scanJSON(s, prefixClaimPool, func(p claim.Pool) { out = append(out, p) })
	return out, err
}

func (s *PebbleStore) LoadClaimBalances() ([]ClaimBalanceRecord, error) {
	var out []ClaimBalanceRecord
	err := scanJSON(s, prefixClaimBalance, func(r ClaimBalanceRecord) { out = append(out, r) })
	return out, err
}

func (s *PebbleStore) LoadBalances() ([]BalanceRecord, error) {
	var out []BalanceRecord
	err := scanJSON(s, prefixBalance, func(r BalanceRecord) { out = append(out, r) })
	return out, err
}

func (s *PebbleStore) LoadAllowances() ([]AllowanceRecord, error) {
	var out []AllowanceRecord
	err := scanJSON(s, prefixAllowance, func(r AllowanceRecord) { out = append(out, r) })
	return out, err
}

func (s *PebbleStore) LoadNonces() ([]NonceRecord, error) {
	var out []NonceRecord
	err := scanJSON(s, prefixNonce, func(r NonceRecord) { out = append(out, r) })
	return out, err
}
