package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// BlockRecord is the header of an applied block
type BlockRecord struct {
	Height    uint64
	Time      int64 // unix seconds
	TxCount   int
	Failed    int
	StateHash [32]byte
}

// BlockStore keeps applied block headers
type BlockStore interface {
	SaveBlock(b BlockRecord) error
	GetBlock(height uint64) (BlockRecord, bool)
	Head() (BlockRecord, bool)
}

type InMemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[uint64]BlockRecord
	head   *uint64
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks: make(map[uint64]BlockRecord),
	}
}

func (s *InMemoryBlockStore) SaveBlock(b BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Height] = b
	h := b.Height
	s.head = &h
	return nil
}

func (s *InMemoryBlockStore) GetBlock(height uint64) (BlockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	return b, ok
}

func (s *InMemoryBlockStore) Head() (BlockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return BlockRecord{}, false
	}
	return s.blocks[*s.head], true
}

// keys: blk:<8-byte-height>, head
func kBlock(h uint64) []byte { return append([]byte(prefixBlock), heightKey(h)...) }

func (s *PebbleStore) SaveBlock(b BlockRecord) error {
	val, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kBlock(b.Height), val, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyHead), heightKey(b.Height), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetBlock(height uint64) (BlockRecord, bool) {
	val, closer, err := s.db.Get(kBlock(height))
	if err != nil {
		return BlockRecord{}, false
	}
	defer closer.Close()
	var out BlockRecord
	if err := decodeGob(val, &out); err != nil {
		return BlockRecord{}, false
	}
	return out, true
}

func (s *PebbleStore) Head() (BlockRecord, bool) {
	val, closer, err := s.db.Get([]byte(keyHead))
	if err != nil {
		return BlockRecord{}, false
	}
	h := binary.BigEndian.Uint64(val)
	closer.Close()
	return s.GetBlock(h)
}

var _ BlockStore = (*InMemoryBlockStore)(nil)
var _ BlockStore = (*PebbleStore)(nil)
