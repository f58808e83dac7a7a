package tick

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"
)

// Floor discretizes a level to the grid of the given step, rounding toward
// negative infinity: Floor(-5, 10) == -10, Floor(15, 10) == 10.
func Floor(level, step int64) int64 {
	if step <= 1 {
		return level
	}
	q := level / step
	if level%step != 0 && level < 0 {
		q--
	}
	return q * step
}

// Key identifies a bucket
type Key struct {
	Level      int64 // discretized
	ZeroForOne bool
}

// levelBuckets holds both directions resting at one discretized level.
// Each slice keeps insertion order.
type levelBuckets struct {
	zeroForOne []common.Hash
	oneForZero []common.Hash
}

func (lb *levelBuckets) side(zeroForOne bool) *[]common.Hash {
	if zeroForOne {
		return &lb.zeroForOne
	}
	return &lb.oneForZero
}

// Index maps (level, direction) to the ordered order ids resting there.
// Levels are kept in a B-tree so a sweep only touches populated levels.
// Buckets are never removed; callers filter members by order status.
//
// Not thread-safe: the ledger lock serializes all access.
type Index struct {
	step   int64
	levels *btree.Map[int64, *levelBuckets]
}

// NewIndex creates an empty index with the given step (tick spacing)
func NewIndex(step int64) *Index {
	if step < 1 {
		step = 1
	}
	return &Index{
		step:   step,
		levels: btree.NewMap[int64, *levelBuckets](32),
	}
}

// Step returns the discretization step
func (ix *Index) Step() int64 {
	return ix.step
}

// BucketOf returns the bucket key a raw level/direction falls into
func (ix *Index) BucketOf(level int64, zeroForOne bool) Key {
	return Key{Level: Floor(level, ix.step), ZeroForOne: zeroForOne}
}

// Insert appends id to the bucket for the (discretized) level and returns the key used
func (ix *Index) Insert(level int64, zeroForOne bool, id common.Hash) Key {
	key := ix.BucketOf(level, zeroForOne)
	lb, ok := ix.levels.Get(key.Level)
	if !ok {
		lb = &levelBuckets{}
		ix.levels.Set(key.Level, lb)
	}
	s := lb.side(zeroForOne)
	*s = append(*s, id)
	return key
}

// Pop removes the most recent insert from a bucket.
// Used to undo Insert when a ledger transaction reverts.
func (ix *Index) Pop(key Key) {
	lb, ok := ix.levels.Get(key.Level)
	if !ok {
		return
	}
	s := lb.side(key.ZeroForOne)
	if n := len(*s); n > 0 {
		*s = (*s)[:n-1]
	}
	if len(lb.zeroForOne) == 0 && len(lb.oneForZero) == 0 {
		ix.levels.Delete(key.Level)
	}
}

// Bucket returns a copy of the ids resting at key
func (ix *Index) Bucket(key Key) []common.Hash {
	lb, ok := ix.levels.Get(Floor(key.Level, ix.step))
	if !ok {
		return nil
	}
	s := *lb.side(key.ZeroForOne)
	if len(s) == 0 {
		return nil
	}
	out := make([]common.Hash, len(s))
	copy(out, s)
	return out
}

// Walk visits populated buckets of one direction between two raw levels.
// The walk starts at Floor(from) (inclusive) and moves toward Floor(to)
// (exclusive), ascending when from < to and descending otherwise.
// Equal floors visit nothing. fn returning false stops the walk.
func (ix *Index) Walk(from, to int64, zeroForOne bool, fn func(level int64, ids []common.Hash) bool) {
	start := Floor(from, ix.step)
	end := Floor(to, ix.step)
	if start == end {
		return
	}

	visit := func(level int64, lb *levelBuckets) bool {
		s := *lb.side(zeroForOne)
		if len(s) == 0 {
			return true
		}
		ids := make([]common.Hash, len(s))
		copy(ids, s)
		return fn(level, ids)
	}

	if start < end {
		ix.levels.Ascend(start, func(level int64, lb *levelBuckets) bool {
			if level >= end {
				return false
			}
			return visit(level, lb)
		})
		return
	}

	ix.levels.Descend(start, func(level int64, lb *levelBuckets) bool {
		if level <= end {
			return false
		}
		return visit(level, lb)
	})
}

// Scan visits every bucket in ascending level order (zeroForOne side first)
func (ix *Index) Scan(fn func(key Key, ids []common.Hash) bool) {
	ix.levels.Scan(func(level int64, lb *levelBuckets) bool {
		for _, dir := range []bool{true, false} {
			s := *lb.side(dir)
			if len(s) == 0 {
				continue
			}
			ids := make([]common.Hash, len(s))
			copy(ids, s)
			if !fn(Key{Level: level, ZeroForOne: dir}, ids) {
				return false
			}
		}
		return true
	})
}

// Restore replaces a bucket wholesale (used when loading from storage)
func (ix *Index) Restore(key Key, ids []common.Hash) {
	if len(ids) == 0 {
		return
	}
	lb, ok := ix.levels.Get(key.Level)
	if !ok {
		lb = &levelBuckets{}
		ix.levels.Set(key.Level, lb)
	}
	s := lb.side(key.ZeroForOne)
	*s = append([]common.Hash(nil), ids...)
}

// Len returns the number of populated levels
func (ix *Index) Len() int {
	return ix.levels.Len()
}
