package tick

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestFloor(t *testing.T) {
	tests := []struct {
		level, step, want int64
	}{
		{0, 10, 0},
		{15, 10, 10},
		{10, 10, 10},
		{-5, 10, -10},
		{-10, 10, -10},
		{-11, 10, -20},
		{7, 1, 7},
		{-7, 0, -7},
		{887272, 60, 887220},
	}
	for _, tt := range tests {
		if got := Floor(tt.level, tt.step); got != tt.want {
			t.Errorf("Floor(%d, %d) = %d, want %d", tt.level, tt.step, got, tt.want)
		}
	}
}

func id(b byte) common.Hash {
	return common.Hash{b}
}

func TestIndex_InsertKeepsOrderPerDirection(t *testing.T) {
	ix := NewIndex(10)
	k := ix.Insert(105, true, id(1))
	ix.Insert(101, true, id(2))
	ix.Insert(109, false, id(3))

	if k.Level != 100 || !k.ZeroForOne {
		t.Fatalf("key = %+v, want level 100 zeroForOne", k)
	}
	got := ix.Bucket(Key{Level: 100, ZeroForOne: true})
	if len(got) != 2 || got[0] != id(1) || got[1] != id(2) {
		t.Errorf("bucket = %v, want [1 2] in insertion order", got)
	}
	other := ix.Bucket(Key{Level: 100, ZeroForOne: false})
	if len(other) != 1 || other[0] != id(3) {
		t.Errorf("opposite direction bucket = %v", other)
	}
}

func TestIndex_Pop(t *testing.T) {
	ix := NewIndex(10)
	k := ix.Insert(20, false, id(1))
	ix.Insert(20, false, id(2))

	ix.Pop(k)
	if got := ix.Bucket(k); len(got) != 1 || got[0] != id(1) {
		t.Fatalf("after pop = %v", got)
	}
	ix.Pop(k)
	if ix.Len() != 0 {
		t.Errorf("empty level should be dropped after undo, len=%d", ix.Len())
	}
}

func collect(ix *Index, from, to int64, dir bool) []int64 {
	var levels []int64
	ix.Walk(from, to, dir, func(level int64, _ []common.Hash) bool {
		levels = append(levels, level)
		return true
	})
	return levels
}

func TestIndex_WalkAscendingAndDescending(t *testing.T) {
	ix := NewIndex(10)
	for _, lvl := range []int64{40, 50, 100, 140, 150, 160} {
		ix.Insert(lvl, false, id(byte(lvl)))
	}
	ix.Insert(100, true, id(0xff))

	up := collect(ix, 50, 150, false)
	want := []int64{50, 100, 140}
	if len(up) != len(want) {
		t.Fatalf("ascending walk = %v, want %v", up, want)
	}
	for i := range want {
		if up[i] != want[i] {
			t.Fatalf("ascending walk = %v, want %v", up, want)
		}
	}

	down := collect(ix, 150, 50, false)
	wantDown := []int64{150, 140, 100}
	if len(down) != len(wantDown) {
		t.Fatalf("descending walk = %v, want %v", down, wantDown)
	}
	for i := range wantDown {
		if down[i] != wantDown[i] {
			t.Fatalf("descending walk = %v, want %v", down, wantDown)
		}
	}

	if got := collect(ix, 50, 150, true); len(got) != 1 || got[0] != 100 {
		t.Errorf("zeroForOne walk = %v, want [100]", got)
	}
}

func TestIndex_WalkNoop(t *testing.T) {
	ix := NewIndex(10)
	ix.Insert(100, true, id(1))

	if got := collect(ix, 100, 100, true); len(got) != 0 {
		t.Errorf("equal levels must not iterate, got %v", got)
	}
	if got := collect(ix, 101, 109, true); len(got) != 0 {
		t.Errorf("same bucket must not iterate, got %v", got)
	}
}

func TestIndex_WalkNegativeLevels(t *testing.T) {
	ix := NewIndex(10)
	ix.Insert(-15, true, id(1)) // bucket -20
	ix.Insert(-5, true, id(2))  // bucket -10

	if got := collect(ix, -25, 0, true); len(got) != 2 || got[0] != -20 || got[1] != -10 {
		t.Errorf("walk = %v, want [-20 -10]", got)
	}
}
