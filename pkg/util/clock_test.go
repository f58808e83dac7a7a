package util

import (
	"testing"
	"time"
)

func TestBlockClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewBlockClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", c.Now(), start)
	}
	c.Set(start.Add(time.Second))
	if got := c.Now().Unix(); got != 1_700_000_001 {
		t.Errorf("Now after Set = %d", got)
	}
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After never fired")
	}
}
