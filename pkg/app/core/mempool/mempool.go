package mempool

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrFull = errors.New("mempool full")

// Class orders transactions within a block
type Class int

const (
	ClassNonOrder Class = iota // swaps, approvals, faucet, settlements, redemptions
	ClassCancel
	ClassPlace
)

// Classify reads the envelope type of a raw signed transaction.
// Anything unreadable lands in the last class and fails on apply.
func Classify(b []byte) Class {
	if len(b) == 0 || b[0] != '{' {
		return ClassPlace
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return ClassPlace
	}
	switch envelope.Type {
	case "cancel":
		return ClassCancel
	case "swap", "approve", "faucet", "settle", "settle_bucket", "redeem":
		return ClassNonOrder
	default:
		return ClassPlace
	}
}

// Mempool keeps one FIFO queue per class. Proposals drain non-order
// transactions first, then cancels, then placements.
type Mempool struct {
	mu       sync.Mutex
	limit    int
	nonOrder [][]byte
	cancel   [][]byte
	place    [][]byte
}

// NewMempool returns a pool holding at most limit txs; zero means unbounded
func NewMempool(limit int) *Mempool {
	return &Mempool{limit: limit}
}

// Push classifies and enqueues a copy of b
func (m *Mempool) Push(b []byte) error {
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.len() >= m.limit {
		return ErrFull
	}
	switch Classify(b) {
	case ClassNonOrder:
		m.nonOrder = append(m.nonOrder, cp)
	case ClassCancel:
		m.cancel = append(m.cancel, cp)
	default:
		m.place = append(m.place, cp)
	}
	return nil
}

// SelectForProposal removes and returns up to maxBytes of txs in class
// order. A tx that does not fit stops its class but later classes may still
// fill the remaining space.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64

	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
		}
	}

	pull(&m.nonOrder)
	pull(&m.cancel)
	pull(&m.place)

	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.len()
}

func (m *Mempool) len() int {
	return len(m.nonOrder) + len(m.cancel) + len(m.place)
}
