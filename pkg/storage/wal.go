package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// WALEntry is one applied transaction and its result
type WALEntry struct {
	Height uint64 `json:"height"`
	Index  int    `json:"index"`
	Code   string `json:"code"`
	Tx     string `json:"tx"` // raw bytes as submitted
}

// WAL is an append-only log of applied transactions, one JSON line each
type WAL interface {
	Append(e WALEntry) error
}

type NopWAL struct{}

func NewNopWAL() *NopWAL                  { return &NopWAL{} }
func (w *NopWAL) Append(_ WALEntry) error { return nil }

type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(e WALEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(append(line, '\n'))
	return err
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadWAL calls fn for every entry in the file in append order
func ReadWAL(path string, fn func(WALEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for n := 1; sc.Scan(); n++ {
		var e WALEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("wal line %d: %w", n, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

var _ WAL = (*NopWAL)(nil)
var _ WAL = (*FileWAL)(nil)
