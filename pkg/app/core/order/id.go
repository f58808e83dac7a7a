package order

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NewID derives an order identifier
// Format: keccak256(counter[8] || owner[20] || timestamp[8]), big-endian integers
func NewID(counter uint64, owner common.Address, timestamp int64) common.Hash {
	var buf [8 + common.AddressLength + 8]byte
	binary.BigEndian.PutUint64(buf[:8], counter)
	copy(buf[8:8+common.AddressLength], owner.Bytes())
	binary.BigEndian.PutUint64(buf[8+common.AddressLength:], uint64(timestamp))
	return crypto.Keccak256Hash(buf[:])
}
