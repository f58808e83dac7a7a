package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (all buckets, all balances)
// 2. Zero-padded sequence numbers so owner lists iterate in placement order
// 3. Values are JSON records carrying their own identity, so loaders never parse keys
//
//   ord:{orderID}                    → order.Order
//   own:{owner}:{seq}                → orderID
//   bkt:{market}:{level}:{dir}       → BucketRecord
//   lvl:{market}                     → LevelRecord
//   cnt                              → placement counter
//   clm:{tokenID}                    → claim.Pool
//   clb:{tokenID}:{holder}           → ClaimBalanceRecord
//   bal:{asset}:{holder}             → BalanceRecord
//   alw:{asset}:{owner}:{spender}    → AllowanceRecord
//   non:{address}                    → NonceRecord
//   blk:{height[8]}                  → BlockRecord (gob)
//   head                             → latest block height

const (
	prefixOrder        = "ord:"
	prefixOwner        = "own:"
	prefixBucket       = "bkt:"
	prefixLevel        = "lvl:"
	prefixClaimPool    = "clm:"
	prefixClaimBalance = "clb:"
	prefixBalance      = "bal:"
	prefixAllowance    = "alw:"
	prefixNonce        = "non:"
	prefixBlock        = "blk:"

	keyCounter = "cnt"
	keyHead    = "head"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(id common.Hash) []byte {
	return []byte(prefixOrder + id.Hex())
}

// ownerKey returns the key for an owner index entry
// Format: "own:{owner}:{seq}" with seq zero-padded to 20 digits
func ownerKey(owner common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOwner, owner.Hex(), seq))
}

// ownerPrefix returns the prefix for all orders of an owner
// Format: "own:{owner}:"
func ownerPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwner, owner.Hex()))
}

// bucketKey returns the key for a tick bucket
// Format: "bkt:{market}:{level}:{0|1}"
func bucketKey(market string, level int64, zeroForOne bool) []byte {
	dir := 0
	if zeroForOne {
		dir = 1
	}
	return []byte(fmt.Sprintf("%s%s:%d:%d", prefixBucket, market, level, dir))
}

// levelKey returns the key for a market's last observed level
// Format: "lvl:{market}"
func levelKey(market string) []byte {
	return []byte(prefixLevel + market)
}

func claimPoolKey(id common.Hash) []byte {
	return []byte(prefixClaimPool + id.Hex())
}

func claimBalanceKey(id common.Hash, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixClaimBalance, id.Hex(), holder.Hex()))
}

// balanceKey returns the key for a token balance
// Format: "bal:{asset}:{holder}"
func balanceKey(asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), holder.Hex()))
}

// allowanceKey returns the key for an allowance
// Format: "alw:{asset}:{owner}:{spender}"
func allowanceKey(asset, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixAllowance, asset.Hex(), owner.Hex(), spender.Hex()))
}

// nonceKey returns the key for an account nonce
// Format: "non:{address}"
func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
