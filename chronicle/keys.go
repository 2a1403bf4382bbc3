package chronicle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountKey returns the accumulator key for an account: its 20-byte identity
// left-padded to 32 bytes. Both local and remote chronicles use the same key
// derivation so roots computed on either side of a chain pair line up.
func AccountKey(account common.Address) common.Hash {
	return common.BytesToHash(account.Bytes())
}

// LiquidityLeaf encodes a signed liquidity value as a 32-byte two's-complement
// accumulator leaf.
func LiquidityLeaf(liquidity *big.Int) common.Hash {
	if liquidity == nil {
		liquidity = big.NewInt(0)
	}
	return common.BytesToHash(gethmath.U256Bytes(new(big.Int).Set(liquidity)))
}

// DataLeaf hashes an arbitrary data payload into its accumulator leaf.
func DataLeaf(value []byte) common.Hash {
	return crypto.Keccak256Hash(value)
}
