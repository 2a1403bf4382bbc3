// Package merkle provides the content-addressed accumulator the ledger uses to
// commit per-account liquidity and keyed data, plus the inclusion proofs the
// settlement path verifies against relay-delivered aggregate roots.
package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf and interior nodes are hashed under distinct domain prefixes so a leaf
// can never be replayed as an interior node.
var (
	leafPrefix = []byte{0x00}
	nodePrefix = []byte{0x01}
)

// emptyRoot is the fixed root of an accumulator with no leaves: the keccak256
// hash of the empty string. It is non-zero, distinguishing "empty tree" from
// "no root on file".
var emptyRoot = crypto.Keccak256Hash(nil)

// EmptyRoot returns the well-defined root of an empty accumulator.
func EmptyRoot() common.Hash {
	return emptyRoot
}

// Accumulator is an incremental Merkle commitment over a set of
// (key, value) leaves. The root is a pure function of the current contents:
// leaves are ordered by key before hashing, so the same set inserted in any
// order yields the same root, and re-inserting an identical pair leaves the
// root unchanged.
//
// Interior nodes hash their children in sorted order, which keeps proofs free
// of left/right position bits.
//
// Accumulator is not safe for concurrent use.
type Accumulator struct {
	values map[common.Hash]common.Hash
	keys   []common.Hash
	root   common.Hash
	dirty  bool
}

// NewAccumulator constructs an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		values: make(map[common.Hash]common.Hash),
		root:   emptyRoot,
	}
}

// Upsert inserts or overwrites the leaf for key and returns the recomputed
// root.
func (a *Accumulator) Upsert(key, value common.Hash) common.Hash {
	if existing, ok := a.values[key]; ok {
		if existing == value {
			return a.Root()
		}
		a.values[key] = value
		a.dirty = true
		return a.Root()
	}
	a.values[key] = value
	idx := sort.Search(len(a.keys), func(i int) bool {
		return bytes.Compare(a.keys[i][:], key[:]) >= 0
	})
	a.keys = append(a.keys, common.Hash{})
	copy(a.keys[idx+1:], a.keys[idx:])
	a.keys[idx] = key
	a.dirty = true
	return a.Root()
}

// Get returns the leaf value for key and whether the leaf exists.
func (a *Accumulator) Get(key common.Hash) (common.Hash, bool) {
	value, ok := a.values[key]
	return value, ok
}

// Len reports the number of leaves.
func (a *Accumulator) Len() int {
	return len(a.keys)
}

// Root returns the current root, recomputing it when leaves changed since the
// last call.
func (a *Accumulator) Root() common.Hash {
	if a.dirty {
		a.root = a.compute()
		a.dirty = false
	}
	return a.root
}

func (a *Accumulator) compute() common.Hash {
	if len(a.keys) == 0 {
		return emptyRoot
	}
	level := make([]common.Hash, len(a.keys))
	for i, key := range a.keys {
		level[i] = LeafHash(key, a.values[key])
	}
	for len(level) > 1 {
		next := level[:0:len(level)]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node is promoted unchanged.
				next = append(next, level[i])
				break
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Prove returns the sibling path proving inclusion of the leaf for key under
// the current root. The second return is false when no such leaf exists.
func (a *Accumulator) Prove(key common.Hash) ([]common.Hash, bool) {
	idx := sort.Search(len(a.keys), func(i int) bool {
		return bytes.Compare(a.keys[i][:], key[:]) >= 0
	})
	if idx == len(a.keys) || a.keys[idx] != key {
		return nil, false
	}
	level := make([]common.Hash, len(a.keys))
	for i, k := range a.keys {
		level[i] = LeafHash(k, a.values[k])
	}
	var proof []common.Hash
	pos := idx
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}
	return proof, true
}

// LeafHash computes the commitment of a single (key, value) leaf.
func LeafHash(key, value common.Hash) common.Hash {
	return crypto.Keccak256Hash(leafPrefix, key[:], value[:])
}

// hashPair combines two nodes in key-sorted order, making verification
// independent of sibling position.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(nodePrefix, a[:], b[:])
}

// Verify reports whether proof demonstrates that the (key, value) leaf is part
// of the tree committed to by root. It is stateless so the settlement path can
// check batches against externally supplied roots without reconstructing the
// remote tree.
func Verify(root, key, value common.Hash, proof []common.Hash) bool {
	node := LeafHash(key, value)
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}
