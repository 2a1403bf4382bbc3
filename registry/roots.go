package registry

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/observability/metrics"
)

// ErrRootMismatch indicates a conflicting redelivery: a different root was
// already stored for the same coordinate. Roots are immutable once received.
var ErrRootMismatch = errors.New("registry: conflicting root for coordinate")

// ErrZeroRoot indicates an attempt to store the zero hash, which is reserved
// for "not yet received".
var ErrZeroRoot = errors.New("registry: zero root")

type rootCoordinate struct {
	remoteChainID uint64
	version       uint64
	timestamp     uint64
}

// RootStore is the landing zone for aggregate roots carried by the external
// relay, keyed by (remote chain, version, timestamp) per axis. It implements
// chronicle.RootSource.
type RootStore struct {
	mu        sync.RWMutex
	liquidity map[rootCoordinate]common.Hash
	data      map[rootCoordinate]common.Hash
}

// NewRootStore constructs an empty store.
func NewRootStore() *RootStore {
	return &RootStore{
		liquidity: make(map[rootCoordinate]common.Hash),
		data:      make(map[rootCoordinate]common.Hash),
	}
}

func storeRoot(m map[rootCoordinate]common.Hash, coord rootCoordinate, root common.Hash) error {
	if root == (common.Hash{}) {
		return ErrZeroRoot
	}
	if existing, ok := m[coord]; ok {
		if existing != root {
			return ErrRootMismatch
		}
		return nil
	}
	m[coord] = root
	return nil
}

// SetLiquidityRoot records the aggregate liquidity root delivered for the
// coordinate. Redelivering the identical root is a no-op; a different root is
// rejected.
func (s *RootStore) SetLiquidityRoot(remoteChainID, version, timestamp uint64, root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storeRoot(s.liquidity, rootCoordinate{remoteChainID, version, timestamp}, root); err != nil {
		return err
	}
	metrics.Settlement().RootReceived("liquidity")
	return nil
}

// SetDataRoot records the aggregate data root delivered for the coordinate.
func (s *RootStore) SetDataRoot(remoteChainID, version, timestamp uint64, root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storeRoot(s.data, rootCoordinate{remoteChainID, version, timestamp}, root); err != nil {
		return err
	}
	metrics.Settlement().RootReceived("data")
	return nil
}

// LiquidityRootAt implements chronicle.RootSource. The zero hash means not
// yet received.
func (s *RootStore) LiquidityRootAt(remoteChainID, version, timestamp uint64) common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liquidity[rootCoordinate{remoteChainID, version, timestamp}]
}

// DataRootAt implements chronicle.RootSource.
func (s *RootStore) DataRootAt(remoteChainID, version, timestamp uint64) common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[rootCoordinate{remoteChainID, version, timestamp}]
}
