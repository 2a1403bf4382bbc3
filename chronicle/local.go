package chronicle

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/merkle"
)

// LocalChronicle is the ledger of this chain's own liquidity and keyed data
// for one (app, version) pair. Every mutation appends to the relevant
// snapshot series, refreshes the matching accumulator leaf and reports the
// new local roots to the aggregator.
//
// Only the owning app or the aggregator may mutate the chronicle.
type LocalChronicle struct {
	mu sync.Mutex

	aggregator common.Address
	app        common.Address
	version    uint64

	clock    func() uint64
	last     uint64
	reporter RootReporter

	liquidity map[common.Address]*Series[*big.Int]
	total     *Series[*big.Int]
	data      map[common.Hash]*Series[[]byte]

	liquidityTree *merkle.Accumulator
	dataTree      *merkle.Accumulator
}

// NewLocalChronicle constructs an empty local chronicle owned by app. The
// reporter receives root updates after every mutation; a nil reporter is
// replaced with a no-op.
func NewLocalChronicle(aggregator, app common.Address, version uint64, reporter RootReporter) *LocalChronicle {
	if reporter == nil {
		reporter = noopReporter{}
	}
	return &LocalChronicle{
		aggregator:    aggregator,
		app:           app,
		version:       version,
		clock:         func() uint64 { return uint64(time.Now().Unix()) },
		reporter:      reporter,
		liquidity:     make(map[common.Address]*Series[*big.Int]),
		total:         NewSeries[*big.Int](),
		data:          make(map[common.Hash]*Series[[]byte]),
		liquidityTree: merkle.NewAccumulator(),
		dataTree:      merkle.NewAccumulator(),
	}
}

type noopReporter struct{}

func (noopReporter) ReportLocalRoots(common.Address, uint64, uint64, common.Hash, common.Hash) (uint64, uint64) {
	return 0, 0
}

// App returns the owning app identity.
func (c *LocalChronicle) App() common.Address { return c.app }

// Version returns the chronicle version.
func (c *LocalChronicle) Version() uint64 { return c.version }

// SetClock overrides the timestamp source (primarily for deterministic
// testing).
func (c *LocalChronicle) SetClock(clock func() uint64) {
	if clock == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

func (c *LocalChronicle) authorized(caller common.Address) bool {
	return caller == c.app || caller == c.aggregator
}

// nextTimestamp reads the clock and bumps it past the previous mutation when
// two mutations land within the same second, so every series append succeeds
// with a strictly increasing timestamp.
func (c *LocalChronicle) nextTimestamp() uint64 {
	timestamp := c.clock()
	if timestamp <= c.last {
		timestamp = c.last + 1
	}
	c.last = timestamp
	return timestamp
}

// UpdateLiquidity records a new liquidity value for account at the current
// timestamp, maintains the running total by delta (total' = total - previous
// + new) and reports the refreshed liquidity root. The returned indices are
// the aggregator's handles for the report, used only in events.
func (c *LocalChronicle) UpdateLiquidity(caller, account common.Address, liquidity *big.Int) (uint64, uint64, error) {
	if liquidity == nil {
		liquidity = big.NewInt(0)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized(caller) {
		return 0, 0, ErrForbidden
	}
	timestamp := c.nextTimestamp()

	series, ok := c.liquidity[account]
	if !ok {
		series = NewSeries[*big.Int]()
	}
	previous := bigOrZero(series.Latest())
	if err := series.Append(timestamp, new(big.Int).Set(liquidity)); err != nil {
		return 0, 0, err
	}

	newTotal := new(big.Int).Add(bigOrZero(c.total.Latest()), liquidity)
	newTotal.Sub(newTotal, previous)
	if err := c.total.Append(timestamp, newTotal); err != nil {
		return 0, 0, err
	}
	c.liquidity[account] = series

	c.liquidityTree.Upsert(AccountKey(account), LiquidityLeaf(liquidity))
	aggIdx, localIdx := c.reporter.ReportLocalRoots(c.app, c.version, timestamp, c.liquidityTree.Root(), c.dataTree.Root())
	return aggIdx, localIdx, nil
}

// UpdateData records a new value for key at the current timestamp and reports
// the refreshed data root.
func (c *LocalChronicle) UpdateData(caller common.Address, key common.Hash, value []byte) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized(caller) {
		return 0, 0, ErrForbidden
	}
	timestamp := c.nextTimestamp()

	series, ok := c.data[key]
	if !ok {
		series = NewSeries[[]byte]()
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	if err := series.Append(timestamp, stored); err != nil {
		return 0, 0, err
	}
	c.data[key] = series

	c.dataTree.Upsert(key, DataLeaf(value))
	aggIdx, localIdx := c.reporter.ReportLocalRoots(c.app, c.version, timestamp, c.liquidityTree.Root(), c.dataTree.Root())
	return aggIdx, localIdx, nil
}

// GetLiquidity returns the latest liquidity recorded for account, zero when
// the account was never touched.
func (c *LocalChronicle) GetLiquidity(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.liquidity[account]
	if !ok {
		return big.NewInt(0)
	}
	return bigOrZero(series.Latest())
}

// GetLiquidityAt returns the liquidity effective for account at the supplied
// timestamp.
func (c *LocalChronicle) GetLiquidityAt(account common.Address, timestamp uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.liquidity[account]
	if !ok {
		return big.NewInt(0)
	}
	return bigOrZero(series.ValueAt(timestamp))
}

// GetTotalLiquidity returns the latest running total.
func (c *LocalChronicle) GetTotalLiquidity() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bigOrZero(c.total.Latest())
}

// GetTotalLiquidityAt returns the running total effective at the supplied
// timestamp.
func (c *LocalChronicle) GetTotalLiquidityAt(timestamp uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bigOrZero(c.total.ValueAt(timestamp))
}

// GetData returns the latest value recorded for key, nil when never written.
func (c *LocalChronicle) GetData(key common.Hash) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.data[key]
	if !ok {
		return nil
	}
	return copyBytes(series.Latest())
}

// GetDataAt returns the value effective for key at the supplied timestamp.
func (c *LocalChronicle) GetDataAt(key common.Hash, timestamp uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.data[key]
	if !ok {
		return nil
	}
	return copyBytes(series.ValueAt(timestamp))
}

// LiquidityRoot returns the current root of the liquidity accumulator.
func (c *LocalChronicle) LiquidityRoot() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liquidityTree.Root()
}

// DataRoot returns the current root of the data accumulator.
func (c *LocalChronicle) DataRoot() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataTree.Root()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
