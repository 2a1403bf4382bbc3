package chronicle

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/events"
	"liqmatrix/merkle"
	"liqmatrix/observability/metrics"
)

// RemoteChronicle mirrors another chain's committed state for one
// (app, remote chain, version) tuple. Batches arrive pre-decoded from the
// settler, are verified against the relay-delivered aggregate root and are
// applied exactly once per timestamp in strictly increasing timestamp order.
//
// The liquidity and data axes settle independently; a timestamp is finalized
// the first time both axes have settled it, whichever order. Application
// hooks run after the ledger mutation is committed and their failures are
// recorded as events, never propagated.
type RemoteChronicle struct {
	mu sync.Mutex

	app           common.Address
	remoteChainID uint64
	version       uint64

	settings   SettingsSource
	roots      RootSource
	remoteApps RemoteAppSource
	mapper     AccountMapper
	emitter    events.Emitter
	journal    *Journal

	liquidity map[common.Address]*Series[*big.Int]
	total     *Series[*big.Int]
	data      map[common.Hash]*Series[[]byte]

	liquiditySettled map[uint64]bool
	dataSettled      map[uint64]bool
	liquidityCursor  Cursor
	dataCursor       Cursor
	finalizedCursor  Cursor
}

// RemoteDeps bundles the external collaborators a remote chronicle consults.
type RemoteDeps struct {
	Settings   SettingsSource
	Roots      RootSource
	RemoteApps RemoteAppSource
	Mapper     AccountMapper
	Emitter    events.Emitter
}

// NewRemoteChronicle constructs an empty remote chronicle. The remote chain id
// must be non-zero and all of Settings, Roots and RemoteApps must be supplied;
// Mapper and Emitter default to "everything unmapped" and a no-op emitter.
func NewRemoteChronicle(app common.Address, remoteChainID, version uint64, deps RemoteDeps) (*RemoteChronicle, error) {
	if remoteChainID == 0 {
		return nil, ErrInvalidChainIdentifier
	}
	if deps.Settings == nil || deps.Roots == nil || deps.RemoteApps == nil {
		return nil, ErrInvalidChainIdentifier
	}
	if deps.Mapper == nil {
		deps.Mapper = unmappedMapper{}
	}
	if deps.Emitter == nil {
		deps.Emitter = events.NoopEmitter{}
	}
	return &RemoteChronicle{
		app:              app,
		remoteChainID:    remoteChainID,
		version:          version,
		settings:         deps.Settings,
		roots:            deps.Roots,
		remoteApps:       deps.RemoteApps,
		mapper:           deps.Mapper,
		emitter:          deps.Emitter,
		liquidity:        make(map[common.Address]*Series[*big.Int]),
		total:            NewSeries[*big.Int](),
		data:             make(map[common.Hash]*Series[[]byte]),
		liquiditySettled: make(map[uint64]bool),
		dataSettled:      make(map[uint64]bool),
	}, nil
}

type unmappedMapper struct{}

func (unmappedMapper) MappedAccount(common.Address, uint64, common.Address) common.Address {
	return common.Address{}
}

// App returns the local app identity fed by this chronicle.
func (c *RemoteChronicle) App() common.Address { return c.app }

// RemoteChainID returns the source chain this chronicle mirrors.
func (c *RemoteChronicle) RemoteChainID() uint64 { return c.remoteChainID }

// Version returns the chronicle version.
func (c *RemoteChronicle) Version() uint64 { return c.version }

// SetJournal attaches a persistence journal. Applied settlements are appended
// to it after validation and before hooks run.
func (c *RemoteChronicle) SetJournal(j *Journal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = j
}

// SettleLiquidityParams is the decoded input of a liquidity settlement batch.
// TotalLiquidity is settler-authoritative: the settler sees accounts outside
// this batch, so the total is stored verbatim and never recomputed from the
// submitted subset.
type SettleLiquidityParams struct {
	Timestamp      uint64
	Accounts       []common.Address
	Liquidity      []*big.Int
	IsContract     []bool
	TotalLiquidity *big.Int
	LiquidityRoot  common.Hash
	Proof          []common.Hash
}

// SettleDataParams is the decoded input of a data settlement batch.
type SettleDataParams struct {
	Timestamp uint64
	Keys      []common.Hash
	Values    [][]byte
	DataRoot  common.Hash
	Proof     []common.Hash
}

// SettleLiquidity verifies and applies a liquidity batch at the batch
// timestamp. On success the ledger mutation is committed before any hook
// runs; all failure returns leave the chronicle unchanged.
func (c *RemoteChronicle) SettleLiquidity(caller common.Address, params SettleLiquidityParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, ok := c.settings.AppSettings(c.app)
	if !ok || caller != settings.Settler {
		return ErrForbidden
	}
	t := params.Timestamp
	if c.liquiditySettled[t] {
		return ErrLiquidityAlreadySettled
	}
	if t <= c.liquidityCursor.Last() && c.liquidityCursor.Last() != 0 {
		return ErrStaleTimestamp
	}
	if len(params.Accounts) != len(params.Liquidity) || len(params.Accounts) != len(params.IsContract) {
		return ErrInvalidArrayLengths
	}
	aggregateRoot := c.roots.LiquidityRootAt(c.remoteChainID, c.version, t)
	if aggregateRoot == (common.Hash{}) {
		return ErrRootNotReceived
	}
	remoteApp, _, ok := c.remoteApps.RemoteApp(c.app, c.remoteChainID)
	if !ok {
		return ErrRemoteAppNotSet
	}
	if !merkle.Verify(aggregateRoot, AccountKey(remoteApp), params.LiquidityRoot, params.Proof) {
		metrics.Settlement().ProofRejected()
		return ErrInvalidProof
	}

	// Resolve every target before touching state so the apply phase cannot
	// fail part way through.
	recorded := make([]common.Address, 0, len(params.Accounts))
	amounts := make([]*big.Int, 0, len(params.Accounts))
	for i, account := range params.Accounts {
		target, keep := c.resolveAccount(settings, account, params.IsContract[i])
		if !keep {
			continue
		}
		recorded = append(recorded, target)
		amounts = append(amounts, bigOrZero(params.Liquidity[i]))
	}

	if c.journal != nil {
		if err := c.journal.AppendLiquidity(liquidityRecord{
			Timestamp: t,
			Accounts:  recorded,
			Liquidity: amounts,
			Total:     bigOrZero(params.TotalLiquidity),
		}); err != nil {
			return err
		}
	}

	c.applyLiquidity(t, recorded, amounts, bigOrZero(params.TotalLiquidity))

	if settings.UseHook && settings.Hook != nil {
		for _, account := range recorded {
			acct := account
			c.runHook(events.HookSiteSettleLiquidity, t, func() error {
				return settings.Hook.OnSettleLiquidity(c.remoteChainID, c.version, t, acct)
			})
		}
		c.runHook(events.HookSiteSettleTotalLiquidity, t, func() error {
			return settings.Hook.OnSettleTotalLiquidity(c.remoteChainID, c.version, t)
		})
	}

	c.liquiditySettled[t] = true
	c.liquidityCursor.Append(t)
	metrics.Settlement().LiquiditySettled()
	c.emitter.Emit(events.LiquiditySettled{
		App:            c.app,
		RemoteChainID:  c.remoteChainID,
		Version:        c.version,
		Timestamp:      t,
		Accounts:       len(recorded),
		TotalLiquidity: bigOrZero(params.TotalLiquidity),
	})
	c.maybeFinalize(t)
	return nil
}

// SettleData verifies and applies a data batch at the batch timestamp,
// independently of the liquidity axis.
func (c *RemoteChronicle) SettleData(caller common.Address, params SettleDataParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, ok := c.settings.AppSettings(c.app)
	if !ok || caller != settings.Settler {
		return ErrForbidden
	}
	t := params.Timestamp
	if c.dataSettled[t] {
		return ErrDataAlreadySettled
	}
	if t <= c.dataCursor.Last() && c.dataCursor.Last() != 0 {
		return ErrStaleTimestamp
	}
	if len(params.Keys) != len(params.Values) {
		return ErrInvalidArrayLengths
	}
	aggregateRoot := c.roots.DataRootAt(c.remoteChainID, c.version, t)
	if aggregateRoot == (common.Hash{}) {
		return ErrRootNotReceived
	}
	remoteApp, _, ok := c.remoteApps.RemoteApp(c.app, c.remoteChainID)
	if !ok {
		return ErrRemoteAppNotSet
	}
	if !merkle.Verify(aggregateRoot, AccountKey(remoteApp), params.DataRoot, params.Proof) {
		metrics.Settlement().ProofRejected()
		return ErrInvalidProof
	}

	if c.journal != nil {
		if err := c.journal.AppendData(dataRecord{
			Timestamp: t,
			Keys:      params.Keys,
			Values:    params.Values,
		}); err != nil {
			return err
		}
	}

	c.applyData(t, params.Keys, params.Values)

	if settings.UseHook && settings.Hook != nil {
		for _, key := range params.Keys {
			k := key
			c.runHook(events.HookSiteSettleData, t, func() error {
				return settings.Hook.OnSettleData(c.remoteChainID, c.version, t, k)
			})
		}
	}

	c.dataSettled[t] = true
	c.dataCursor.Append(t)
	metrics.Settlement().DataSettled()
	c.emitter.Emit(events.DataSettled{
		App:           c.app,
		RemoteChainID: c.remoteChainID,
		Version:       c.version,
		Timestamp:     t,
		Keys:          len(params.Keys),
	})
	c.maybeFinalize(t)
	return nil
}

// resolveAccount applies the mapping policy: mapped accounts always land on
// their mapped identity; unmapped EOAs are always tracked; unmapped contracts
// are skipped only when the app opted into syncMappedAccountsOnly.
func (c *RemoteChronicle) resolveAccount(settings Settings, remote common.Address, isContract bool) (common.Address, bool) {
	mapped := c.mapper.MappedAccount(c.app, c.remoteChainID, remote)
	if mapped != (common.Address{}) {
		return mapped, true
	}
	if isContract && settings.SyncMappedAccountsOnly {
		return common.Address{}, false
	}
	return remote, true
}

func (c *RemoteChronicle) applyLiquidity(t uint64, accounts []common.Address, amounts []*big.Int, total *big.Int) {
	for i, account := range accounts {
		series, ok := c.liquidity[account]
		if !ok {
			series = NewSeries[*big.Int]()
			c.liquidity[account] = series
		}
		series.Append(t, new(big.Int).Set(amounts[i]))
	}
	c.total.Append(t, new(big.Int).Set(total))
}

func (c *RemoteChronicle) applyData(t uint64, keys []common.Hash, values [][]byte) {
	for i, key := range keys {
		series, ok := c.data[key]
		if !ok {
			series = NewSeries[[]byte]()
			c.data[key] = series
		}
		series.Append(t, copyBytes(values[i]))
	}
}

func (c *RemoteChronicle) runHook(site string, timestamp uint64, fn func() error) {
	reason, failed := invokeHook(fn)
	if !failed {
		return
	}
	metrics.Settlement().HookFailure(site)
	c.emitter.Emit(events.HookFailed{
		App:           c.app,
		RemoteChainID: c.remoteChainID,
		Version:       c.version,
		Timestamp:     timestamp,
		Site:          site,
		Reason:        reason,
	})
}

// maybeFinalize advances the finalized cursor when both axes have settled the
// timestamp. The cursor therefore materialises the exact intersection of the
// two settled sequences, not the minimum of their latest values.
func (c *RemoteChronicle) maybeFinalize(t uint64) {
	if !c.liquiditySettled[t] || !c.dataSettled[t] {
		return
	}
	c.finalizedCursor.Append(t)
	metrics.Settlement().Finalized()
	c.emitter.Emit(events.Finalized{
		App:           c.app,
		RemoteChainID: c.remoteChainID,
		Version:       c.version,
		Timestamp:     t,
	})
}

// GetLiquidity returns the latest settled liquidity for a local account.
func (c *RemoteChronicle) GetLiquidity(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.liquidity[account]
	if !ok {
		return big.NewInt(0)
	}
	return bigOrZero(series.Latest())
}

// GetLiquidityAt returns the liquidity effective for a local account at the
// supplied timestamp.
func (c *RemoteChronicle) GetLiquidityAt(account common.Address, timestamp uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.liquidity[account]
	if !ok {
		return big.NewInt(0)
	}
	return bigOrZero(series.ValueAt(timestamp))
}

// GetTotalLiquidity returns the latest settler-supplied total.
func (c *RemoteChronicle) GetTotalLiquidity() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bigOrZero(c.total.Latest())
}

// GetTotalLiquidityAt returns the total effective at the supplied timestamp.
func (c *RemoteChronicle) GetTotalLiquidityAt(timestamp uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bigOrZero(c.total.ValueAt(timestamp))
}

// GetData returns the latest settled value for key, nil when never settled.
func (c *RemoteChronicle) GetData(key common.Hash) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.data[key]
	if !ok {
		return nil
	}
	return copyBytes(series.Latest())
}

// GetDataAt returns the value effective for key at the supplied timestamp.
func (c *RemoteChronicle) GetDataAt(key common.Hash, timestamp uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.data[key]
	if !ok {
		return nil
	}
	return copyBytes(series.ValueAt(timestamp))
}

// IsLiquiditySettled reports whether a liquidity settlement was recorded at
// exactly the supplied timestamp.
func (c *RemoteChronicle) IsLiquiditySettled(timestamp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liquiditySettled[timestamp]
}

// IsDataSettled reports whether a data settlement was recorded at exactly the
// supplied timestamp.
func (c *RemoteChronicle) IsDataSettled(timestamp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataSettled[timestamp]
}

// IsFinalized reports whether both axes settled exactly the supplied
// timestamp.
func (c *RemoteChronicle) IsFinalized(timestamp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liquiditySettled[timestamp] && c.dataSettled[timestamp]
}

// LastSettledLiquidityTimestamp returns the latest liquidity-settled
// timestamp, 0 when none.
func (c *RemoteChronicle) LastSettledLiquidityTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liquidityCursor.Last()
}

// SettledLiquidityTimestampAt returns the greatest liquidity-settled
// timestamp <= the query, 0 when none.
func (c *RemoteChronicle) SettledLiquidityTimestampAt(timestamp uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liquidityCursor.FloorAt(timestamp)
}

// LastSettledDataTimestamp returns the latest data-settled timestamp, 0 when
// none.
func (c *RemoteChronicle) LastSettledDataTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataCursor.Last()
}

// SettledDataTimestampAt returns the greatest data-settled timestamp <= the
// query, 0 when none.
func (c *RemoteChronicle) SettledDataTimestampAt(timestamp uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataCursor.FloorAt(timestamp)
}

// LastFinalizedTimestamp returns the latest finalized timestamp, 0 when none.
func (c *RemoteChronicle) LastFinalizedTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizedCursor.Last()
}

// FinalizedTimestampAt returns the greatest finalized timestamp <= the query,
// 0 when none.
func (c *RemoteChronicle) FinalizedTimestampAt(timestamp uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizedCursor.FloorAt(timestamp)
}
