// Package matrix wires the chronicle core to its collaborators: the app
// registry, the account map, the relay root store and the deployer. The
// Aggregator is the single object a host (daemon or test) needs to run the
// reconciliation ledger for one chain.
package matrix

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/chronicle"
	"liqmatrix/events"
	"liqmatrix/merkle"
	"liqmatrix/registry"
	"liqmatrix/storage"
)

// Aggregator coordinates all chronicles on the local chain. It receives every
// local root report, folds the per-app roots into the cross-app aggregate
// accumulators whose roots are shipped to other chains, tracks which chronicle
// version is current per app, and routes settlement calls to the right remote
// chronicle.
type Aggregator struct {
	mu sync.Mutex

	address common.Address
	chainID uint64

	apps     *registry.AppRegistry
	roots    *registry.RootStore
	accounts *registry.AccountMap
	deployer *chronicle.Deployer
	emitter  events.Emitter
	db       storage.Database

	current map[common.Address]uint64

	liquidityAgg *merkle.Accumulator
	dataAgg      *merkle.Accumulator
	aggIndex     uint64
	localIndex   map[common.Address]uint64
}

// NewAggregator constructs an aggregator identified by address on the chain
// with the given id. db (optional) enables settlement journaling for remote
// chronicles; emitter (optional) observes ledger events.
func NewAggregator(address common.Address, chainID uint64, db storage.Database, emitter events.Emitter) *Aggregator {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a := &Aggregator{
		address:      address,
		chainID:      chainID,
		apps:         registry.NewAppRegistry(),
		roots:        registry.NewRootStore(),
		emitter:      emitter,
		db:           db,
		current:      make(map[common.Address]uint64),
		liquidityAgg: merkle.NewAccumulator(),
		dataAgg:      merkle.NewAccumulator(),
		localIndex:   make(map[common.Address]uint64),
	}
	a.accounts = registry.NewAccountMap(a.apps, func(app common.Address, remoteChainID uint64, reason []byte) {
		a.emitter.Emit(events.HookFailed{
			App:           app,
			RemoteChainID: remoteChainID,
			Site:          events.HookSiteMapAccounts,
			Reason:        reason,
		})
	})
	a.deployer = chronicle.NewDeployer(address, a, chronicle.RemoteDeps{
		Settings:   a.apps,
		Roots:      a.roots,
		RemoteApps: a.apps,
		Mapper:     a.accounts,
		Emitter:    emitter,
	})
	return a
}

// Address returns the aggregator's own identity, the only caller the deployer
// and local chronicles accept besides the owning app.
func (a *Aggregator) Address() common.Address { return a.address }

// ChainID returns the local chain identifier.
func (a *Aggregator) ChainID() uint64 { return a.chainID }

// Apps exposes the app registry.
func (a *Aggregator) Apps() *registry.AppRegistry { return a.apps }

// Accounts exposes the account mapping table.
func (a *Aggregator) Accounts() *registry.AccountMap { return a.accounts }

// Roots exposes the relay root store.
func (a *Aggregator) Roots() *registry.RootStore { return a.roots }

// RegisterApp records the app's settings and deploys its version-1 local
// chronicle, which becomes current.
func (a *Aggregator) RegisterApp(app common.Address, settings chronicle.Settings) (*chronicle.LocalChronicle, error) {
	a.apps.Register(app, settings)
	a.mu.Lock()
	if _, ok := a.current[app]; ok {
		a.mu.Unlock()
		return nil, chronicle.ErrAlreadyDeployed
	}
	a.current[app] = 1
	a.mu.Unlock()
	local, _, err := a.deployer.DeployLocal(a.address, app, 1)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// AdvanceVersion deploys a fresh local chronicle for the app at the next
// version and makes it current. Prior versions remain queryable; remote
// chronicles for the new version are deployed lazily by EnsureRemote.
func (a *Aggregator) AdvanceVersion(app common.Address) (uint64, error) {
	a.mu.Lock()
	version, ok := a.current[app]
	if !ok {
		a.mu.Unlock()
		return 0, registry.ErrAppNotRegistered
	}
	version++
	a.current[app] = version
	a.mu.Unlock()
	if _, _, err := a.deployer.DeployLocal(a.address, app, version); err != nil {
		return 0, err
	}
	return version, nil
}

// CurrentVersion returns the app's current chronicle version.
func (a *Aggregator) CurrentVersion(app common.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	version, ok := a.current[app]
	return version, ok
}

// EnsureRemote returns the remote chronicle mirroring remoteChainID for the
// app's current version, deploying it on first use. A journal is attached and
// replayed when the aggregator was constructed with a database.
func (a *Aggregator) EnsureRemote(app common.Address, remoteChainID uint64) (*chronicle.RemoteChronicle, error) {
	a.mu.Lock()
	version, ok := a.current[app]
	a.mu.Unlock()
	if !ok {
		return nil, registry.ErrAppNotRegistered
	}
	if remote, ok := a.deployer.Remote(app, remoteChainID, version); ok {
		return remote, nil
	}
	remote, addr, err := a.deployer.DeployRemote(a.address, app, remoteChainID, version)
	if err != nil {
		return nil, err
	}
	if a.db != nil {
		journal := chronicle.NewJournal(a.db, addr)
		if err := journal.ReplayInto(remote); err != nil {
			return nil, err
		}
		remote.SetJournal(journal)
	}
	return remote, nil
}

// Local returns the app's current local chronicle.
func (a *Aggregator) Local(app common.Address) (*chronicle.LocalChronicle, error) {
	a.mu.Lock()
	version, ok := a.current[app]
	a.mu.Unlock()
	if !ok {
		return nil, registry.ErrAppNotRegistered
	}
	local, ok := a.deployer.Local(app, version)
	if !ok {
		return nil, chronicle.ErrNotDeployed
	}
	return local, nil
}

// UpdateLiquidity routes a local liquidity mutation to the app's current
// chronicle.
func (a *Aggregator) UpdateLiquidity(caller, app, account common.Address, liquidity *big.Int) (uint64, uint64, error) {
	local, err := a.Local(app)
	if err != nil {
		return 0, 0, err
	}
	return local.UpdateLiquidity(caller, account, liquidity)
}

// UpdateData routes a local data mutation to the app's current chronicle.
func (a *Aggregator) UpdateData(caller, app common.Address, key common.Hash, value []byte) (uint64, uint64, error) {
	local, err := a.Local(app)
	if err != nil {
		return 0, 0, err
	}
	return local.UpdateData(caller, key, value)
}

// SettleLiquidity routes a liquidity settlement batch to the remote chronicle
// for (app, remoteChain) at the app's current version.
func (a *Aggregator) SettleLiquidity(caller, app common.Address, remoteChainID uint64, params chronicle.SettleLiquidityParams) error {
	remote, err := a.EnsureRemote(app, remoteChainID)
	if err != nil {
		return err
	}
	return remote.SettleLiquidity(caller, params)
}

// SettleData routes a data settlement batch to the remote chronicle for
// (app, remoteChain) at the app's current version.
func (a *Aggregator) SettleData(caller, app common.Address, remoteChainID uint64, params chronicle.SettleDataParams) error {
	remote, err := a.EnsureRemote(app, remoteChainID)
	if err != nil {
		return err
	}
	return remote.SettleData(caller, params)
}

// ReportLocalRoots implements chronicle.RootReporter: per-app roots are
// folded into the cross-app aggregates and the report is assigned its
// aggregate and per-app index handles.
func (a *Aggregator) ReportLocalRoots(app common.Address, version, timestamp uint64, liquidityRoot, dataRoot common.Hash) (uint64, uint64) {
	a.mu.Lock()
	a.liquidityAgg.Upsert(chronicle.AccountKey(app), liquidityRoot)
	a.dataAgg.Upsert(chronicle.AccountKey(app), dataRoot)
	aggregateIndex := a.aggIndex
	a.aggIndex++
	localIndex := a.localIndex[app]
	a.localIndex[app] = localIndex + 1
	a.mu.Unlock()

	a.emitter.Emit(events.LocalRootReported{
		App:            app,
		Version:        version,
		Timestamp:      timestamp,
		LiquidityRoot:  liquidityRoot,
		DataRoot:       dataRoot,
		AggregateIndex: aggregateIndex,
		LocalIndex:     localIndex,
	})
	return aggregateIndex, localIndex
}

// AggregateLiquidityRoot returns the cross-app liquidity root this chain
// would relay outward.
func (a *Aggregator) AggregateLiquidityRoot() common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liquidityAgg.Root()
}

// AggregateDataRoot returns the cross-app data root this chain would relay
// outward.
func (a *Aggregator) AggregateDataRoot() common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataAgg.Root()
}

// ProveLiquidityRoot returns the inclusion proof of the app's latest reported
// liquidity root under the aggregate root, for handing to a settler on the
// destination chain.
func (a *Aggregator) ProveLiquidityRoot(app common.Address) (common.Hash, []common.Hash, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	root, ok := a.liquidityAgg.Get(chronicle.AccountKey(app))
	if !ok {
		return common.Hash{}, nil, false
	}
	proof, ok := a.liquidityAgg.Prove(chronicle.AccountKey(app))
	if !ok {
		return common.Hash{}, nil, false
	}
	return root, proof, true
}

// ProveDataRoot is the data-axis analogue of ProveLiquidityRoot.
func (a *Aggregator) ProveDataRoot(app common.Address) (common.Hash, []common.Hash, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	root, ok := a.dataAgg.Get(chronicle.AccountKey(app))
	if !ok {
		return common.Hash{}, nil, false
	}
	proof, ok := a.dataAgg.Prove(chronicle.AccountKey(app))
	if !ok {
		return common.Hash{}, nil, false
	}
	return root, proof, true
}
