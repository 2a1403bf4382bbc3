package chronicle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Hook is the application callback surface notified of settlement effects.
// All methods are best effort: an error return (or panic) is converted into a
// HookFailed event by the invoking chronicle and never aborts or rolls back
// the settlement that triggered it.
type Hook interface {
	OnSettleLiquidity(remoteChainID, version, timestamp uint64, account common.Address) error
	OnSettleTotalLiquidity(remoteChainID, version, timestamp uint64) error
	OnSettleData(remoteChainID, version, timestamp uint64, key common.Hash) error
	OnMapAccounts(remoteChainID uint64, remoteAccounts, localAccounts []common.Address) error
}

// AccountMapper resolves a remote account identity to its local counterpart
// before liquidity is recorded. The zero address means unmapped.
type AccountMapper interface {
	MappedAccount(app common.Address, remoteChainID uint64, remoteAccount common.Address) common.Address
}

// Settings carries the per-app flags the settlement path honours. Registered
// is validated upstream; the chronicle trusts the remaining fields directly.
type Settings struct {
	Registered             bool
	SyncMappedAccountsOnly bool
	UseHook                bool
	Settler                common.Address
	Hook                   Hook
}

// SettingsSource supplies per-app settings.
type SettingsSource interface {
	AppSettings(app common.Address) (Settings, bool)
}

// RootSource supplies relay-delivered aggregate roots for a settlement
// coordinate. The zero hash means not yet received.
type RootSource interface {
	LiquidityRootAt(remoteChainID, version, timestamp uint64) common.Hash
	DataRootAt(remoteChainID, version, timestamp uint64) common.Hash
}

// RemoteAppSource supplies the counterpart app bound for (app, remote chain).
type RemoteAppSource interface {
	RemoteApp(app common.Address, remoteChainID uint64) (common.Address, uint64, bool)
}

// RootReporter receives the new local roots after every local chronicle
// mutation and hands back the aggregate/local index pair used purely for
// observability.
type RootReporter interface {
	ReportLocalRoots(app common.Address, version, timestamp uint64, liquidityRoot, dataRoot common.Hash) (aggregateIndex, localIndex uint64)
}

// invokeHook runs fn through the isolation boundary: errors and panics become
// failure reasons for the caller to emit, nothing propagates.
func invokeHook(fn func() error) (reason []byte, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			reason = []byte(fmt.Sprintf("panic: %v", r))
			failed = true
		}
	}()
	if err := fn(); err != nil {
		return []byte(err.Error()), true
	}
	return nil, false
}
