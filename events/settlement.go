package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventLiquiditySettled    = "settlement.liquidity"
	EventDataSettled         = "settlement.data"
	EventFinalized           = "settlement.finalized"
	EventHookFailed          = "settlement.hook_failed"
	EventLocalRootReported   = "local.root_reported"
	EventAccountsMapped      = "accounts.mapped"
	EventSettlementRecorded  = "settlement.account_recorded"
	EventSettlementSkipped   = "settlement.account_skipped"
	EventAggregateRootStored = "relay.root_stored"
)

// LiquiditySettled signals that a liquidity batch was applied at a timestamp.
type LiquiditySettled struct {
	App            common.Address
	RemoteChainID  uint64
	Version        uint64
	Timestamp      uint64
	Accounts       int
	TotalLiquidity *big.Int
}

// EventType implements the Event interface.
func (LiquiditySettled) EventType() string { return EventLiquiditySettled }

// Attributes implements the Event interface.
func (e LiquiditySettled) Attributes() map[string]string {
	total := big.NewInt(0)
	if e.TotalLiquidity != nil {
		total = new(big.Int).Set(e.TotalLiquidity)
	}
	return map[string]string{
		"app":             e.App.Hex(),
		"remote_chain":    strconv.FormatUint(e.RemoteChainID, 10),
		"version":         strconv.FormatUint(e.Version, 10),
		"timestamp":       strconv.FormatUint(e.Timestamp, 10),
		"accounts":        strconv.Itoa(e.Accounts),
		"total_liquidity": total.String(),
	}
}

// DataSettled signals that a data batch was applied at a timestamp.
type DataSettled struct {
	App           common.Address
	RemoteChainID uint64
	Version       uint64
	Timestamp     uint64
	Keys          int
}

// EventType implements the Event interface.
func (DataSettled) EventType() string { return EventDataSettled }

// Attributes implements the Event interface.
func (e DataSettled) Attributes() map[string]string {
	return map[string]string{
		"app":          e.App.Hex(),
		"remote_chain": strconv.FormatUint(e.RemoteChainID, 10),
		"version":      strconv.FormatUint(e.Version, 10),
		"timestamp":    strconv.FormatUint(e.Timestamp, 10),
		"keys":         strconv.Itoa(e.Keys),
	}
}

// Finalized signals that both axes have settled the same timestamp.
type Finalized struct {
	App           common.Address
	RemoteChainID uint64
	Version       uint64
	Timestamp     uint64
}

// EventType implements the Event interface.
func (Finalized) EventType() string { return EventFinalized }

// Attributes implements the Event interface.
func (e Finalized) Attributes() map[string]string {
	return map[string]string{
		"app":          e.App.Hex(),
		"remote_chain": strconv.FormatUint(e.RemoteChainID, 10),
		"version":      strconv.FormatUint(e.Version, 10),
		"timestamp":    strconv.FormatUint(e.Timestamp, 10),
	}
}

// Hook call sites referenced by HookFailed events.
const (
	HookSiteSettleLiquidity      = "on_settle_liquidity"
	HookSiteSettleTotalLiquidity = "on_settle_total_liquidity"
	HookSiteSettleData           = "on_settle_data"
	HookSiteMapAccounts          = "on_map_accounts"
)

// HookFailed records an application callback that returned an error or
// panicked. The ledger mutation the hook was notified about is already
// committed; the failure is observability only.
type HookFailed struct {
	App           common.Address
	RemoteChainID uint64
	Version       uint64
	Timestamp     uint64
	Site          string
	Reason        []byte
}

// EventType implements the Event interface.
func (HookFailed) EventType() string { return EventHookFailed }

// Attributes implements the Event interface.
func (e HookFailed) Attributes() map[string]string {
	return map[string]string{
		"app":          e.App.Hex(),
		"remote_chain": strconv.FormatUint(e.RemoteChainID, 10),
		"version":      strconv.FormatUint(e.Version, 10),
		"timestamp":    strconv.FormatUint(e.Timestamp, 10),
		"site":         e.Site,
		"reason":       "0x" + hex.EncodeToString(e.Reason),
	}
}

// LocalRootReported captures a local chronicle mutation propagating new roots
// to the aggregator.
type LocalRootReported struct {
	App            common.Address
	Version        uint64
	Timestamp      uint64
	LiquidityRoot  common.Hash
	DataRoot       common.Hash
	AggregateIndex uint64
	LocalIndex     uint64
}

// EventType implements the Event interface.
func (LocalRootReported) EventType() string { return EventLocalRootReported }

// Attributes implements the Event interface.
func (e LocalRootReported) Attributes() map[string]string {
	return map[string]string{
		"app":             e.App.Hex(),
		"version":         strconv.FormatUint(e.Version, 10),
		"timestamp":       strconv.FormatUint(e.Timestamp, 10),
		"liquidity_root":  e.LiquidityRoot.Hex(),
		"data_root":       e.DataRoot.Hex(),
		"aggregate_index": strconv.FormatUint(e.AggregateIndex, 10),
		"local_index":     strconv.FormatUint(e.LocalIndex, 10),
	}
}
