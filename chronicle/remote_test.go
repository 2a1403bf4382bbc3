package chronicle

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"liqmatrix/events"
	"liqmatrix/merkle"
)

const (
	remoteChain = uint64(42)
	testVersion = uint64(1)
)

var (
	settler   = common.HexToAddress("0xbb00000000000000000000000000000000000001")
	remoteApp = common.HexToAddress("0xbb00000000000000000000000000000000000002")
	carol     = common.HexToAddress("0xbb00000000000000000000000000000000000010")
	dave      = common.HexToAddress("0xbb00000000000000000000000000000000000011")
)

type fakeSettings struct {
	settings map[common.Address]Settings
}

func (f *fakeSettings) AppSettings(app common.Address) (Settings, bool) {
	s, ok := f.settings[app]
	return s, ok
}

type rootCoord struct {
	chain, version, timestamp uint64
}

type fakeRoots struct {
	liquidity map[rootCoord]common.Hash
	data      map[rootCoord]common.Hash
}

func (f *fakeRoots) LiquidityRootAt(chain, version, timestamp uint64) common.Hash {
	return f.liquidity[rootCoord{chain, version, timestamp}]
}

func (f *fakeRoots) DataRootAt(chain, version, timestamp uint64) common.Hash {
	return f.data[rootCoord{chain, version, timestamp}]
}

type fakeRemoteApps struct {
	bound bool
}

func (f *fakeRemoteApps) RemoteApp(common.Address, uint64) (common.Address, uint64, bool) {
	if !f.bound {
		return common.Address{}, 0, false
	}
	return remoteApp, 0, true
}

type fakeMapper struct {
	mapping map[common.Address]common.Address
}

func (f *fakeMapper) MappedAccount(_ common.Address, _ uint64, remote common.Address) common.Address {
	return f.mapping[remote]
}

type failingHook struct {
	err       error
	panicking bool
	calls     map[string]int
}

func newFailingHook(err error) *failingHook {
	return &failingHook{err: err, calls: make(map[string]int)}
}

func (h *failingHook) fail(site string) error {
	h.calls[site]++
	if h.panicking {
		panic("hook exploded")
	}
	return h.err
}

func (h *failingHook) OnSettleLiquidity(uint64, uint64, uint64, common.Address) error {
	return h.fail(events.HookSiteSettleLiquidity)
}

func (h *failingHook) OnSettleTotalLiquidity(uint64, uint64, uint64) error {
	return h.fail(events.HookSiteSettleTotalLiquidity)
}

func (h *failingHook) OnSettleData(uint64, uint64, uint64, common.Hash) error {
	return h.fail(events.HookSiteSettleData)
}

func (h *failingHook) OnMapAccounts(uint64, []common.Address, []common.Address) error {
	return h.fail(events.HookSiteMapAccounts)
}

type remoteHarness struct {
	chronicle  *RemoteChronicle
	settings   *fakeSettings
	roots      *fakeRoots
	remoteApps *fakeRemoteApps
	mapper     *fakeMapper
	emitter    *events.Recorder
}

func newRemoteHarness(t *testing.T) *remoteHarness {
	t.Helper()
	h := &remoteHarness{
		settings: &fakeSettings{settings: map[common.Address]Settings{
			testApp: {Registered: true, Settler: settler},
		}},
		roots:      &fakeRoots{liquidity: make(map[rootCoord]common.Hash), data: make(map[rootCoord]common.Hash)},
		remoteApps: &fakeRemoteApps{bound: true},
		mapper:     &fakeMapper{mapping: make(map[common.Address]common.Address)},
		emitter:    &events.Recorder{},
	}
	c, err := NewRemoteChronicle(testApp, remoteChain, testVersion, RemoteDeps{
		Settings:   h.settings,
		Roots:      h.roots,
		RemoteApps: h.remoteApps,
		Mapper:     h.mapper,
		Emitter:    h.emitter,
	})
	if err != nil {
		t.Fatalf("new remote chronicle: %v", err)
	}
	h.chronicle = c
	return h
}

// publishRoot builds an aggregate tree embedding the per-app root for the
// remote app at the given timestamp and stores it with the root source,
// returning the per-app root and its inclusion proof.
func (h *remoteHarness) publishRoot(axis string, timestamp uint64) (common.Hash, []common.Hash) {
	appRoot := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-root-%d", axis, timestamp)))
	agg := merkle.NewAccumulator()
	agg.Upsert(AccountKey(remoteApp), appRoot)
	// Unrelated apps share the aggregate tree.
	agg.Upsert(crypto.Keccak256Hash([]byte("other-app")), crypto.Keccak256Hash([]byte("other-root")))
	proof, ok := agg.Prove(AccountKey(remoteApp))
	if !ok {
		panic("no proof for app leaf")
	}
	coord := rootCoord{remoteChain, testVersion, timestamp}
	if axis == "liquidity" {
		h.roots.liquidity[coord] = agg.Root()
	} else {
		h.roots.data[coord] = agg.Root()
	}
	return appRoot, proof
}

func (h *remoteHarness) liquidityParams(timestamp uint64, accounts []common.Address, amounts []int64, isContract []bool, total int64) SettleLiquidityParams {
	appRoot, proof := h.publishRoot("liquidity", timestamp)
	liq := make([]*big.Int, len(amounts))
	for i, v := range amounts {
		liq[i] = big.NewInt(v)
	}
	return SettleLiquidityParams{
		Timestamp:      timestamp,
		Accounts:       accounts,
		Liquidity:      liq,
		IsContract:     isContract,
		TotalLiquidity: big.NewInt(total),
		LiquidityRoot:  appRoot,
		Proof:          proof,
	}
}

func (h *remoteHarness) dataParams(timestamp uint64, keys []common.Hash, values [][]byte) SettleDataParams {
	appRoot, proof := h.publishRoot("data", timestamp)
	return SettleDataParams{
		Timestamp: timestamp,
		Keys:      keys,
		Values:    values,
		DataRoot:  appRoot,
		Proof:     proof,
	}
}

func TestSettleLiquidityForbidden(t *testing.T) {
	h := newRemoteHarness(t)
	params := h.liquidityParams(10, nil, nil, nil, 0)
	if err := h.chronicle.SettleLiquidity(carol, params); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSettleLiquidityDuplicateRejected(t *testing.T) {
	h := newRemoteHarness(t)
	params := h.liquidityParams(10, []common.Address{carol}, []int64{100}, []bool{false}, 100)
	if err := h.chronicle.SettleLiquidity(settler, params); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := h.chronicle.SettleLiquidity(settler, params); !errors.Is(err, ErrLiquidityAlreadySettled) {
		t.Fatalf("expected ErrLiquidityAlreadySettled, got %v", err)
	}
	// First call's effects are unchanged.
	if got := h.chronicle.GetLiquidity(carol); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("carol liquidity = %s, want 100", got)
	}
}

func TestSettleLiquidityStaleTimestamp(t *testing.T) {
	h := newRemoteHarness(t)
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(20, nil, nil, nil, 0)); err != nil {
		t.Fatalf("settle t=20: %v", err)
	}
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(15, nil, nil, nil, 0)); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestSettleLiquidityInvalidLengths(t *testing.T) {
	h := newRemoteHarness(t)
	params := h.liquidityParams(10, []common.Address{carol, dave}, []int64{1}, []bool{false, false}, 1)
	if err := h.chronicle.SettleLiquidity(settler, params); !errors.Is(err, ErrInvalidArrayLengths) {
		t.Fatalf("expected ErrInvalidArrayLengths, got %v", err)
	}
}

func TestSettleLiquidityRootNotReceived(t *testing.T) {
	h := newRemoteHarness(t)
	params := h.liquidityParams(10, nil, nil, nil, 0)
	params.Timestamp = 11 // no root on file for t=11
	if err := h.chronicle.SettleLiquidity(settler, params); !errors.Is(err, ErrRootNotReceived) {
		t.Fatalf("expected ErrRootNotReceived, got %v", err)
	}
}

func TestSettleLiquidityRemoteAppNotSet(t *testing.T) {
	h := newRemoteHarness(t)
	h.remoteApps.bound = false
	params := h.liquidityParams(10, nil, nil, nil, 0)
	if err := h.chronicle.SettleLiquidity(settler, params); !errors.Is(err, ErrRemoteAppNotSet) {
		t.Fatalf("expected ErrRemoteAppNotSet, got %v", err)
	}
}

func TestSettleLiquidityInvalidProof(t *testing.T) {
	h := newRemoteHarness(t)
	params := h.liquidityParams(10, []common.Address{carol}, []int64{1}, []bool{false}, 1)
	params.LiquidityRoot = crypto.Keccak256Hash([]byte("forged"))
	if err := h.chronicle.SettleLiquidity(settler, params); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if h.chronicle.IsLiquiditySettled(10) {
		t.Fatal("failed settlement must not mark the timestamp settled")
	}
}

func TestTotalLiquiditySettlerAuthoritative(t *testing.T) {
	h := newRemoteHarness(t)
	hundred := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	twoHundred := new(big.Int).Mul(big.NewInt(200), big.NewInt(1e18))
	fiveHundred := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))

	appRoot, proof := h.publishRoot("liquidity", 10)
	params := SettleLiquidityParams{
		Timestamp:      10,
		Accounts:       []common.Address{carol, dave},
		Liquidity:      []*big.Int{hundred, twoHundred},
		IsContract:     []bool{false, false},
		TotalLiquidity: fiveHundred,
		LiquidityRoot:  appRoot,
		Proof:          proof,
	}
	if err := h.chronicle.SettleLiquidity(settler, params); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The total is stored verbatim, never recomputed from the subset.
	if got := h.chronicle.GetTotalLiquidity(); got.Cmp(fiveHundred) != 0 {
		t.Fatalf("total = %s, want %s", got, fiveHundred)
	}
}

func TestMappingPolicyMatrix(t *testing.T) {
	contractAcct := common.HexToAddress("0xbb000000000000000000000000000000000000c0")
	eoaAcct := common.HexToAddress("0xbb000000000000000000000000000000000000e0")
	mappedRemote := common.HexToAddress("0xbb000000000000000000000000000000000000d0")
	mappedLocal := common.HexToAddress("0xbb000000000000000000000000000000000000d1")

	cases := []struct {
		name           string
		mappedOnly     bool
		wantContract   int64 // expected liquidity recorded for the unmapped contract
		wantEOA        int64
		wantMappedView int64 // liquidity visible under the mapped local address
	}{
		{name: "default records unmapped contracts", mappedOnly: false, wantContract: 300, wantEOA: 1000, wantMappedView: 50},
		{name: "mappedOnly skips unmapped contracts", mappedOnly: true, wantContract: 0, wantEOA: 1000, wantMappedView: 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newRemoteHarness(t)
			h.settings.settings[testApp] = Settings{
				Registered:             true,
				Settler:                settler,
				SyncMappedAccountsOnly: tc.mappedOnly,
			}
			h.mapper.mapping[mappedRemote] = mappedLocal

			params := h.liquidityParams(10,
				[]common.Address{contractAcct, eoaAcct, mappedRemote},
				[]int64{300, 1000, 50},
				[]bool{true, false, true},
				1350)
			if err := h.chronicle.SettleLiquidity(settler, params); err != nil {
				t.Fatalf("settle: %v", err)
			}

			if got := h.chronicle.GetLiquidity(contractAcct); got.Cmp(big.NewInt(tc.wantContract)) != 0 {
				t.Fatalf("unmapped contract liquidity = %s, want %d", got, tc.wantContract)
			}
			if got := h.chronicle.GetLiquidity(eoaAcct); got.Cmp(big.NewInt(tc.wantEOA)) != 0 {
				t.Fatalf("unmapped EOA liquidity = %s, want %d", got, tc.wantEOA)
			}
			if got := h.chronicle.GetLiquidity(mappedLocal); got.Cmp(big.NewInt(tc.wantMappedView)) != 0 {
				t.Fatalf("mapped local liquidity = %s, want %d", got, tc.wantMappedView)
			}
			// The original remote identity of a mapped account reads back zero.
			if got := h.chronicle.GetLiquidity(mappedRemote); got.Sign() != 0 {
				t.Fatalf("mapped remote identity should read 0, got %s", got)
			}
			// The skipped contract still counts toward the settler total.
			if got := h.chronicle.GetTotalLiquidity(); got.Cmp(big.NewInt(1350)) != 0 {
				t.Fatalf("total = %s, want 1350", got)
			}
		})
	}
}

func TestSettleDataIndependentAxis(t *testing.T) {
	h := newRemoteHarness(t)
	key := common.HexToHash("0x01")

	params := h.dataParams(10, []common.Hash{key}, [][]byte{[]byte("payload")})
	if err := h.chronicle.SettleData(settler, params); err != nil {
		t.Fatalf("settle data: %v", err)
	}
	if err := h.chronicle.SettleData(settler, params); !errors.Is(err, ErrDataAlreadySettled) {
		t.Fatalf("expected ErrDataAlreadySettled, got %v", err)
	}
	if got := h.chronicle.GetData(key); string(got) != "payload" {
		t.Fatalf("data = %q", got)
	}
	if h.chronicle.IsLiquiditySettled(10) {
		t.Fatal("data settlement must not touch the liquidity axis")
	}
	if got := h.chronicle.LastSettledDataTimestamp(); got != 10 {
		t.Fatalf("last data timestamp = %d, want 10", got)
	}
}

func TestFinalizationIsIntersectionNotMinOfLatest(t *testing.T) {
	h := newRemoteHarness(t)
	const (
		t1 = uint64(10)
		t2 = uint64(20)
		t3 = uint64(30)
	)

	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(t1, nil, nil, nil, 0)); err != nil {
		t.Fatalf("liq t1: %v", err)
	}
	if err := h.chronicle.SettleData(settler, h.dataParams(t1, nil, nil)); err != nil {
		t.Fatalf("data t1: %v", err)
	}
	if err := h.chronicle.SettleData(settler, h.dataParams(t2, nil, nil)); err != nil {
		t.Fatalf("data t2: %v", err)
	}
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(t3, nil, nil, nil, 0)); err != nil {
		t.Fatalf("liq t3: %v", err)
	}

	if !h.chronicle.IsFinalized(t1) {
		t.Fatal("t1 settled on both axes must be finalized")
	}
	if h.chronicle.IsFinalized(t2) {
		t.Fatal("t2 settled only on the data axis must not be finalized")
	}
	if h.chronicle.IsFinalized(t3) {
		t.Fatal("t3 settled only on the liquidity axis must not be finalized")
	}
	// Floor of the actual finalized set {t1}, not min(latest-liq, latest-data).
	if got := h.chronicle.FinalizedTimestampAt(t2 + 1); got != t1 {
		t.Fatalf("finalized floor at t2+1 = %d, want %d", got, t1)
	}
	if got := h.chronicle.LastFinalizedTimestamp(); got != t1 {
		t.Fatalf("last finalized = %d, want %d", got, t1)
	}

	finalizedEvents := h.emitter.ByType(events.EventFinalized)
	if len(finalizedEvents) != 1 {
		t.Fatalf("expected exactly one Finalized event, got %d", len(finalizedEvents))
	}
}

func TestFinalizationCommutesAcrossAxisOrder(t *testing.T) {
	h := newRemoteHarness(t)
	// Data first, liquidity second.
	if err := h.chronicle.SettleData(settler, h.dataParams(10, nil, nil)); err != nil {
		t.Fatalf("data: %v", err)
	}
	if h.chronicle.IsFinalized(10) {
		t.Fatal("single-axis settlement must not finalize")
	}
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(10, nil, nil, nil, 0)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if !h.chronicle.IsFinalized(10) {
		t.Fatal("dual settlement must finalize regardless of order")
	}
}

func TestHookFailuresAreIsolated(t *testing.T) {
	h := newRemoteHarness(t)
	hook := newFailingHook(errors.New("app is broken"))
	h.settings.settings[testApp] = Settings{
		Registered: true,
		Settler:    settler,
		UseHook:    true,
		Hook:       hook,
	}

	params := h.liquidityParams(10, []common.Address{carol, dave}, []int64{1, 2}, []bool{false, false}, 3)
	if err := h.chronicle.SettleLiquidity(settler, params); err != nil {
		t.Fatalf("settle must succeed despite hook failures: %v", err)
	}
	if !h.chronicle.IsLiquiditySettled(10) {
		t.Fatal("hook failure must not prevent settlement")
	}

	failures := h.emitter.ByType(events.EventHookFailed)
	// One per recorded account plus one for the total callback.
	if len(failures) != 3 {
		t.Fatalf("expected 3 HookFailed events, got %d", len(failures))
	}
	bySite := make(map[string]int)
	for _, e := range failures {
		hf := e.(events.HookFailed)
		bySite[hf.Site]++
		if string(hf.Reason) != "app is broken" {
			t.Fatalf("failure reason = %q", hf.Reason)
		}
	}
	if bySite[events.HookSiteSettleLiquidity] != 2 || bySite[events.HookSiteSettleTotalLiquidity] != 1 {
		t.Fatalf("unexpected site distribution: %v", bySite)
	}

	dataParams := h.dataParams(20, []common.Hash{{0x01}, {0x02}}, [][]byte{[]byte("a"), []byte("b")})
	if err := h.chronicle.SettleData(settler, dataParams); err != nil {
		t.Fatalf("settle data: %v", err)
	}
	if !h.chronicle.IsDataSettled(20) {
		t.Fatal("hook failure must not prevent data settlement")
	}
	dataFailures := 0
	for _, e := range h.emitter.ByType(events.EventHookFailed) {
		if e.(events.HookFailed).Site == events.HookSiteSettleData {
			dataFailures++
		}
	}
	if dataFailures != 2 {
		t.Fatalf("expected 2 data hook failures, got %d", dataFailures)
	}
}

func TestHookPanicIsolated(t *testing.T) {
	h := newRemoteHarness(t)
	hook := newFailingHook(nil)
	hook.panicking = true
	h.settings.settings[testApp] = Settings{
		Registered: true,
		Settler:    settler,
		UseHook:    true,
		Hook:       hook,
	}

	params := h.liquidityParams(10, []common.Address{carol}, []int64{1}, []bool{false}, 1)
	if err := h.chronicle.SettleLiquidity(settler, params); err != nil {
		t.Fatalf("settle must survive a panicking hook: %v", err)
	}
	if !h.chronicle.IsLiquiditySettled(10) {
		t.Fatal("panicking hook must not prevent settlement")
	}
	failures := h.emitter.ByType(events.EventHookFailed)
	if len(failures) == 0 {
		t.Fatal("expected HookFailed events for the panic")
	}
}

func TestSettledCursorFloorQueries(t *testing.T) {
	h := newRemoteHarness(t)
	for _, ts := range []uint64{10, 25, 40} {
		if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(ts, nil, nil, nil, 0)); err != nil {
			t.Fatalf("settle %d: %v", ts, err)
		}
	}
	if got := h.chronicle.SettledLiquidityTimestampAt(9); got != 0 {
		t.Fatalf("floor(9) = %d, want 0", got)
	}
	if got := h.chronicle.SettledLiquidityTimestampAt(26); got != 25 {
		t.Fatalf("floor(26) = %d, want 25", got)
	}
	if got := h.chronicle.LastSettledLiquidityTimestamp(); got != 40 {
		t.Fatalf("last = %d, want 40", got)
	}
}

func TestNewRemoteChronicleRejectsZeroChain(t *testing.T) {
	h := newRemoteHarness(t)
	_, err := NewRemoteChronicle(testApp, 0, 1, RemoteDeps{
		Settings:   h.settings,
		Roots:      h.roots,
		RemoteApps: h.remoteApps,
	})
	if !errors.Is(err, ErrInvalidChainIdentifier) {
		t.Fatalf("expected ErrInvalidChainIdentifier, got %v", err)
	}
}

func TestRemoteHistoricalLiquidityQueries(t *testing.T) {
	h := newRemoteHarness(t)
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(10, []common.Address{carol}, []int64{5}, []bool{false}, 5)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := h.chronicle.SettleLiquidity(settler, h.liquidityParams(20, []common.Address{carol}, []int64{9}, []bool{false}, 9)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := h.chronicle.GetLiquidityAt(carol, 15); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("liquidity at 15 = %s, want 5", got)
	}
	if got := h.chronicle.GetTotalLiquidityAt(20); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("total at 20 = %s, want 9", got)
	}
	if got := h.chronicle.GetLiquidityAt(carol, 9); got.Sign() != 0 {
		t.Fatalf("liquidity before first settlement = %s, want 0", got)
	}
}
