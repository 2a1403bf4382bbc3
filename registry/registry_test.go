package registry

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"liqmatrix/chronicle"
)

var (
	appA      = common.HexToAddress("0xdd00000000000000000000000000000000000001")
	appB      = common.HexToAddress("0xdd00000000000000000000000000000000000002")
	settlerA  = common.HexToAddress("0xdd00000000000000000000000000000000000003")
	remoteOne = common.HexToAddress("0xdd00000000000000000000000000000000000011")
	remoteTwo = common.HexToAddress("0xdd00000000000000000000000000000000000012")
	localOne  = common.HexToAddress("0xdd00000000000000000000000000000000000021")
	localTwo  = common.HexToAddress("0xdd00000000000000000000000000000000000022")
)

func TestAppRegistryRegisterAndUpdate(t *testing.T) {
	r := NewAppRegistry()

	_, ok := r.AppSettings(appA)
	require.False(t, ok)
	require.ErrorIs(t, r.UpdateSettings(appA, false, false, settlerA), ErrAppNotRegistered)

	r.Register(appA, chronicle.Settings{Settler: settlerA})
	settings, ok := r.AppSettings(appA)
	require.True(t, ok)
	require.True(t, settings.Registered, "Register must force the flag on")
	require.Equal(t, settlerA, settings.Settler)

	require.NoError(t, r.UpdateSettings(appA, true, true, settlerA))
	settings, _ = r.AppSettings(appA)
	require.True(t, settings.SyncMappedAccountsOnly)
	require.True(t, settings.UseHook)
}

func TestAppRegistryBindRemoteApp(t *testing.T) {
	r := NewAppRegistry()
	r.Register(appA, chronicle.Settings{Settler: settlerA})

	_, err := r.BindRemoteApp(appB, 5, remoteOne)
	require.ErrorIs(t, err, ErrAppNotRegistered)

	idx, err := r.BindRemoteApp(appA, 5, remoteOne)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	idx, err = r.BindRemoteApp(appA, 6, remoteTwo)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx, "binding indices increment per app")

	_, err = r.BindRemoteApp(appA, 5, remoteTwo)
	require.ErrorIs(t, err, ErrRemoteAppAlreadySet)

	bound, boundIdx, ok := r.RemoteApp(appA, 5)
	require.True(t, ok)
	require.Equal(t, remoteOne, bound)
	require.Equal(t, uint64(0), boundIdx)

	_, _, ok = r.RemoteApp(appA, 99)
	require.False(t, ok)
}

func TestRootStoreImmutableOnceReceived(t *testing.T) {
	s := NewRootStore()
	root := crypto.Keccak256Hash([]byte("root-1"))
	other := crypto.Keccak256Hash([]byte("root-2"))

	require.Equal(t, common.Hash{}, s.LiquidityRootAt(1, 1, 10), "absent coordinate reads the zero hash")

	require.NoError(t, s.SetLiquidityRoot(1, 1, 10, root))
	require.Equal(t, root, s.LiquidityRootAt(1, 1, 10))

	// Identical redelivery is a relay retry, not a conflict.
	require.NoError(t, s.SetLiquidityRoot(1, 1, 10, root))
	require.ErrorIs(t, s.SetLiquidityRoot(1, 1, 10, other), ErrRootMismatch)
	require.Equal(t, root, s.LiquidityRootAt(1, 1, 10), "rejected redelivery must not overwrite")

	require.ErrorIs(t, s.SetDataRoot(1, 1, 10, common.Hash{}), ErrZeroRoot)

	// The axes are independent coordinate spaces.
	require.NoError(t, s.SetDataRoot(1, 1, 10, other))
	require.Equal(t, other, s.DataRootAt(1, 1, 10))
	require.Equal(t, root, s.LiquidityRootAt(1, 1, 10))
}

type staticSettings struct {
	settings chronicle.Settings
}

func (s staticSettings) AppSettings(common.Address) (chronicle.Settings, bool) {
	return s.settings, true
}

type mapHook struct {
	calls int
	err   error
}

func (h *mapHook) OnSettleLiquidity(uint64, uint64, uint64, common.Address) error { return nil }
func (h *mapHook) OnSettleTotalLiquidity(uint64, uint64, uint64) error            { return nil }
func (h *mapHook) OnSettleData(uint64, uint64, uint64, common.Hash) error         { return nil }

func (h *mapHook) OnMapAccounts(uint64, []common.Address, []common.Address) error {
	h.calls++
	return h.err
}

func TestAccountMapBasicMapping(t *testing.T) {
	m := NewAccountMap(nil, nil)

	require.Equal(t, common.Address{}, m.MappedAccount(appA, 5, remoteOne))
	require.NoError(t, m.Map(appA, 5, []common.Address{remoteOne}, []common.Address{localOne}))
	require.Equal(t, localOne, m.MappedAccount(appA, 5, remoteOne))

	// Scoped per (app, chain): other scopes see nothing.
	require.Equal(t, common.Address{}, m.MappedAccount(appB, 5, remoteOne))
	require.Equal(t, common.Address{}, m.MappedAccount(appA, 6, remoteOne))
}

func TestAccountMapConflictsAreAtomic(t *testing.T) {
	m := NewAccountMap(nil, nil)
	require.NoError(t, m.Map(appA, 5, []common.Address{remoteOne}, []common.Address{localOne}))

	err := m.Map(appA, 5, []common.Address{remoteTwo, remoteOne}, []common.Address{localTwo, localTwo})
	require.ErrorIs(t, err, ErrAlreadyMapped)
	// The valid first pair of the rejected batch must not have been applied.
	require.Equal(t, common.Address{}, m.MappedAccount(appA, 5, remoteTwo))

	err = m.Map(appA, 5, []common.Address{remoteTwo}, []common.Address{localOne})
	require.ErrorIs(t, err, ErrLocalAlreadyInUse)

	err = m.Map(appA, 5, []common.Address{remoteTwo, remoteTwo}, []common.Address{localTwo, localTwo})
	require.ErrorIs(t, err, ErrAlreadyMapped, "in-batch duplicates rejected")
	require.Equal(t, common.Address{}, m.MappedAccount(appA, 5, remoteTwo))

	require.ErrorIs(t, m.Map(appA, 5, []common.Address{remoteTwo}, nil), ErrInvalidLengths)
}

func TestAccountMapHookIsolation(t *testing.T) {
	hook := &mapHook{err: errors.New("mapping rejected by app")}
	var failures [][]byte
	m := NewAccountMap(staticSettings{chronicle.Settings{
		Registered: true,
		UseHook:    true,
		Hook:       hook,
	}}, func(_ common.Address, _ uint64, reason []byte) {
		failures = append(failures, reason)
	})

	require.NoError(t, m.Map(appA, 5, []common.Address{remoteOne}, []common.Address{localOne}),
		"hook failure must not fail the mapping")
	require.Equal(t, localOne, m.MappedAccount(appA, 5, remoteOne), "mapping committed despite hook failure")
	require.Equal(t, 1, hook.calls)
	require.Len(t, failures, 1)
	require.Equal(t, "mapping rejected by app", string(failures[0]))
}

func TestAccountMapHookNotCalledWhenDisabled(t *testing.T) {
	hook := &mapHook{}
	m := NewAccountMap(staticSettings{chronicle.Settings{
		Registered: true,
		UseHook:    false,
		Hook:       hook,
	}}, nil)

	require.NoError(t, m.Map(appA, 5, []common.Address{remoteOne}, []common.Address{localOne}))
	require.Equal(t, 0, hook.calls)
}
