package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/chronicle"
)

// ErrAlreadyMapped indicates the remote account already has a local mapping.
var ErrAlreadyMapped = errors.New("registry: remote account already mapped")

// ErrLocalAlreadyInUse indicates the local target is already claimed by a
// different remote account for the same (app, remote chain).
var ErrLocalAlreadyInUse = errors.New("registry: local account already in use")

// ErrInvalidLengths indicates mismatched remote/local arrays in a bulk
// mapping request.
var ErrInvalidLengths = errors.New("registry: invalid lengths")

type mapScope struct {
	app           common.Address
	remoteChainID uint64
}

// AccountMap stores remote-to-local account mappings per (app, remote chain).
// It implements chronicle.AccountMapper and drives the app's OnMapAccounts
// hook through the same isolation rule the settlement path uses: hook
// failures are reported to the observer callback, never to the caller.
type AccountMap struct {
	mu       sync.RWMutex
	forward  map[mapScope]map[common.Address]common.Address
	reverse  map[mapScope]map[common.Address]common.Address
	settings chronicle.SettingsSource
	onFail   func(app common.Address, remoteChainID uint64, reason []byte)
}

// NewAccountMap constructs an empty mapping table. The settings source is
// consulted for the hook; onFail (optional) observes isolated hook failures.
func NewAccountMap(settings chronicle.SettingsSource, onFail func(app common.Address, remoteChainID uint64, reason []byte)) *AccountMap {
	return &AccountMap{
		forward:  make(map[mapScope]map[common.Address]common.Address),
		reverse:  make(map[mapScope]map[common.Address]common.Address),
		settings: settings,
		onFail:   onFail,
	}
}

// MappedAccount implements chronicle.AccountMapper. The zero address means
// unmapped.
func (m *AccountMap) MappedAccount(app common.Address, remoteChainID uint64, remoteAccount common.Address) common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scope := mapScope{app: app, remoteChainID: remoteChainID}
	return m.forward[scope][remoteAccount]
}

// Map records mappings from remote accounts to local accounts for
// (app, remote chain). Every remote account must be unmapped and every local
// target unused; on success the app's OnMapAccounts hook is invoked through
// the isolation boundary.
func (m *AccountMap) Map(app common.Address, remoteChainID uint64, remoteAccounts, localAccounts []common.Address) error {
	if len(remoteAccounts) != len(localAccounts) {
		return ErrInvalidLengths
	}
	m.mu.Lock()
	scope := mapScope{app: app, remoteChainID: remoteChainID}
	forward, ok := m.forward[scope]
	if !ok {
		forward = make(map[common.Address]common.Address)
		m.forward[scope] = forward
	}
	reverse, ok := m.reverse[scope]
	if !ok {
		reverse = make(map[common.Address]common.Address)
		m.reverse[scope] = reverse
	}
	// Validate the whole batch before applying any of it, including
	// duplicates within the batch itself.
	seenRemote := make(map[common.Address]struct{}, len(remoteAccounts))
	seenLocal := make(map[common.Address]struct{}, len(localAccounts))
	for i, remote := range remoteAccounts {
		local := localAccounts[i]
		if _, exists := forward[remote]; exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyMapped, remote.Hex())
		}
		if _, exists := seenRemote[remote]; exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyMapped, remote.Hex())
		}
		if _, exists := reverse[local]; exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrLocalAlreadyInUse, local.Hex())
		}
		if _, exists := seenLocal[local]; exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrLocalAlreadyInUse, local.Hex())
		}
		seenRemote[remote] = struct{}{}
		seenLocal[local] = struct{}{}
	}
	for i, remote := range remoteAccounts {
		forward[remote] = localAccounts[i]
		reverse[localAccounts[i]] = remote
	}
	m.mu.Unlock()

	if m.settings == nil {
		return nil
	}
	settings, ok := m.settings.AppSettings(app)
	if !ok || !settings.UseHook || settings.Hook == nil {
		return nil
	}
	if reason, failed := isolateMapHook(settings.Hook, remoteChainID, remoteAccounts, localAccounts); failed && m.onFail != nil {
		m.onFail(app, remoteChainID, reason)
	}
	return nil
}

func isolateMapHook(hook chronicle.Hook, remoteChainID uint64, remoteAccounts, localAccounts []common.Address) (reason []byte, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			reason = []byte(fmt.Sprintf("panic: %v", r))
			failed = true
		}
	}()
	if err := hook.OnMapAccounts(remoteChainID, remoteAccounts, localAccounts); err != nil {
		return []byte(err.Error()), true
	}
	return nil, false
}
