// Package registry holds the collaborator state the settlement core consults:
// per-app settings, remote-app bindings, relay-delivered aggregate roots and
// the account mapping table.
package registry

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liqmatrix/chronicle"
)

// ErrAppNotRegistered indicates settings were requested for an unknown app.
var ErrAppNotRegistered = errors.New("registry: app not registered")

// ErrRemoteAppAlreadySet indicates a binding already exists for the
// (app, remote chain) pair.
var ErrRemoteAppAlreadySet = errors.New("registry: remote app already set")

type remoteBinding struct {
	app   common.Address
	index uint64
}

// AppRegistry stores per-app settlement settings and the remote counterpart
// bound per (app, remote chain). It implements chronicle.SettingsSource and
// chronicle.RemoteAppSource.
type AppRegistry struct {
	mu       sync.RWMutex
	settings map[common.Address]chronicle.Settings
	bindings map[common.Address]map[uint64]remoteBinding
	nextIdx  map[common.Address]uint64
}

// NewAppRegistry constructs an empty registry.
func NewAppRegistry() *AppRegistry {
	return &AppRegistry{
		settings: make(map[common.Address]chronicle.Settings),
		bindings: make(map[common.Address]map[uint64]remoteBinding),
		nextIdx:  make(map[common.Address]uint64),
	}
}

// Register records the settings for an app, overwriting any previous entry.
// The Registered flag is forced on.
func (r *AppRegistry) Register(app common.Address, settings chronicle.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings.Registered = true
	r.settings[app] = settings
}

// UpdateSettings replaces the mutable flags for a registered app.
func (r *AppRegistry) UpdateSettings(app common.Address, syncMappedAccountsOnly, useHook bool, settler common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings, ok := r.settings[app]
	if !ok {
		return ErrAppNotRegistered
	}
	settings.SyncMappedAccountsOnly = syncMappedAccountsOnly
	settings.UseHook = useHook
	settings.Settler = settler
	r.settings[app] = settings
	return nil
}

// AppSettings implements chronicle.SettingsSource.
func (r *AppRegistry) AppSettings(app common.Address) (chronicle.Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	settings, ok := r.settings[app]
	return settings, ok
}

// BindRemoteApp records the counterpart identity for (app, remoteChain) and
// assigns it the next binding index. Rebinding an occupied pair fails.
func (r *AppRegistry) BindRemoteApp(app common.Address, remoteChainID uint64, remoteApp common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.settings[app]; !ok {
		return 0, ErrAppNotRegistered
	}
	byChain, ok := r.bindings[app]
	if !ok {
		byChain = make(map[uint64]remoteBinding)
		r.bindings[app] = byChain
	}
	if _, ok := byChain[remoteChainID]; ok {
		return 0, ErrRemoteAppAlreadySet
	}
	idx := r.nextIdx[app]
	r.nextIdx[app] = idx + 1
	byChain[remoteChainID] = remoteBinding{app: remoteApp, index: idx}
	return idx, nil
}

// RemoteApp implements chronicle.RemoteAppSource.
func (r *AppRegistry) RemoteApp(app common.Address, remoteChainID uint64) (common.Address, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byChain, ok := r.bindings[app]
	if !ok {
		return common.Address{}, 0, false
	}
	binding, ok := byChain[remoteChainID]
	if !ok {
		return common.Address{}, 0, false
	}
	return binding.app, binding.index, true
}
