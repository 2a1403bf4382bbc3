package chronicle

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain tags keep local and remote derivations disjoint.
var (
	localSalt  = []byte("liqmatrix/local")
	remoteSalt = []byte("liqmatrix/remote")
)

// Deployer instantiates chronicles at deterministic, collision-checked
// addresses derived from their identifying tuple. Deploying twice for
// identical parameters fails; redeploying an app means picking a new version,
// which yields a fresh, isolated instance rather than mutating shared state.
//
// Only the aggregator may deploy.
type Deployer struct {
	mu sync.Mutex

	aggregator common.Address
	deps       RemoteDeps
	reporter   RootReporter

	locals  map[common.Address]*LocalChronicle
	remotes map[common.Address]*RemoteChronicle
}

// NewDeployer constructs a deployer owned by the aggregator. The reporter is
// handed to every local chronicle; deps to every remote chronicle.
func NewDeployer(aggregator common.Address, reporter RootReporter, deps RemoteDeps) *Deployer {
	return &Deployer{
		aggregator: aggregator,
		deps:       deps,
		reporter:   reporter,
		locals:     make(map[common.Address]*LocalChronicle),
		remotes:    make(map[common.Address]*RemoteChronicle),
	}
}

func saltedAddress(tag []byte, words ...[]byte) common.Address {
	data := append([]byte{}, tag...)
	for _, w := range words {
		data = append(data, w...)
	}
	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:])
}

func uint64Bytes(v uint64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf[:]
}

// ComputeLocalAddress derives the address a local chronicle for (app, version)
// deploys at.
func ComputeLocalAddress(app common.Address, version uint64) common.Address {
	return saltedAddress(localSalt, app.Bytes(), uint64Bytes(version))
}

// ComputeRemoteAddress derives the address a remote chronicle for
// (app, remoteChain, version) deploys at.
func ComputeRemoteAddress(app common.Address, remoteChainID, version uint64) common.Address {
	return saltedAddress(remoteSalt, app.Bytes(), uint64Bytes(remoteChainID), uint64Bytes(version))
}

// DeployLocal instantiates the local chronicle for (app, version) at its
// computed address. ErrAlreadyDeployed when the slot is taken.
func (d *Deployer) DeployLocal(caller, app common.Address, version uint64) (*LocalChronicle, common.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if caller != d.aggregator {
		return nil, common.Address{}, ErrForbidden
	}
	addr := ComputeLocalAddress(app, version)
	if _, exists := d.locals[addr]; exists {
		return nil, common.Address{}, ErrAlreadyDeployed
	}
	c := NewLocalChronicle(d.aggregator, app, version, d.reporter)
	d.locals[addr] = c
	return c, addr, nil
}

// DeployRemote instantiates the remote chronicle for (app, remoteChain,
// version) at its computed address. ErrAlreadyDeployed when the slot is taken.
func (d *Deployer) DeployRemote(caller, app common.Address, remoteChainID, version uint64) (*RemoteChronicle, common.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if caller != d.aggregator {
		return nil, common.Address{}, ErrForbidden
	}
	addr := ComputeRemoteAddress(app, remoteChainID, version)
	if _, exists := d.remotes[addr]; exists {
		return nil, common.Address{}, ErrAlreadyDeployed
	}
	c, err := NewRemoteChronicle(app, remoteChainID, version, d.deps)
	if err != nil {
		return nil, common.Address{}, err
	}
	d.remotes[addr] = c
	return c, addr, nil
}

// LocalAt returns the local chronicle deployed at addr.
func (d *Deployer) LocalAt(addr common.Address) (*LocalChronicle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.locals[addr]
	return c, ok
}

// RemoteAt returns the remote chronicle deployed at addr.
func (d *Deployer) RemoteAt(addr common.Address) (*RemoteChronicle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.remotes[addr]
	return c, ok
}

// Local returns the local chronicle for (app, version) when deployed.
func (d *Deployer) Local(app common.Address, version uint64) (*LocalChronicle, bool) {
	return d.LocalAt(ComputeLocalAddress(app, version))
}

// Remote returns the remote chronicle for (app, remoteChain, version) when
// deployed.
func (d *Deployer) Remote(app common.Address, remoteChainID, version uint64) (*RemoteChronicle, bool) {
	return d.RemoteAt(ComputeRemoteAddress(app, remoteChainID, version))
}
