package chronicle

import "errors"

// ErrForbidden indicates the caller is not authorised to mutate the chronicle.
var ErrForbidden = errors.New("chronicle: forbidden")

// ErrStaleTimestamp indicates an append or settlement targeting a timestamp at
// or before the last accepted one. Callers hold stale information and must
// re-derive the next timestamp; retrying the same call can never succeed.
var ErrStaleTimestamp = errors.New("chronicle: stale timestamp")

// ErrInvalidArrayLengths indicates mismatched parallel arrays in a settlement
// batch.
var ErrInvalidArrayLengths = errors.New("chronicle: invalid array lengths")

// ErrLiquidityAlreadySettled indicates a duplicate liquidity settlement for a
// timestamp.
var ErrLiquidityAlreadySettled = errors.New("chronicle: liquidity already settled")

// ErrDataAlreadySettled indicates a duplicate data settlement for a timestamp.
var ErrDataAlreadySettled = errors.New("chronicle: data already settled")

// ErrRootNotReceived indicates the relay has not yet delivered an aggregate
// root for the settlement coordinate. The call may be retried once the root
// lands.
var ErrRootNotReceived = errors.New("chronicle: root not received")

// ErrRemoteAppNotSet indicates no remote counterpart is bound for the app on
// the settlement's source chain.
var ErrRemoteAppNotSet = errors.New("chronicle: remote app not set")

// ErrInvalidProof indicates the settler-supplied per-app root failed
// verification against the received aggregate root.
var ErrInvalidProof = errors.New("chronicle: invalid settlement proof")

// ErrInvalidChainIdentifier indicates a zero or otherwise unusable remote
// chain id.
var ErrInvalidChainIdentifier = errors.New("chronicle: invalid chain identifier")

// ErrAlreadyDeployed indicates a chronicle already exists for the exact
// (app, remote chain, version) tuple. Redeployment requires a new version.
var ErrAlreadyDeployed = errors.New("chronicle: already deployed")

// ErrNotDeployed indicates no chronicle exists for the requested tuple.
var ErrNotDeployed = errors.New("chronicle: not deployed")
