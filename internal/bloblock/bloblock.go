// Package bloblock is the BO's per-blob exclusion primitive: at most one
// Move or Flush runs for a given blob at a time, cluster-wide. Locking is
// try-lock only — a contended lock aborts the caller's task rather than
// queuing it, matching the source's LocalLockBlob/LocalUnlockBlob
// contract. The local half is adapted from the teacher's own named-mutex
// map (pkg/mutexmap); the distributed half routes non-local blobs to
// their authoritative node over RPC.
package bloblock

import (
	"context"
	"fmt"
	"sync"

	"github.com/hermesbo/bufferorganizer/internal/ids"
)

// localTable is the in-process try-lock table, keyed by BlobID. Think of
// it as a bank of named stalls: TryLock either finds the stall empty and
// reserves it, or finds it occupied and fails immediately.
type localTable struct {
	mu    sync.Mutex
	locks map[ids.BlobID]struct{}
}

func newLocalTable() *localTable {
	return &localTable{locks: map[ids.BlobID]struct{}{}}
}

// tryLock reserves blobID for the caller. ok is false if it's already
// held; the caller must not call unlock in that case.
func (t *localTable) tryLock(blobID ids.BlobID) (unlock func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, held := t.locks[blobID]; held {
		return nil, false
	}

	t.locks[blobID] = struct{}{}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.locks, blobID)
	}, true
}

// Router tells the coordinator whether a given node id is this process.
// A blob's authoritative node is simply its BlobID's embedded node id
// (§3's data model), so no name-hash lookup is needed here — unlike
// OrganizeBlob's initial routing (§4.3), which does hash a name to
// decide which node a new blob's ID is minted on.
type Router interface {
	IsLocal(nodeID uint32) bool
}

// RemoteLocker is the RPC-routed half of LockBlob/UnlockBlob (§6). It's
// satisfied structurally by the RPC client so this package never imports
// the transport.
type RemoteLocker interface {
	LockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) (bool, error)
	UnlockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) error
}

// Coordinator is the distributed blob lock: local try-locks for blobs
// this node is authoritative for, RPC calls otherwise.
type Coordinator struct {
	local  *localTable
	router Router
	remote RemoteLocker
}

func New(router Router, remote RemoteLocker) *Coordinator {
	return &Coordinator{
		local:  newLocalTable(),
		router: router,
		remote: remote,
	}
}

// LocalLockBlob is exposed for the RPC server to call directly when
// handling a LockBlob request for a blob this node actually owns; the
// returned unlock func serves its later UnlockBlob request.
func (c *Coordinator) LocalLockBlob(blobID ids.BlobID) (unlock func(), ok bool) {
	return c.local.tryLock(blobID)
}

// Lock acquires the distributed blob lock for blobID. Returns false
// without blocking if the lock is already held — callers must abort
// their task on false rather than retry, per §5's try-lock contract.
func (c *Coordinator) Lock(ctx context.Context, blobID ids.BlobID) (unlock func(), ok bool, err error) {
	node := blobID.NodeID()

	if c.router.IsLocal(node) {
		unlock, ok := c.LocalLockBlob(blobID)
		return unlock, ok, nil
	}

	locked, err := c.remote.LockBlob(ctx, node, blobID)
	if err != nil {
		return nil, false, fmt.Errorf("bloblock: remote lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}

	return func() {
		// Best-effort: the UnlockBlob error is discarded, so an RPC
		// failure here leaves the remote lock held. This is the scope
		// guard §7 mandates for remote-held locks when the caller defers
		// it, so it runs on every exit path of the caller.
		_ = c.remote.UnlockBlob(context.Background(), node, blobID)
	}, true, nil
}
