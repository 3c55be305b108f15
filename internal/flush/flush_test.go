package flush

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/dispatch"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

type allLocalRouter struct{ selfNode uint32 }

func (r *allLocalRouter) AuthoritativeNode(name string) uint32 { return r.selfNode }
func (r *allLocalRouter) IsLocal(nodeID uint32) bool           { return nodeID == r.selfNode }

type noopRemoteLocker struct{}

func (noopRemoteLocker) LockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) (bool, error) {
	return false, nil
}
func (noopRemoteLocker) UnlockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) error {
	return nil
}

type unreachableRemoteCounter struct{}

func (unreachableRemoteCounter) RemoteIncrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error {
	return errors.New("remote counter should never be reached in these tests")
}
func (unreachableRemoteCounter) RemoteDecrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error {
	return errors.New("remote counter should never be reached in these tests")
}
func (unreachableRemoteCounter) RemoteOutstandingFlushCount(ctx context.Context, nodeID uint32, vbktName string) (int, error) {
	return 0, errors.New("remote counter should never be reached in these tests")
}

func newTestCoordinator(t *testing.T) (*Coordinator, *refpool.Pool, *refmdm.MDM) {
	t.Helper()

	pool := refpool.New(1)
	mdm := refmdm.New(1)
	locks := bloblock.New(&allLocalRouter{selfNode: 1}, noopRemoteLocker{})
	queue := dispatch.New(1, dispatch.DefaultCapacity)
	t.Cleanup(queue.Shutdown)

	c := New(locks, queue, &allLocalRouter{selfNode: 1}, mdm, unreachableRemoteCounter{}, NewReferencePersister(mdm, pool), Options{PollInterval: 5 * time.Millisecond}, nil)

	return c, pool, mdm
}

func TestFlushBlobWritesContentsToFile(t *testing.T) {
	c, pool, mdm := newTestCoordinator(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)

	buf, ok := pool.AllocateBuffer(target, 5)
	if !ok {
		t.Fatal("alloc failed")
	}
	if err := pool.WriteBuffer(buf, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}

	blobID := mdm.CreateBlob("1/greeting", []ids.BufferID{buf}, 0.5)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	if err := c.FlushBlob(context.Background(), blobID, "vbkt", path, 0, false); err != nil {
		t.Fatalf("FlushBlob failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("flushed file content = %q, want %q", got, "hello")
	}
}

func TestFlushBlobAtOffsetPreservesExistingPrefix(t *testing.T) {
	c, pool, mdm := newTestCoordinator(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)

	buf, _ := pool.AllocateBuffer(target, 5)
	pool.WriteBuffer(buf, []byte("world"), 0)
	blobID := mdm.CreateBlob("1/suffix", []ids.BufferID{buf}, 0.5)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(path, []byte("hello-----"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.FlushBlob(context.Background(), blobID, "vbkt", path, 6, false); err != nil {
		t.Fatalf("FlushBlob failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello-world" {
		t.Errorf("file content = %q, want %q", got, "hello-world")
	}
}

func TestEnqueueFlushingTaskTracksOutstandingCount(t *testing.T) {
	c, pool, mdm := newTestCoordinator(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)
	buf, _ := pool.AllocateBuffer(target, 4)
	pool.WriteBuffer(buf, []byte("data"), 0)
	blobID := mdm.CreateBlob("1/asyncflush", []ids.BufferID{buf}, 0.5)
	mdm.RegisterVBucket("asyncvbkt")

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	if ok := c.EnqueueFlushingTask(context.Background(), blobID, "asyncvbkt", path, 0); !ok {
		t.Fatal("expected task to be accepted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.AwaitAsyncFlushingTasks(ctx, "asyncvbkt"); err != nil {
		t.Fatalf("AwaitAsyncFlushingTasks: %v", err)
	}

	if n := mdm.OutstandingFlushCount("asyncvbkt"); n != 0 {
		t.Errorf("expected outstanding count to settle at 0, got %d", n)
	}
}

func TestEnqueueFlushingTaskRejectsBlobInSwap(t *testing.T) {
	c, pool, mdm := newTestCoordinator(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)
	buf, _ := pool.AllocateBuffer(target, 4)
	pool.WriteBuffer(buf, []byte("data"), 0)
	blobID := mdm.CreateBlob("1/swapped", []ids.BufferID{buf}, 0.5)
	mdm.RegisterVBucket("swappedvbkt")
	mdm.MarkInSwap(blobID)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	if ok := c.EnqueueFlushingTask(context.Background(), blobID, "swappedvbkt", path, 0); ok {
		t.Fatal("expected task to be rejected for a blob currently in swap")
	}

	if n := mdm.OutstandingFlushCount("swappedvbkt"); n != 0 {
		t.Errorf("flush count must not be incremented for a blob in swap, got %d", n)
	}
}

func TestFlushBlobAbortsWhenAlreadyLocked(t *testing.T) {
	c, pool, mdm := newTestCoordinator(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)
	buf, _ := pool.AllocateBuffer(target, 4)
	blobID := mdm.CreateBlob("1/contended", []ids.BufferID{buf}, 0.5)

	unlock, ok := c.locks.LocalLockBlob(blobID)
	if !ok {
		t.Fatal("setup: could not take the initial lock")
	}
	defer unlock()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	if err := c.FlushBlob(context.Background(), blobID, "vbkt", path, 0, false); err != nil {
		t.Fatalf("expected no error when lock is contended, got %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected no file to be written when the blob lock could not be acquired")
	}
}

func TestAwaitAsyncFlushingTasksRespectsContextCancellation(t *testing.T) {
	c, _, mdm := newTestCoordinator(t)

	mdm.RegisterVBucket("stuck")
	mdm.IncrementFlushCount("stuck") // never decremented

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.AwaitAsyncFlushingTasks(ctx, "stuck"); err == nil {
		t.Fatal("expected AwaitAsyncFlushingTasks to return an error once the context is cancelled")
	}
}
