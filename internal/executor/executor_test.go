package executor

import (
	"bytes"
	"context"
	"log"
	"testing"

	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

type localRouter struct{ selfNode uint32 }

func (r *localRouter) IsLocal(nodeID uint32) bool { return nodeID == r.selfNode }

type noopRemote struct{}

func (noopRemote) LockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) (bool, error) {
	return false, nil
}
func (noopRemote) UnlockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) error {
	return nil
}

func newTestExecutor(t *testing.T) (*Executor, *refpool.Pool, *refmdm.MDM) {
	t.Helper()

	pool := refpool.New(1)
	mdm := refmdm.New(1)
	locks := bloblock.New(&localRouter{selfNode: 1}, noopRemote{})
	exec := New(locks, pool, mdm, log.Default())

	return exec, pool, mdm
}

func TestMoveSingleDestination(t *testing.T) {
	exec, pool, mdm := newTestExecutor(t)

	fast := ids.NewTargetID(1, 0)
	slow := ids.NewTargetID(1, 1)
	pool.DefineTarget(fast, 1000, 1<<20)
	pool.DefineTarget(slow, 100, 1<<20)

	src, ok := pool.AllocateBuffer(fast, 64)
	if !ok {
		t.Fatal("alloc src failed")
	}
	if err := pool.WriteBuffer(src, []byte("payload-data"), 0); err != nil {
		t.Fatal(err)
	}

	blobID := mdm.CreateBlob("bucket/blob", []ids.BufferID{src}, 0.9)

	dest, ok := pool.AllocateBuffer(slow, 64)
	if !ok {
		t.Fatal("alloc dest failed")
	}

	if err := exec.Move(context.Background(), blobID, src, []ids.BufferID{dest}); err != nil {
		t.Fatal(err)
	}

	got, err := pool.ReadBuffer(dest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:12], []byte("payload-data")) {
		t.Errorf("dest content = %q", got[:12])
	}

	list, _ := mdm.BufferIDList(blobID)
	if len(list) != 1 || list[0] != dest {
		t.Errorf("blob buffer list after move = %v, want [%d]", list, dest.AsUint64())
	}

	if _, ok := pool.Header(src); ok {
		t.Error("source buffer should have been released")
	}
}

func TestMoveSplitAcrossTwoDestinations(t *testing.T) {
	exec, pool, mdm := newTestExecutor(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 500, 1<<20)

	src, _ := pool.AllocateBuffer(target, 8)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := pool.WriteBuffer(src, data, 0); err != nil {
		t.Fatal(err)
	}

	blobID := mdm.CreateBlob("bucket/blob2", []ids.BufferID{src}, 0.1)

	dest0, _ := pool.AllocateBuffer(target, 4)
	dest1, _ := pool.AllocateBuffer(target, 4)

	if err := exec.Move(context.Background(), blobID, src, []ids.BufferID{dest0, dest1}); err != nil {
		t.Fatal(err)
	}

	got0, _ := pool.ReadBuffer(dest0, 0)
	got1, _ := pool.ReadBuffer(dest1, 0)

	if !bytes.Equal(got0[:4], data[0:4]) {
		t.Errorf("dest0 = %v, want %v", got0[:4], data[0:4])
	}
	if !bytes.Equal(got1[:4], data[4:8]) {
		t.Errorf("dest1 = %v, want %v", got1[:4], data[4:8])
	}
}

func TestMoveFailsWhenDestinationsTooSmall(t *testing.T) {
	exec, pool, mdm := newTestExecutor(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 500, 1<<20)

	src, _ := pool.AllocateBuffer(target, 16)
	pool.WriteBuffer(src, make([]byte, 16), 0)

	blobID := mdm.CreateBlob("bucket/blob3", []ids.BufferID{src}, 0.1)

	dest, _ := pool.AllocateBuffer(target, 4) // too small to cover 16 bytes

	if err := exec.Move(context.Background(), blobID, src, []ids.BufferID{dest}); err != ErrSizeMismatch {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestCopyLeavesSourceLive(t *testing.T) {
	exec, pool, mdm := newTestExecutor(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 500, 1<<20)

	src, _ := pool.AllocateBuffer(target, 4)
	pool.WriteBuffer(src, []byte("abcd"), 0)

	blobID := mdm.CreateBlob("bucket/blob4", []ids.BufferID{src}, 0.1)

	dest, err := exec.Copy(context.Background(), blobID, src, target)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := pool.Header(src); !ok {
		t.Error("source should still exist after Copy")
	}

	list, _ := mdm.BufferIDList(blobID)
	if len(list) != 2 {
		t.Errorf("blob should reference both buffers after copy, got %v", list)
	}

	got, _ := pool.ReadBuffer(dest, 0)
	if !bytes.Equal(got[:4], []byte("abcd")) {
		t.Errorf("copy content = %q", got[:4])
	}
}

func TestDeleteReleasesBuffer(t *testing.T) {
	exec, pool, mdm := newTestExecutor(t)

	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 500, 1<<20)

	src, _ := pool.AllocateBuffer(target, 4)
	blobID := mdm.CreateBlob("bucket/blob5", []ids.BufferID{src}, 0.1)

	if err := exec.Delete(context.Background(), blobID, src); err != nil {
		t.Fatal(err)
	}

	if _, ok := pool.Header(src); ok {
		t.Error("buffer should be released after Delete")
	}

	list, _ := mdm.BufferIDList(blobID)
	if len(list) != 0 {
		t.Errorf("blob buffer list should be empty after delete, got %v", list)
	}
}
