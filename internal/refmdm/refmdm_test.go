package refmdm

import (
	"path/filepath"
	"testing"

	"github.com/hermesbo/bufferorganizer/internal/ids"
)

func TestCreateAndLookupBlob(t *testing.T) {
	m := New(1)

	bufs := []ids.BufferID{ids.NewBufferID(1, 1), ids.NewBufferID(1, 2)}
	blobID := m.CreateBlob("bucket/blob-a", bufs, 0.5)

	got, ok := m.LocalGet("bucket/blob-a")
	if !ok || got != blobID {
		t.Fatalf("LocalGet = (%v, %v), want (%v, true)", got, ok, blobID)
	}

	list, ok := m.BufferIDList(blobID)
	if !ok || len(list) != 2 {
		t.Fatalf("BufferIDList = %v", list)
	}
}

func TestReplaceBufferIDListIsAtomicFromReaderPerspective(t *testing.T) {
	m := New(1)
	oldList := []ids.BufferID{ids.NewBufferID(1, 1)}
	blobID := m.CreateBlob("b", oldList, 0)

	newList := []ids.BufferID{ids.NewBufferID(1, 2), ids.NewBufferID(1, 3)}
	if err := m.ReplaceBufferIDList(blobID, newList); err != nil {
		t.Fatal(err)
	}

	got, _ := m.BufferIDList(blobID)
	if len(got) != 2 || got[0] != newList[0] || got[1] != newList[1] {
		t.Errorf("got %v, want %v", got, newList)
	}
}

func TestFlushCountBalancing(t *testing.T) {
	m := New(1)
	m.RegisterVBucket("vb1")

	m.IncrementFlushCount("vb1")
	m.IncrementFlushCount("vb1")
	m.DecrementFlushCount("vb1")

	if got := m.OutstandingFlushCount("vb1"); got != 1 {
		t.Errorf("outstanding = %d, want 1", got)
	}

	m.DecrementFlushCount("vb1")
	if got := m.OutstandingFlushCount("vb1"); got != 0 {
		t.Errorf("outstanding = %d, want 0", got)
	}
}

func TestReplaceBufferIDListUnknownBlobErrors(t *testing.T) {
	m := New(1)
	if err := m.ReplaceBufferIDList(ids.NewBlobID(1, 999), nil); err == nil {
		t.Error("expected error for unknown blob")
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mdm.db")

	m, err := NewWithPersistence(1, dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}

	bufs := []ids.BufferID{ids.NewBufferID(1, 1)}
	blobID := m.CreateBlob("bucket/blob-a", bufs, 0.75)
	m.RegisterVBucket("vb1")
	m.IncrementFlushCount("vb1")
	m.IncrementFlushCount("vb1")

	newList := []ids.BufferID{ids.NewBufferID(1, 2), ids.NewBufferID(1, 3)}
	if err := m.ReplaceBufferIDList(blobID, newList); err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewWithPersistence(1, dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	gotID, ok := reopened.LocalGet("bucket/blob-a")
	if !ok || gotID != blobID {
		t.Fatalf("LocalGet after reopen = (%v, %v), want (%v, true)", gotID, ok, blobID)
	}

	list, ok := reopened.BufferIDList(gotID)
	if !ok || len(list) != 2 || list[0] != newList[0] || list[1] != newList[1] {
		t.Errorf("BufferIDList after reopen = %v, want %v", list, newList)
	}

	if got := reopened.OutstandingFlushCount("vb1"); got != 2 {
		t.Errorf("OutstandingFlushCount after reopen = %d, want 2", got)
	}

	// a fresh blob created post-reopen must not collide with the loaded index
	secondID := reopened.CreateBlob("bucket/blob-b", nil, 0)
	if secondID == blobID {
		t.Errorf("new blob id collided with reloaded id %v", blobID)
	}
}

func TestMarkAndClearInSwap(t *testing.T) {
	m := New(1)
	blobID := m.CreateBlob("bucket/blob-a", nil, 0.5)

	if m.BlobIsInSwap(blobID) {
		t.Fatal("newly created blob should not start out in swap")
	}

	m.MarkInSwap(blobID)
	if !m.BlobIsInSwap(blobID) {
		t.Error("expected blob to report in swap after MarkInSwap")
	}

	m.ClearInSwap(blobID)
	if m.BlobIsInSwap(blobID) {
		t.Error("expected blob to report not in swap after ClearInSwap")
	}
}
