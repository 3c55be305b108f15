package refpool

import (
	"bytes"
	"testing"

	"github.com/hermesbo/bufferorganizer/internal/ids"
)

func TestAllocateAndReadWrite(t *testing.T) {
	p := New(1)
	target := ids.NewTargetID(1, 0)
	p.DefineTarget(target, 500, 1024)

	bufID, ok := p.AllocateBuffer(target, 64)
	if !ok {
		t.Fatal("allocation should succeed")
	}

	if err := p.WriteBuffer(bufID, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}

	got, err := p.ReadBuffer(bufID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got[:5], []byte("hello")) {
		t.Errorf("got %q", got[:5])
	}

	remaining, ok := p.RemainingCapacity(target)
	if !ok || remaining != 1024-64 {
		t.Errorf("remaining capacity = %d, want %d", remaining, 1024-64)
	}
}

func TestAllocateFailsWhenOverCapacity(t *testing.T) {
	p := New(1)
	target := ids.NewTargetID(1, 0)
	p.DefineTarget(target, 500, 10)

	if _, ok := p.AllocateBuffer(target, 20); ok {
		t.Error("allocation should fail when it exceeds target capacity")
	}
}

func TestReleaseBufferReturnsCapacity(t *testing.T) {
	p := New(1)
	target := ids.NewTargetID(1, 0)
	p.DefineTarget(target, 500, 100)

	bufID, _ := p.AllocateBuffer(target, 40)
	p.ReleaseBuffer(bufID)

	remaining, _ := p.RemainingCapacity(target)
	if remaining != 100 {
		t.Errorf("remaining capacity after release = %d, want 100", remaining)
	}

	if _, ok := p.Header(bufID); ok {
		t.Error("header should be gone after release")
	}
}

func TestWriteBufferRejectsOverflow(t *testing.T) {
	p := New(1)
	target := ids.NewTargetID(1, 0)
	p.DefineTarget(target, 500, 100)

	bufID, _ := p.AllocateBuffer(target, 10)

	if err := p.WriteBuffer(bufID, make([]byte, 20), 0); err == nil {
		t.Error("expected error writing past buffer capacity")
	}
}
