package refdpe

import (
	"context"
	"errors"
	"testing"

	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

func TestCalculatePlacementPrefersFastestSingleTarget(t *testing.T) {
	pool := refpool.New(1)
	slow := ids.NewTargetID(1, 0)
	fast := ids.NewTargetID(1, 1)
	pool.DefineTarget(slow, 10, 1<<20)
	pool.DefineTarget(fast, 1000, 1<<20)

	e := New(pool)

	schemas, err := e.CalculatePlacement(context.Background(), []uint64{4096})
	if err != nil {
		t.Fatal(err)
	}
	if len(schemas) != 1 || len(schemas[0]) != 1 {
		t.Fatalf("expected a single-placement schema, got %v", schemas)
	}
	if schemas[0][0].Target != fast {
		t.Errorf("expected placement on the fastest target, got %v", schemas[0][0].Target)
	}
}

func TestCalculatePlacementSplitsWhenNoSingleTargetFits(t *testing.T) {
	pool := refpool.New(1)
	a := ids.NewTargetID(1, 0)
	b := ids.NewTargetID(1, 1)
	pool.DefineTarget(a, 500, 100)
	pool.DefineTarget(b, 100, 100)

	e := New(pool)

	schemas, err := e.CalculatePlacement(context.Background(), []uint64{150})
	if err != nil {
		t.Fatal(err)
	}

	var total uint64
	for _, p := range schemas[0] {
		total += p.Bytes
	}
	if total != 150 {
		t.Errorf("schema total = %d, want 150", total)
	}
	if len(schemas[0]) != 2 {
		t.Errorf("expected a 2-way split, got %v", schemas[0])
	}
}

func TestCalculatePlacementFailsWhenCapacityInsufficient(t *testing.T) {
	pool := refpool.New(1)
	only := ids.NewTargetID(1, 0)
	pool.DefineTarget(only, 100, 50)

	e := New(pool)

	if _, err := e.CalculatePlacement(context.Background(), []uint64{1000}); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestPlaceBlobWritesDataAcrossSchema(t *testing.T) {
	pool := refpool.New(1)
	target := ids.NewTargetID(1, 0)
	pool.DefineTarget(target, 100, 1<<20)

	e := New(pool)
	schema := Schema{{Target: target, Bytes: 4}}

	ids_, err := e.PlaceBlob(context.Background(), schema, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids_) != 1 {
		t.Fatalf("expected one buffer id, got %v", ids_)
	}

	got, err := pool.ReadBuffer(ids_[0], 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("buffer content = %q, want %q", got, "data")
	}
}
