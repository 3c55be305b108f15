// Package refdpe is a minimal in-memory stand-in for the Data Placement
// Engine (§1's external DPE collaborator): given a set of blob sizes and
// a node's target inventory, it computes a PlacementSchema per blob —
// the fastest target with room for the whole blob, splitting across
// targets (fastest first) only when no single target has room. The real DPE supports pluggable placement policies; this
// reference implements exactly one, sized for testing the BO's own
// consumers (PlaceInHierarchy) rather than for production placement
// quality.
package refdpe

import (
	"context"
	"fmt"
	"sort"

	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

// Placement is one (target, size) pair within a blob's schema.
type Placement struct {
	Target ids.TargetID
	Bytes  uint64
}

// Schema is the full placement for one blob: one Placement if it fit on
// a single target, more if it had to be split.
type Schema []Placement

// ErrNoCapacity is returned, wrapped with the failing blob's position,
// when no combination of targets can hold a requested size.
var ErrNoCapacity = fmt.Errorf("refdpe: insufficient aggregate target capacity")

// Engine computes placement schemas against a node's reference buffer
// pool.
type Engine struct {
	pool *refpool.Pool
}

func New(pool *refpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// CalculatePlacement returns one Schema per entry in sizes, in order.
// Targets are considered fastest-bandwidth-first, mirroring the
// organizer's own preference for fast tiers when driving a blob's access
// score down.
func (e *Engine) CalculatePlacement(ctx context.Context, sizes []uint64) ([]Schema, error) {
	out := make([]Schema, len(sizes))

	for i, size := range sizes {
		schema, err := e.placeOne(size)
		if err != nil {
			return nil, fmt.Errorf("refdpe: blob %d of %d: %w", i+1, len(sizes), err)
		}
		out[i] = schema
	}

	return out, nil
}

func (e *Engine) placeOne(size uint64) (Schema, error) {
	type candidate struct {
		id        ids.TargetID
		bandwidth float32
		capacity  uint64
	}

	targets := e.pool.Targets()
	candidates := make([]candidate, 0, len(targets))
	for _, t := range targets {
		bw, ok := e.pool.Bandwidth(t)
		if !ok {
			continue
		}
		cap, ok := e.pool.RemainingCapacity(t)
		if !ok || cap == 0 {
			continue
		}
		candidates = append(candidates, candidate{id: t, bandwidth: bw, capacity: cap})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].bandwidth > candidates[j].bandwidth })

	for _, c := range candidates {
		if c.capacity >= size {
			return Schema{{Target: c.id, Bytes: size}}, nil
		}
	}

	schema := Schema{}
	remaining := size
	for _, c := range candidates {
		if remaining == 0 {
			break
		}
		take := c.capacity
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		schema = append(schema, Placement{Target: c.id, Bytes: take})
		remaining -= take
	}

	if remaining != 0 {
		return nil, ErrNoCapacity
	}

	return schema, nil
}

// PlaceBlob executes a previously computed schema: allocates each
// placement's buffer, writes its slice of data, and returns the
// resulting buffer-ID list in schema order — ready for
// refmdm.MDM.CreateBlob.
func (e *Engine) PlaceBlob(ctx context.Context, schema Schema, data []byte) ([]ids.BufferID, error) {
	bufferIDs := make([]ids.BufferID, 0, len(schema))
	offset := uint64(0)

	for _, p := range schema {
		id, ok := e.pool.AllocateBuffer(p.Target, p.Bytes)
		if !ok {
			return nil, fmt.Errorf("refdpe: target %d lost capacity during placement", p.Target.AsUint64())
		}

		if err := e.pool.WriteBuffer(id, data[offset:offset+p.Bytes], 0); err != nil {
			return nil, fmt.Errorf("refdpe: writing placed buffer: %w", err)
		}

		bufferIDs = append(bufferIDs, id)
		offset += p.Bytes
	}

	return bufferIDs, nil
}
