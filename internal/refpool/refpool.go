// Package refpool is a minimal in-memory stand-in for the buffer pool
// and device/target inventory (§1's external collaborators). It exists
// so the BO's own placement, move and flush logic can run and be tested
// end-to-end without the real shared-memory buffer pool, which is out of
// scope for this repository.
package refpool

import (
	"fmt"
	"sync"

	"github.com/hermesbo/bufferorganizer/internal/ids"
)

// Device models one target's fixed bandwidth and free capacity.
type Device struct {
	BandwidthMBps float32
	Capacity      uint64
}

// header is the internal bookkeeping for one allocated buffer.
type header struct {
	target   ids.TargetID
	capacity uint64
	used     uint64
	data     []byte
}

// Pool is a single node's view of its own targets and buffers. Buffer
// contents live in plain Go byte slices; there is no real device I/O.
type Pool struct {
	mu sync.Mutex

	nodeID  uint32
	targets map[ids.TargetID]*Device
	buffers map[ids.BufferID]*header
	nextIdx uint32
}

func New(nodeID uint32) *Pool {
	return &Pool{
		nodeID:  nodeID,
		targets: map[ids.TargetID]*Device{},
		buffers: map[ids.BufferID]*header{},
	}
}

// DefineTarget registers (or updates) one of this node's devices.
func (p *Pool) DefineTarget(target ids.TargetID, bandwidthMBps float32, capacity uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.targets[target] = &Device{BandwidthMBps: bandwidthMBps, Capacity: capacity}
}

// AllocateBuffer carves a new buffer of usedBytes out of target's
// remaining capacity, failing (ok=false) if there isn't room. This
// stands in for GetBuffers(schema) from a one-entry PlacementSchema.
func (p *Pool) AllocateBuffer(target ids.TargetID, usedBytes uint64) (ids.BufferID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dev, ok := p.targets[target]
	if !ok || dev.Capacity < usedBytes {
		return 0, false
	}

	dev.Capacity -= usedBytes

	p.nextIdx++
	id := ids.NewBufferID(p.nodeID, p.nextIdx)

	p.buffers[id] = &header{
		target:   target,
		capacity: usedBytes,
		used:     usedBytes,
		data:     make([]byte, usedBytes),
	}

	return id, true
}

// ReleaseBuffer frees a buffer back to its owning target's capacity.
func (p *Pool) ReleaseBuffer(id ids.BufferID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.buffers[id]
	if !ok {
		return
	}

	if dev, ok := p.targets[h.target]; ok {
		dev.Capacity += h.capacity
	}

	delete(p.buffers, id)
}

// Header is the snapshot GetHeaderByBufferId returns.
type Header struct {
	Target   ids.TargetID
	Capacity uint64
	Used     uint64
}

func (p *Pool) Header(id ids.BufferID) (Header, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.buffers[id]
	if !ok {
		return Header{}, false
	}

	return Header{Target: h.target, Capacity: h.capacity, Used: h.used}, true
}

// Bandwidth returns the bandwidth of the device backing a header, i.e.
// GetDeviceFromHeader(header).bandwidth_mbps.
func (p *Pool) Bandwidth(target ids.TargetID) (float32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dev, ok := p.targets[target]
	if !ok {
		return 0, false
	}

	return dev.BandwidthMBps, true
}

// RemainingCapacity returns a target's free space.
func (p *Pool) RemainingCapacity(target ids.TargetID) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dev, ok := p.targets[target]
	if !ok {
		return 0, false
	}

	return dev.Capacity, true
}

// Targets lists every target defined on this node.
func (p *Pool) Targets() []ids.TargetID {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ids.TargetID, 0, len(p.targets))
	for t := range p.targets {
		out = append(out, t)
	}

	return out
}

// ReadBuffer reads the full used contents of a buffer, starting at
// offset, mirroring LocalReadBufferById.
func (p *Pool) ReadBuffer(id ids.BufferID, offset uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.buffers[id]
	if !ok {
		return nil, fmt.Errorf("refpool: buffer %d not found on this node", id.AsUint64())
	}

	if offset > h.used {
		return nil, fmt.Errorf("refpool: offset %d past buffer %d used size %d", offset, id.AsUint64(), h.used)
	}

	out := make([]byte, h.used-offset)
	copy(out, h.data[offset:h.used])

	return out, nil
}

// WriteBuffer writes data into a buffer at offset, mirroring
// LocalWriteBufferById. It fails if data doesn't fit the buffer's
// capacity starting at offset.
func (p *Pool) WriteBuffer(id ids.BufferID, data []byte, offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.buffers[id]
	if !ok {
		return fmt.Errorf("refpool: buffer %d not found on this node", id.AsUint64())
	}

	if offset+uint64(len(data)) > h.capacity {
		return fmt.Errorf("refpool: write of %d bytes at offset %d exceeds buffer %d capacity %d",
			len(data), offset, id.AsUint64(), h.capacity)
	}

	copy(h.data[offset:], data)
	if offset+uint64(len(data)) > h.used {
		h.used = offset + uint64(len(data))
	}

	return nil
}
