// Package ids defines the packed 64-bit identifiers shared across the
// buffer organizer: buffers, targets, blobs and virtual buckets are each
// addressed by (node_id, local index) pairs packed into a single integer,
// matching the wire representation the RPC layer expects.
package ids

// NodeBits is the width given to the node ordinal in every packed ID;
// the remaining 32 bits hold the pool/device/blob-local index.
const NodeBits = 32

// BufferID identifies one fixed-capacity buffer on one node.
type BufferID uint64

// NewBufferID packs a node id and a pool-local buffer index.
func NewBufferID(nodeID, index uint32) BufferID {
	return BufferID(pack(nodeID, index))
}

func (b BufferID) NodeID() uint32 { return high(uint64(b)) }
func (b BufferID) Index() uint32  { return low(uint64(b)) }
func (b BufferID) AsUint64() uint64 { return uint64(b) }

// TargetID identifies one device on one node.
type TargetID uint64

func NewTargetID(nodeID, deviceIndex uint32) TargetID {
	return TargetID(pack(nodeID, deviceIndex))
}

func (t TargetID) NodeID() uint32     { return high(uint64(t)) }
func (t TargetID) DeviceIndex() uint32 { return low(uint64(t)) }
func (t TargetID) AsUint64() uint64   { return uint64(t) }

// BlobID identifies a blob. Its node id is authoritative for that blob's
// metadata: all lock/organize/flush-accounting calls route there.
type BlobID uint64

func NewBlobID(nodeID, index uint32) BlobID {
	return BlobID(pack(nodeID, index))
}

func (b BlobID) NodeID() uint32   { return high(uint64(b)) }
func (b BlobID) Index() uint32    { return low(uint64(b)) }
func (b BlobID) AsUint64() uint64 { return uint64(b) }
func (b BlobID) IsZero() bool     { return b == 0 }

// VBucketID identifies a virtual bucket, which additionally tracks
// outstanding async-flush accounting.
type VBucketID uint64

func NewVBucketID(nodeID, index uint32) VBucketID {
	return VBucketID(pack(nodeID, index))
}

func (v VBucketID) NodeID() uint32   { return high(uint64(v)) }
func (v VBucketID) Index() uint32    { return low(uint64(v)) }
func (v VBucketID) AsUint64() uint64 { return uint64(v) }

func pack(nodeID, index uint32) uint64 {
	return uint64(nodeID)<<32 | uint64(index)
}

func high(v uint64) uint32 { return uint32(v >> 32) }
func low(v uint64) uint32  { return uint32(v) }
