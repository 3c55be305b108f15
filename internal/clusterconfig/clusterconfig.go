// Package clusterconfig loads the BO node's view of the cluster: its own
// node id, its peers' RPC addresses, and the knobs (thread-pool sizing,
// default epsilon) that the rest of the organizer reads at startup.
// Loaded the way varastoserver reads its ServerConfigFile: a JSON file
// read once at boot via gokit/jsonfile.
package clusterconfig

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/function61/gokit/jsonfile"
)

// PeerNode describes one other node's RPC listener address.
type PeerNode struct {
	ID      uint32 `json:"id"`
	RpcAddr string `json:"rpc_addr"`
}

// TargetSpec describes one of this node's own storage tiers/devices, the
// per-node target inventory the reference buffer pool is seeded from.
type TargetSpec struct {
	DeviceIndex   uint32  `json:"device_index"`
	BandwidthMBps float32 `json:"bandwidth_mbps"`
	CapacityBytes uint64  `json:"capacity_bytes"`
}

// ReorganizationSpec configures one bucket's periodic re-organization
// sweep (internal/schedule).
type ReorganizationSpec struct {
	BucketID uint32  `json:"bucket_id"`
	Epsilon  float64 `json:"epsilon"`
	Schedule string  `json:"schedule"`
}

// File is the on-disk JSON config: node identity, peer table, this
// node's target inventory, listener addresses, and operational
// defaults.
type File struct {
	SelfNodeID         uint32       `json:"self_node_id"`
	Peers              []PeerNode   `json:"peers"`
	Targets            []TargetSpec `json:"targets"`
	DispatcherWorkers  int          `json:"dispatcher_workers"`
	DispatcherCapacity int          `json:"dispatcher_capacity"` // 0 = default, <0 = unbounded
	DefaultEpsilon     float64      `json:"default_epsilon"`
	RejectUndershoot   bool         `json:"reject_undershoot"`

	MainEngineAddr string `json:"main_engine_addr"`
	BOEngineAddr   string `json:"bo_engine_addr"`
	MetricsAddr    string `json:"metrics_addr"`
	SwapFilePath   string `json:"swap_file_path"`
	MetadataDBPath string `json:"metadata_db_path"` // empty = in-memory only, no restart durability

	Reorganizations []ReorganizationSpec `json:"reorganizations"`
}

// Read loads the cluster config file. Pass createIfMissing=true only for
// local/dev bring-up; production nodes should always find a real file.
func Read(path string, createIfMissing bool) (*File, error) {
	f := &File{}
	if err := jsonfile.Read(path, f, createIfMissing); err != nil {
		return nil, fmt.Errorf("clusterconfig: %w", err)
	}

	return f, nil
}

// Config is the runtime-resolved view of the cluster used for routing:
// every metadata item (blob, vbucket) is authoritative on exactly one
// node, chosen by hashing its name mod the node count.
type Config struct {
	selfNodeID uint32
	peersByID  map[uint32]PeerNode
	nodeIDs    []uint32 // stable order, includes self, used for mod routing
}

// New builds a routing-ready Config from a loaded File. The node list is
// self plus all configured peers, sorted by ID for deterministic hashing.
func New(f *File) *Config {
	peersByID := make(map[uint32]PeerNode, len(f.Peers))
	nodeIDs := []uint32{f.SelfNodeID}

	for _, p := range f.Peers {
		peersByID[p.ID] = p
		nodeIDs = append(nodeIDs, p.ID)
	}

	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	return &Config{
		selfNodeID: f.SelfNodeID,
		peersByID:  peersByID,
		nodeIDs:    nodeIDs,
	}
}

func (c *Config) SelfNodeID() uint32 { return c.selfNodeID }

func (c *Config) IsLocal(nodeID uint32) bool { return nodeID == c.selfNodeID }

// PeerAddr returns the RPC address for a non-self node.
func (c *Config) PeerAddr(nodeID uint32) (string, bool) {
	p, ok := c.peersByID[nodeID]
	return p.RpcAddr, ok
}

// AuthoritativeNode hashes name to one of the cluster's node ids. This is
// the Go stand-in for the source's HashString(name) mod num_nodes.
func (c *Config) AuthoritativeNode(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))

	idx := int(h.Sum32()) % len(c.nodeIDs)
	if idx < 0 {
		idx += len(c.nodeIDs)
	}

	return c.nodeIDs[idx]
}
