// Package rpcclient is the RPC-routed half of every remote call the BO
// makes to a peer node (§6), built on gokit/ezhttp the way
// stofuseclient talks to the FUSE server's own HTTP API.
package rpcclient

import (
	"context"
	"fmt"
	"log"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/costmodel"
	"github.com/hermesbo/bufferorganizer/internal/ids"
)

// PeerResolver maps a node id to its RPC listener address, satisfied by
// *clusterconfig.Config.
type PeerResolver interface {
	PeerAddr(nodeID uint32) (string, bool)
}

// Client issues the main-engine RPCs (buffer info, organize forwarding,
// flush-count accounting, blob locking) against whichever peer a call's
// nodeID resolves to. It has no method for the BO-engine routes
// (EnqueueFlushingTask, PlaceInHierarchy).
type Client struct {
	peers PeerResolver
	log   *logex.Leveled
}

func New(peers PeerResolver, logger *log.Logger) *Client {
	return &Client{peers: peers, log: logex.Levels(logex.NonNil(logger))}
}

func (c *Client) addr(nodeID uint32, path string) (string, error) {
	base, ok := c.peers.PeerAddr(nodeID)
	if !ok {
		return "", fmt.Errorf("rpcclient: no peer address known for node %d", nodeID)
	}
	return base + path, nil
}

type getBufferInfoRequest struct {
	BufferID uint64 `json:"buffer_id"`
}

type getBufferInfoResponse struct {
	BandwidthMBps float32 `json:"bandwidth_mbps"`
	UsedBytes     uint64  `json:"used_bytes"`
}

// RemoteGetBufferInfo satisfies organizer.BufferInfoFetcher for buffers
// that live on another node.
func (c *Client) RemoteGetBufferInfo(ctx context.Context, nodeID uint32, id ids.BufferID) (costmodel.BufferInfo, error) {
	url, err := c.addr(nodeID, "/rpc/RemoteGetBufferInfo")
	if err != nil {
		return costmodel.BufferInfo{}, err
	}

	res := getBufferInfoResponse{}
	if _, err := ezhttp.Post(ctx, url,
		ezhttp.SendJson(&getBufferInfoRequest{BufferID: id.AsUint64()}),
		ezhttp.RespondsJson(&res, true),
	); err != nil {
		return costmodel.BufferInfo{}, fmt.Errorf("rpcclient: RemoteGetBufferInfo: %w", err)
	}

	return costmodel.BufferInfo{ID: id, BandwidthMBps: res.BandwidthMBps, UsedBytes: res.UsedBytes}, nil
}

type organizeBlobRequest struct {
	InternalName string  `json:"internal_name"`
	Epsilon      float64 `json:"epsilon"`
}

// RemoteOrganizeBlob satisfies organizer.RemoteOrganizer.
func (c *Client) RemoteOrganizeBlob(ctx context.Context, nodeID uint32, internalName string, epsilon float64) error {
	url, err := c.addr(nodeID, "/rpc/RemoteOrganizeBlob")
	if err != nil {
		return err
	}

	if _, err := ezhttp.Post(ctx, url, ezhttp.SendJson(&organizeBlobRequest{InternalName: internalName, Epsilon: epsilon})); err != nil {
		return fmt.Errorf("rpcclient: RemoteOrganizeBlob: %w", err)
	}

	return nil
}

type vbucketNameRequest struct {
	VBucketName string `json:"vbucket_name"`
}

type boolResponse struct {
	Result bool `json:"result"`
}

// RemoteIncrementFlushCount and RemoteDecrementFlushCount satisfy
// flush.RemoteCounter.
func (c *Client) RemoteIncrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error {
	return c.postFlushCount(ctx, nodeID, "/rpc/RemoteIncrementFlushCount", vbktName)
}

func (c *Client) RemoteDecrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error {
	return c.postFlushCount(ctx, nodeID, "/rpc/RemoteDecrementFlushCount", vbktName)
}

func (c *Client) postFlushCount(ctx context.Context, nodeID uint32, path, vbktName string) error {
	url, err := c.addr(nodeID, path)
	if err != nil {
		return err
	}

	res := boolResponse{}
	if _, err := ezhttp.Post(ctx, url,
		ezhttp.SendJson(&vbucketNameRequest{VBucketName: vbktName}),
		ezhttp.RespondsJson(&res, true),
	); err != nil {
		return fmt.Errorf("rpcclient: %s: %w", path, err)
	}

	return nil
}

type outstandingFlushCountResponse struct {
	Outstanding int `json:"outstanding"`
}

func (c *Client) RemoteOutstandingFlushCount(ctx context.Context, nodeID uint32, vbktName string) (int, error) {
	url, err := c.addr(nodeID, "/rpc/RemoteOutstandingFlushCount")
	if err != nil {
		return 0, err
	}

	res := outstandingFlushCountResponse{}
	if _, err := ezhttp.Post(ctx, url,
		ezhttp.SendJson(&vbucketNameRequest{VBucketName: vbktName}),
		ezhttp.RespondsJson(&res, true),
	); err != nil {
		return 0, fmt.Errorf("rpcclient: RemoteOutstandingFlushCount: %w", err)
	}

	return res.Outstanding, nil
}

type blobIDRequest struct {
	BlobID uint64 `json:"blob_id"`
}

// LockBlob and UnlockBlob satisfy bloblock.RemoteLocker.
func (c *Client) LockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) (bool, error) {
	url, err := c.addr(nodeID, "/rpc/LockBlob")
	if err != nil {
		return false, err
	}

	res := boolResponse{}
	if _, err := ezhttp.Post(ctx, url,
		ezhttp.SendJson(&blobIDRequest{BlobID: blobID.AsUint64()}),
		ezhttp.RespondsJson(&res, true),
	); err != nil {
		return false, fmt.Errorf("rpcclient: LockBlob: %w", err)
	}

	return res.Result, nil
}

func (c *Client) UnlockBlob(ctx context.Context, nodeID uint32, blobID ids.BlobID) error {
	url, err := c.addr(nodeID, "/rpc/UnlockBlob")
	if err != nil {
		return err
	}

	if _, err := ezhttp.Post(ctx, url, ezhttp.SendJson(&blobIDRequest{BlobID: blobID.AsUint64()})); err != nil {
		return fmt.Errorf("rpcclient: UnlockBlob: %w", err)
	}

	return nil
}
