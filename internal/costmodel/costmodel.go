// Package costmodel computes the normalized access score used to drive
// blob placement decisions: a pure function of a blob's constituent
// buffers and the bandwidth range of the device pool they're drawn from.
package costmodel

import "github.com/hermesbo/bufferorganizer/internal/ids"

const bytesPerMegabyte = 1 << 20

// BufferInfo is an ephemeral snapshot of one buffer captured while
// organizing or sorting a blob's placement.
type BufferInfo struct {
	ID            ids.BufferID
	BandwidthMBps float32
	UsedBytes     uint64
}

// BytesToMegabytes converts a byte count to megabytes as a float.
func BytesToMegabytes(b uint64) float32 {
	return float32(b) / float32(bytesPerMegabyte)
}

// PoolBandwidthRange carries the pool-wide min/max device bandwidth used
// to normalize a raw access-score reading into [0,1].
type PoolBandwidthRange struct {
	MinMBps float32
	MaxMBps float32
}

// ComputeBlobAccessScore returns the normalized (0=best, 1=worst) access
// score for a blob given its buffer placement. The result is invariant
// under permutation of buffers, since it only depends on sums.
//
// If buffers is empty, the pool has a single bandwidth tier
// (MaxMBps == MinMBps), or the pool reports no positive bandwidth, the
// score is defined as 0.
func ComputeBlobAccessScore(buffers []BufferInfo, poolRange PoolBandwidthRange) float32 {
	if len(buffers) == 0 {
		return 0
	}

	var rawSeconds, totalMB float32
	for _, buf := range buffers {
		sizeMB := BytesToMegabytes(buf.UsedBytes)
		totalMB += sizeMB
		if buf.BandwidthMBps > 0 {
			rawSeconds += sizeMB / buf.BandwidthMBps
		}
	}

	return normalize(rawSeconds, totalMB, poolRange)
}

// normalize maps a raw "total seconds" figure into [0,1] using the same
// total blob size for both the best-case (all on the fastest device) and
// worst-case (all on the slowest device) endpoints.
func normalize(rawSeconds, totalMB float32, poolRange PoolBandwidthRange) float32 {
	if poolRange.MinMBps <= 0 || poolRange.MaxMBps <= 0 {
		return 0
	}

	minSeconds := totalMB / poolRange.MaxMBps
	maxSeconds := totalMB / poolRange.MinMBps
	span := maxSeconds - minSeconds

	if span == 0 {
		return 0
	}

	return (rawSeconds - minSeconds) / span
}
