// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

const (
	// chunks of this size and above get a single chunk per batch and a single batch per thread
	largeChunkThreshold = 8 << 20

	// approximate memory used by the compressor besides chunk buffers and codec instances
	fixedMemoryOverhead = 1_000_000
)

// plan is the immutable sizing of a parallel compressor.
type plan struct {
	chunkSize uint32

	// working memory of a single codec instance
	perInstanceMemory uint64

	threads          int
	chunksPerBatch   int
	batchesPerThread int
}

// newPlan picks the number of threads, chunks per batch and batches per thread so that the estimated
// memory usage fits into maxMemory.
//
// If it doesn't fit even with a single thread, single batch and single chunk, the overage is accepted.
func newPlan(chunkSize uint32, threads int, maxMemory, perInstanceMemory uint64) plan {
	p := plan{
		chunkSize:         chunkSize,
		perInstanceMemory: perInstanceMemory,
		threads:           threads,
	}

	if chunkSize < largeChunkThreshold {
		// small chunks: more chunks per batch with lots of threads and/or very small chunks
		p.chunksPerBatch = 2 + threads*(65536/int(chunkSize))/16
		p.chunksPerBatch = min(max(p.chunksPerBatch, 2), maxChunksPerBatch)
		p.batchesPerThread = 2
	} else {
		// big chunks: more buffers would only waste memory
		p.chunksPerBatch = 1
		p.batchesPerThread = 1
	}

	for p.estimatedMemory() > maxMemory {
		switch {
		case p.chunksPerBatch > 1:
			p.chunksPerBatch--
		case p.batchesPerThread > 1:
			p.batchesPerThread--
		case p.threads > 1:
			p.threads--
		default:
			return p
		}
	}

	return p
}

// numBatches returns the total number of batches in the pool.
func (p plan) numBatches() int {
	return p.threads * p.batchesPerThread
}

// estimatedMemory returns the approximate memory footprint of the compressor.
func (p plan) estimatedMemory() uint64 {
	return uint64(p.chunksPerBatch)*uint64(p.batchesPerThread)*uint64(p.threads)*uint64(p.chunkSize) +
		uint64(p.chunkSize) +
		fixedMemoryOverhead +
		uint64(p.threads)*p.perInstanceMemory
}
