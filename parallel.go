// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/boljen/go-bitmap"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"
)

// ParallelCompressor compresses chunks on a fixed pool of worker goroutines.
//
// Chunks are grouped into batches, each batch is compressed by a single worker, and
// the results are returned in submission order regardless of the order in which the workers finish.
//
// ParallelCompressor is meant to be used by a single producer and a single consumer.
type ParallelCompressor struct {
	// work queue: batches submitted by the producer
	work *messageQueue
	// result queue: batches compressed by the workers, in completion order
	results *messageQueue

	// per-worker compressor instances, never shared
	compressors []Compressor

	// batch storage; available set is guarded by mu, batch contents are owned by whoever holds the batch
	pool *batchPool

	// submission-order list of batches submitted and not yet selected for draining
	submitted *queue.Queue

	// completion status per batch ID
	complete bitmap.Bitmap

	// batch being filled by the producer
	filling optional.Optional[batchID]

	// batch being drained by the consumer
	draining optional.Optional[batchID]

	opt Options

	// waitgroup to wait for the workers to finish
	wg sync.WaitGroup

	// synchronizing access to pool, submitted, complete, filling, draining, nextChunk
	mu sync.Mutex

	plan plan

	// index of the next chunk to return from the draining batch
	nextChunk int

	// closed flag (to disable use after close)
	closed atomic.Bool
}

// Layout describes the sizing chosen for a ParallelCompressor.
type Layout struct {
	Threads          int
	ChunksPerBatch   int
	BatchesPerThread int
	Batches          int
	EstimatedMemory  uint64
}

// PoolStats reports where the batches of a ParallelCompressor are.
//
// Available+Filling+InFlight+Draining always equals Total.
type PoolStats struct {
	Total     int
	Available int
	Filling   int
	InFlight  int
	Draining  int
}

// NewParallelCompressor creates a ParallelCompressor sized to fit the memory budget.
//
// If a single thread would be used, NewParallelCompressor returns ErrUseSingleThreaded.
// If memory for the batches or for at least two compressor instances can't be allocated,
// NewParallelCompressor returns an error wrapping ErrOutOfMemory.
//
//nolint:gocognit
func NewParallelCompressor(opts ...OptionFunc) (*ParallelCompressor, error) {
	opt, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	threads := opt.Threads
	if threads == 0 {
		threads = availableCPUs(opt.SystemInfo, opt.Logger)
	}

	if threads == 1 {
		return nil, ErrUseSingleThreaded
	}

	maxMemory := opt.MaxMemory
	if maxMemory == 0 {
		maxMemory = availableMemory(opt.SystemInfo, opt.Logger)
	}

	p := newPlan(opt.ChunkSize, threads, maxMemory, opt.Codec.NeededMemory(opt.ChunkSize))

	if p.threads < threads {
		opt.Logger.Warn("limiting number of threads to fit in available memory",
			zap.Int("requested_threads", threads),
			zap.Int("threads", p.threads),
			zap.Uint64("max_memory", maxMemory),
		)
	}

	if p.threads == 1 {
		return nil, ErrUseSingleThreaded
	}

	compressors := make([]Compressor, 0, p.threads)

	for range p.threads {
		compressor, err := opt.Codec.NewCompressor(opt.ChunkSize)
		if err != nil {
			if len(compressors) >= 2 {
				opt.Logger.Warn("failed to create all compressor instances, continuing with fewer threads",
					zap.Int("threads", len(compressors)),
					zap.Error(err),
				)

				break
			}

			closeCompressors(compressors) //nolint:errcheck

			return nil, fmt.Errorf("failed to create %s compressor: %w: %w", opt.Codec.Name(), ErrOutOfMemory, err)
		}

		compressors = append(compressors, compressor)
	}

	p.threads = len(compressors)

	pool, err := newBatchPool(p.numBatches(), p.chunksPerBatch, p.chunkSize)
	if err != nil {
		closeCompressors(compressors) //nolint:errcheck

		return nil, err
	}

	c := &ParallelCompressor{
		work:        newMessageQueue(),
		results:     newMessageQueue(),
		compressors: compressors,
		pool:        pool,
		submitted:   queue.New(),
		complete:    bitmap.New(pool.size()),
		opt:         opt,
		plan:        p,
	}

	for _, compressor := range compressors {
		w := &worker{
			compressor: compressor,
			work:       c.work,
			results:    c.results,
			pool:       pool,
			logger:     opt.Logger,
		}

		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			w.run()
		}()
	}

	opt.Logger.Debug("parallel chunk compressor created",
		zap.String("codec", opt.Codec.Name()),
		zap.Uint32("chunk_size", p.chunkSize),
		zap.Int("threads", p.threads),
		zap.Int("chunks_per_batch", p.chunksPerBatch),
		zap.Int("batches_per_thread", p.batchesPerThread),
		zap.Uint64("estimated_memory", p.estimatedMemory()),
	)

	return c, nil
}

// GetChunkBuffer implements ChunkCompressor.
func (c *ParallelCompressor) GetChunkBuffer() []byte {
	if c.closed.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.filling.IsPresent() {
		id, ok := c.pool.takeAvailable()
		if !ok {
			return nil
		}

		c.filling = optional.Some(id)
	}

	b := c.pool.get(c.filling.ValueOrZero())

	return b.chunks[b.filled].uncompressed
}

// SignalChunkFilled implements ChunkCompressor.
func (c *ParallelCompressor) SignalChunkFilled(size uint32) {
	if size == 0 || size > c.plan.chunkSize {
		panic(fmt.Sprintf("chunk size out of range: %d (max %d)", size, c.plan.chunkSize))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.filling.IsPresent() {
		panic("chunk filled without a borrowed chunk buffer")
	}

	b := c.pool.get(c.filling.ValueOrZero())
	b.chunks[b.filled].uncompressedSize = size
	b.filled++

	if b.full() {
		c.submitLocked()
	}
}

// submitLocked hands the filling batch over to the workers.
//
// submitLocked should be called with c.mu locked.
func (c *ParallelCompressor) submitLocked() {
	id := c.filling.ValueOrZero()
	c.filling = optional.None[batchID]()

	if c.pool.get(id).filled == 0 {
		// a buffer was borrowed but never filled
		c.pool.returnAvailable(id)

		return
	}

	c.complete.Set(int(id), false)
	c.submitted.Add(id)
	c.work.push(id)
}

// GetCompressionResult implements ChunkCompressor.
//
// GetCompressionResult blocks until the earliest submitted batch is compressed.
func (c *ParallelCompressor) GetCompressionResult() (Result, bool) {
	if c.closed.Load() {
		return Result{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filling.IsPresent() {
		c.submitLocked()
	}

	if !c.draining.IsPresent() {
		if c.submitted.Length() == 0 {
			return Result{}, false
		}

		head := c.submitted.Peek().(batchID) //nolint:forcetypeassert

		for !c.complete.Get(int(head)) {
			// the result queue is popped without the lock held, so the producer never blocks
			c.mu.Unlock()
			id, ok := c.results.pop()
			c.mu.Lock()

			if !ok {
				return Result{}, false
			}

			// this might be a batch other than the head, it stays in place until its turn
			c.complete.Set(int(id), true)
		}

		c.submitted.Remove()

		c.draining = optional.Some(head)
		c.nextChunk = 0
	}

	id := c.draining.ValueOrZero()
	b := c.pool.get(id)

	res := b.chunks[c.nextChunk].result()
	c.nextChunk++

	if c.nextChunk == b.filled {
		c.complete.Set(int(id), false)
		c.pool.returnAvailable(id)
		c.draining = optional.None[batchID]()
	}

	return res, true
}

// Close implements ChunkCompressor.
//
// Close doesn't wait for outstanding results to be drained: any chunks not yet
// returned by GetCompressionResult are discarded.
func (c *ParallelCompressor) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.work.terminate()
	c.wg.Wait()
	c.results.terminate()

	var result *multierror.Error

	if err := closeCompressors(c.compressors); err != nil {
		result = multierror.Append(result, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pool.free(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// ChunkSize implements ChunkCompressor.
func (c *ParallelCompressor) ChunkSize() uint32 {
	return c.plan.chunkSize
}

// NumThreads implements ChunkCompressor.
func (c *ParallelCompressor) NumThreads() int {
	return c.plan.threads
}

// CodecName implements ChunkCompressor.
func (c *ParallelCompressor) CodecName() string {
	return c.opt.Codec.Name()
}

// Layout returns the sizing chosen at creation.
func (c *ParallelCompressor) Layout() Layout {
	return Layout{
		Threads:          c.plan.threads,
		ChunksPerBatch:   c.plan.chunksPerBatch,
		BatchesPerThread: c.plan.batchesPerThread,
		Batches:          c.pool.size(),
		EstimatedMemory:  c.plan.estimatedMemory(),
	}
}

// Stats returns the current distribution of batches.
func (c *ParallelCompressor) Stats() PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := PoolStats{
		Total:     c.pool.size(),
		Available: c.pool.numAvailable(),
		InFlight:  c.submitted.Length(),
	}

	if c.filling.IsPresent() {
		stats.Filling = 1
	}

	if c.draining.IsPresent() {
		stats.Draining = 1
	}

	return stats
}

func closeCompressors(compressors []Compressor) error {
	var result *multierror.Error

	for _, compressor := range compressors {
		if err := compressor.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
