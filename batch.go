// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import (
	"fmt"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
)

// maxChunksPerBatch limits the number of chunks handed to a worker at once.
const maxChunksPerBatch = 16

// batchID addresses a batch in the pool arena.
type batchID int

// batch is a group of chunks compressed by a single worker and returned in order as a unit.
type batch struct {
	// backing memory for all chunk buffers of the batch
	slab []byte

	chunks []chunk

	// number of chunks written by the producer
	filled int
}

func (b *batch) reset() {
	for i := range b.chunks[:b.filled] {
		b.chunks[i].uncompressedSize = 0
		b.chunks[i].compressedSize = 0
	}

	b.filled = 0
}

func (b *batch) full() bool {
	return b.filled == len(b.chunks)
}

// batchPool owns the storage of all batches.
//
// Batches are never allocated after the pool is created. batchPool is not safe for concurrent use.
type batchPool struct {
	// ring of available batch IDs
	available *queue.Queue

	batches []batch
}

// newBatchPool allocates count batches of chunksPerBatch chunks each.
//
// On failure everything allocated so far is released.
func newBatchPool(count, chunksPerBatch int, chunkSize uint32) (*batchPool, error) {
	p := &batchPool{
		available: queue.New(),
		batches:   make([]batch, count),
	}

	// uncompressed buffer + compressed buffer, which is a byte shorter
	slotSize := 2*int(chunkSize) - 1

	for i := range p.batches {
		slab, err := allocSlab(slotSize * chunksPerBatch)
		if err != nil {
			p.free() //nolint:errcheck

			return nil, fmt.Errorf("failed to allocate batch %d of %d: %w: %w", i+1, count, ErrOutOfMemory, err)
		}

		b := &p.batches[i]
		b.slab = slab
		b.chunks = make([]chunk, chunksPerBatch)

		for j := range b.chunks {
			slot := slab[j*slotSize : (j+1)*slotSize : (j+1)*slotSize]

			b.chunks[j].uncompressed = slot[:chunkSize:chunkSize]
			b.chunks[j].compressed = slot[chunkSize:]
		}

		p.available.Add(batchID(i))
	}

	return p, nil
}

// get returns the batch for the given ID.
func (p *batchPool) get(id batchID) *batch {
	return &p.batches[id]
}

// takeAvailable removes a batch from the available set.
//
// If no batch is available, takeAvailable returns false.
func (p *batchPool) takeAvailable() (batchID, bool) {
	if p.available.Length() == 0 {
		return 0, false
	}

	return p.available.Remove().(batchID), true //nolint:forcetypeassert
}

// returnAvailable resets the batch and puts it back to the available set.
func (p *batchPool) returnAvailable(id batchID) {
	p.batches[id].reset()
	p.available.Add(id)
}

// numAvailable returns the number of available batches.
func (p *batchPool) numAvailable() int {
	return p.available.Length()
}

// size returns the total number of batches.
func (p *batchPool) size() int {
	return len(p.batches)
}

// free releases memory of all batches.
//
// The pool must not be used after free.
func (p *batchPool) free() error {
	var result *multierror.Error

	for i := range p.batches {
		if p.batches[i].slab == nil {
			continue
		}

		if err := freeSlab(p.batches[i].slab); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to release batch %d: %w", i, err))
		}

		p.batches[i].slab = nil
		p.batches[i].chunks = nil
	}

	return result.ErrorOrNil()
}
