// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import "go.uber.org/zap"

// worker compresses batches from the work queue and hands them over to the result queue.
type worker struct {
	compressor Compressor

	work    *messageQueue
	results *messageQueue

	pool *batchPool

	logger *zap.Logger
}

func (w *worker) run() {
	for {
		id, ok := w.work.pop()
		if !ok {
			return
		}

		w.compressBatch(w.pool.get(id))

		w.results.push(id)
	}
}

func (w *worker) compressBatch(b *batch) {
	for i := range b.chunks[:b.filled] {
		if err := b.chunks[i].compress(w.compressor); err != nil {
			w.logger.Debug("chunk compression failed, storing verbatim",
				zap.Int("chunk", i),
				zap.Uint32("size", b.chunks[i].uncompressedSize),
				zap.Error(err),
			)
		}
	}
}
