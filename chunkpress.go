// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chunkpress compresses a stream of fixed-size chunks, returning the results in submission order.
package chunkpress

import (
	"errors"

	"go.uber.org/zap"
)

// ChunkCompressor accepts chunks of data to be compressed and returns them in the same order.
//
// The producer borrows a buffer with GetChunkBuffer, fills it and calls SignalChunkFilled.
// If no buffer is available, the producer has to retrieve a result with GetCompressionResult
// before trying again.
type ChunkCompressor interface {
	// GetChunkBuffer returns the buffer for the next chunk, or nil if there is none available.
	//
	// Only one buffer can be borrowed at a time, the buffer is ChunkSize() bytes long.
	GetChunkBuffer() []byte
	// SignalChunkFilled signals that the borrowed buffer contains size bytes of data.
	//
	// SignalChunkFilled panics if no buffer is borrowed or if size is not in (0, ChunkSize()].
	SignalChunkFilled(size uint32)
	// GetCompressionResult returns the next chunk in submission order.
	//
	// GetCompressionResult returns false if no chunks are outstanding.
	// Result data is only valid until the next call to the ChunkCompressor.
	GetCompressionResult() (Result, bool)
	// Close releases all resources.
	Close() error

	ChunkSize() uint32
	NumThreads() int
	CodecName() string
}

// Result is a single compressed chunk.
type Result struct {
	// Data is the compressed data, or the original data if the chunk didn't shrink.
	Data []byte

	CompressedSize   uint32
	UncompressedSize uint32
}

// Stored returns true if the chunk is stored verbatim.
func (r Result) Stored() bool {
	return r.CompressedSize == r.UncompressedSize
}

// New creates a ParallelCompressor, falling back to a SerialCompressor if
// parallel compression is not worth it or can't be set up.
func New(opts ...OptionFunc) (ChunkCompressor, error) {
	parallel, err := NewParallelCompressor(opts...)

	switch {
	case err == nil:
		return parallel, nil
	case errors.Is(err, ErrUseSingleThreaded):
	case errors.Is(err, ErrOutOfMemory):
		opt, optErr := buildOptions(opts)
		if optErr == nil {
			opt.Logger.Warn("failed to create parallel chunk compressor, falling back to single-threaded compression", zap.Error(err))
		}
	default:
		return nil, err
	}

	serial, err := NewSerialCompressor(opts...)
	if err != nil {
		return nil, err
	}

	return serial, nil
}
