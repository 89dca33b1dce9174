// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import (
	"fmt"

	"go.uber.org/zap"
)

// SerialCompressor compresses chunks on the calling goroutine.
//
// It has a single buffer: GetChunkBuffer returns nil until the previous result is retrieved.
type SerialCompressor struct {
	compressor Compressor

	opt Options

	chunk chunk

	// the buffer was handed out by GetChunkBuffer and not filled yet
	borrowed bool

	// a filled chunk waits to be retrieved
	pending bool

	closed bool
}

// NewSerialCompressor creates a SerialCompressor.
func NewSerialCompressor(opts ...OptionFunc) (*SerialCompressor, error) {
	opt, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	compressor, err := opt.Codec.NewCompressor(opt.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s compressor: %w", opt.Codec.Name(), err)
	}

	return &SerialCompressor{
		compressor: compressor,
		opt:        opt,
		chunk: chunk{
			uncompressed: make([]byte, opt.ChunkSize),
			compressed:   make([]byte, opt.ChunkSize-1),
		},
	}, nil
}

// GetChunkBuffer implements ChunkCompressor.
func (c *SerialCompressor) GetChunkBuffer() []byte {
	if c.pending || c.closed {
		return nil
	}

	c.borrowed = true

	return c.chunk.uncompressed
}

// SignalChunkFilled implements ChunkCompressor.
func (c *SerialCompressor) SignalChunkFilled(size uint32) {
	if size == 0 || size > c.opt.ChunkSize {
		panic(fmt.Sprintf("chunk size out of range: %d (max %d)", size, c.opt.ChunkSize))
	}

	if !c.borrowed {
		panic("chunk filled without a borrowed chunk buffer")
	}

	c.borrowed = false
	c.chunk.uncompressedSize = size

	if err := c.chunk.compress(c.compressor); err != nil {
		c.opt.Logger.Debug("chunk compression failed, storing verbatim", zap.Uint32("size", size), zap.Error(err))
	}

	c.pending = true
}

// GetCompressionResult implements ChunkCompressor.
func (c *SerialCompressor) GetCompressionResult() (Result, bool) {
	if !c.pending {
		return Result{}, false
	}

	c.pending = false

	return c.chunk.result(), true
}

// Close implements ChunkCompressor.
func (c *SerialCompressor) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true

	return c.compressor.Close()
}

// ChunkSize implements ChunkCompressor.
func (c *SerialCompressor) ChunkSize() uint32 {
	return c.opt.ChunkSize
}

// NumThreads implements ChunkCompressor.
func (c *SerialCompressor) NumThreads() int {
	return 1
}

// CodecName implements ChunkCompressor.
func (c *SerialCompressor) CodecName() string {
	return c.opt.Codec.Name()
}
