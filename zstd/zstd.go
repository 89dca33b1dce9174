// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zstd implements chunk compression with zstd.
package zstd

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/siderolabs/go-chunkpress"
)

// Name is the algorithm tag of the codec.
const Name = "zstd"

// encoder match tables and block scratch space, on top of the window history
const encoderTableMemory = 5 << 18

// Codec implements chunkpress.Codec using zstd compression.
type Codec struct {
	opts []zstd.EOption
}

// NewCodec creates new Codec.
//
// Options are applied after the defaults derived from the chunk size.
func NewCodec(opts ...zstd.EOption) *Codec {
	return &Codec{
		opts: opts,
	}
}

// Name implements chunkpress.Codec.
func (c *Codec) Name() string {
	return Name
}

// NeededMemory implements chunkpress.Codec.
func (c *Codec) NeededMemory(maxChunkSize uint32) uint64 {
	return 2*uint64(windowSize(maxChunkSize)) + encoderTableMemory
}

// NewCompressor implements chunkpress.Codec.
func (c *Codec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	enc, err := zstd.NewWriter(nil, append([]zstd.EOption{
		zstd.WithEncoderConcurrency(1),
		zstd.WithWindowSize(windowSize(maxChunkSize)),
	}, c.opts...)...)
	if err != nil {
		return nil, err
	}

	return &Compressor{
		enc:          enc,
		maxChunkSize: maxChunkSize,
	}, nil
}

// NewDecompressor implements chunkpress.Codec.
func (c *Codec) NewDecompressor(maxChunkSize uint32) (chunkpress.Decompressor, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(max(maxChunkSize, zstd.MinWindowSize))),
	)
	if err != nil {
		return nil, err
	}

	return &Decompressor{
		dec: dec,
	}, nil
}

// Compressor compresses chunks using zstd.
type Compressor struct {
	enc *zstd.Encoder

	maxChunkSize uint32
}

// Compress implements chunkpress.Compressor.
func (c *Compressor) Compress(dst, src []byte) (int, error) {
	if len(src) > int(c.maxChunkSize) {
		return 0, fmt.Errorf("chunk size %d exceeds maximum %d", len(src), c.maxChunkSize)
	}

	if len(src) == 0 || len(dst) == 0 {
		return 0, nil
	}

	// encoding appends in place until the output outgrows dst
	out := c.enc.EncodeAll(src, dst[:0:len(dst)])
	if len(out) > len(dst) {
		return 0, nil
	}

	return len(out), nil
}

// Close implements chunkpress.Compressor.
func (c *Compressor) Close() error {
	return c.enc.Close()
}

// Decompressor decompresses chunks using zstd.
type Decompressor struct {
	dec *zstd.Decoder
}

// Decompress implements chunkpress.Decompressor.
func (d *Decompressor) Decompress(dst, src []byte) error {
	out, err := d.dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return err
	}

	if len(out) != len(dst) {
		return fmt.Errorf("decompressed size mismatch: expected %d, got %d", len(dst), len(out))
	}

	return nil
}

// Close implements chunkpress.Decompressor.
func (d *Decompressor) Close() error {
	d.dec.Close()

	return nil
}

// DecompressedSize returns the size of the decompressed data.
func DecompressedSize(src []byte) (int64, error) {
	if len(src) == 0 {
		return 0, nil
	}

	var header zstd.Header

	if err := header.Decode(src); err != nil {
		return 0, err
	}

	if header.HasFCS {
		return int64(header.FrameContentSize), nil
	}

	return 0, errors.New("frame content size is not set")
}

func windowSize(maxChunkSize uint32) int {
	return min(max(int(maxChunkSize), zstd.MinWindowSize), zstd.MaxWindowSize)
}
