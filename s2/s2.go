// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package s2 implements chunk compression with S2 block encoding.
package s2

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/siderolabs/go-chunkpress"
)

// Name is the algorithm tag of the codec.
const Name = "s2"

// encoder hash tables
const encoderTableMemory = 1 << 18

// Level selects the S2 encoder.
type Level int

// Supported levels.
const (
	LevelDefault Level = iota
	LevelBetter
	LevelBest
)

// Codec implements chunkpress.Codec using S2 block compression.
type Codec struct {
	level Level
}

// NewCodec creates new Codec.
func NewCodec(level Level) (*Codec, error) {
	if level < LevelDefault || level > LevelBest {
		return nil, fmt.Errorf("unsupported s2 level: %d", level)
	}

	return &Codec{
		level: level,
	}, nil
}

// Name implements chunkpress.Codec.
func (c *Codec) Name() string {
	return Name
}

// NeededMemory implements chunkpress.Codec.
func (c *Codec) NeededMemory(maxChunkSize uint32) uint64 {
	return uint64(max(s2.MaxEncodedLen(int(maxChunkSize)), 0)) + encoderTableMemory
}

// NewCompressor implements chunkpress.Codec.
func (c *Codec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	n := s2.MaxEncodedLen(int(maxChunkSize))
	if n < 0 {
		return nil, fmt.Errorf("chunk size %d is too large for s2", maxChunkSize)
	}

	encode := s2.Encode

	switch c.level {
	case LevelDefault:
	case LevelBetter:
		encode = s2.EncodeBetter
	case LevelBest:
		encode = s2.EncodeBest
	}

	return &Compressor{
		encode:       encode,
		scratch:      make([]byte, n),
		maxChunkSize: maxChunkSize,
	}, nil
}

// NewDecompressor implements chunkpress.Codec.
func (c *Codec) NewDecompressor(uint32) (chunkpress.Decompressor, error) {
	return Decompressor{}, nil
}

// Compressor compresses chunks using S2.
//
// S2 needs worst-case sized output, so the chunk is encoded into scratch space first.
type Compressor struct {
	encode func(dst, src []byte) []byte

	scratch []byte

	maxChunkSize uint32
}

// Compress implements chunkpress.Compressor.
func (c *Compressor) Compress(dst, src []byte) (int, error) {
	if len(src) > int(c.maxChunkSize) {
		return 0, fmt.Errorf("chunk size %d exceeds maximum %d", len(src), c.maxChunkSize)
	}

	if len(src) == 0 {
		return 0, nil
	}

	out := c.encode(c.scratch, src)
	if len(out) > len(dst) {
		return 0, nil
	}

	return copy(dst, out), nil
}

// Close implements chunkpress.Compressor.
func (c *Compressor) Close() error {
	c.scratch = nil

	return nil
}

// Decompressor decompresses S2 blocks.
type Decompressor struct{}

// Decompress implements chunkpress.Decompressor.
func (Decompressor) Decompress(dst, src []byte) error {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return err
	}

	if n != len(dst) {
		return fmt.Errorf("decompressed size mismatch: expected %d, got %d", len(dst), n)
	}

	_, err = s2.Decode(dst, src)

	return err
}

// Close implements chunkpress.Decompressor.
func (Decompressor) Close() error {
	return nil
}
