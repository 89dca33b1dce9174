// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package flate implements chunk compression with raw DEFLATE.
package flate

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/siderolabs/go-chunkpress"
)

// Name is the algorithm tag of the codec.
const Name = "flate"

// DefaultLevel is the default compression level.
const DefaultLevel = flate.DefaultCompression

// compressor state: window, hash chains and token buffers
const encoderMemory = 1 << 20

// Codec implements chunkpress.Codec using raw DEFLATE compression.
type Codec struct {
	level int
}

// NewCodec creates new Codec with the given compression level.
func NewCodec(level int) (*Codec, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, fmt.Errorf("unsupported flate level: %d", level)
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
func (c *Codec) NeededMemory(uint32) uint64 {
	return encoderMemory
}

// NewCompressor implements chunkpress.Codec.
func (c *Codec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	out := &boundedWriter{}

	w, err := flate.NewWriter(out, c.level)
	if err != nil {
		return nil, err
	}

	return &Compressor{
		w:            w,
		out:          out,
		maxChunkSize: maxChunkSize,
	}, nil
}

// NewDecompressor implements chunkpress.Codec.
func (c *Codec) NewDecompressor(uint32) (chunkpress.Decompressor, error) {
	src := bytes.NewReader(nil)

	return &Decompressor{
		r:   flate.NewReader(src),
		src: src,
	}, nil
}

// Compressor compresses chunks using DEFLATE.
type Compressor struct {
	w   *flate.Writer
	out *boundedWriter

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

	c.out.reset(dst)
	c.w.Reset(c.out)

	_, err := c.w.Write(src)
	if err == nil {
		err = c.w.Close()
	}

	if c.out.overflow {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return c.out.n, nil
}

// Close implements chunkpress.Compressor.
func (c *Compressor) Close() error {
	c.out.reset(nil)

	return nil
}

// Decompressor decompresses raw DEFLATE chunks.
type Decompressor struct {
	r   io.ReadCloser
	src *bytes.Reader
}

// Decompress implements chunkpress.Decompressor.
func (d *Decompressor) Decompress(dst, src []byte) error {
	d.src.Reset(src)

	if err := d.r.(flate.Resetter).Reset(d.src, nil); err != nil { //nolint:forcetypeassert
		return err
	}

	if _, err := io.ReadFull(d.r, dst); err != nil {
		return fmt.Errorf("failed to decompress chunk: %w", err)
	}

	var extra [1]byte

	if n, _ := d.r.Read(extra[:]); n != 0 { //nolint:errcheck
		return fmt.Errorf("decompressed data exceeds %d bytes", len(dst))
	}

	return nil
}

// Close implements chunkpress.Decompressor.
func (d *Decompressor) Close() error {
	return d.r.Close()
}

var errOverflow = errors.New("compressed data doesn't fit")

// boundedWriter writes into a fixed slice, failing once it is full.
type boundedWriter struct {
	buf []byte
	n   int

	overflow bool
}

func (w *boundedWriter) reset(buf []byte) {
	w.buf = buf
	w.n = 0
	w.overflow = false
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.n {
		w.overflow = true

		return 0, errOverflow
	}

	w.n += copy(w.buf[w.n:], p)

	return len(p), nil
}
