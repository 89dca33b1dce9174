// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/go-chunkpress"
)

// Stats summarizes the data written so far.
type Stats struct {
	Chunks       int
	StoredChunks int
	BytesIn      int64
	BytesOut     int64
}

// Writer compresses data written to it into a chunk file.
//
// Writer is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	engine chunkpress.ChunkCompressor

	// checksums of the chunks submitted but not written yet, in submission order
	checksums *queue.Queue

	// borrowed chunk buffer
	buf    []byte
	filled int

	err error

	stats Stats

	closed bool
}

// NewWriter writes the header to w and returns a Writer compressing with a chunk compressor created from opts.
func NewWriter(w io.Writer, opts ...chunkpress.OptionFunc) (*Writer, error) {
	engine, err := chunkpress.New(opts...)
	if err != nil {
		return nil, err
	}

	zw, err := NewWriterWithCompressor(w, engine)
	if err != nil {
		engine.Close() //nolint:errcheck

		return nil, err
	}

	return zw, nil
}

// NewWriterWithCompressor writes the header to w and returns a Writer compressing with engine.
//
// The Writer takes ownership of engine and closes it on Close.
func NewWriterWithCompressor(w io.Writer, engine chunkpress.ChunkCompressor) (*Writer, error) {
	header, err := Header{
		Codec:     engine.CodecName(),
		ChunkSize: engine.ChunkSize(),
	}.encode()
	if err != nil {
		return nil, err
	}

	n, err := w.Write(header)
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &Writer{
		w:         w,
		engine:    engine,
		checksums: queue.New(),
		stats: Stats{
			BytesOut: int64(n),
		},
	}, nil
}

// Write implements io.Writer.
func (zw *Writer) Write(p []byte) (int, error) {
	if zw.closed {
		return 0, chunkpress.ErrClosed
	}

	if zw.err != nil {
		return 0, zw.err
	}

	written := 0

	for len(p) > 0 {
		if zw.buf == nil {
			zw.buf = zw.engine.GetChunkBuffer()

			if zw.buf == nil {
				// all buffers are busy, make room by writing out the next chunk
				if err := zw.writeNext(); err != nil {
					zw.err = err

					return written, err
				}

				continue
			}
		}

		n := copy(zw.buf[zw.filled:], p)
		zw.filled += n
		written += n
		p = p[n:]

		if zw.filled == len(zw.buf) {
			zw.submit()
		}
	}

	return written, nil
}

// ReadFrom implements io.ReaderFrom, reading r straight into chunk buffers until EOF.
func (zw *Writer) ReadFrom(r io.Reader) (int64, error) {
	if zw.closed {
		return 0, chunkpress.ErrClosed
	}

	if zw.err != nil {
		return 0, zw.err
	}

	var total int64

	for {
		if zw.buf == nil {
			zw.buf = zw.engine.GetChunkBuffer()

			if zw.buf == nil {
				if err := zw.writeNext(); err != nil {
					zw.err = err

					return total, err
				}

				continue
			}
		}

		n, err := io.ReadFull(r, zw.buf[zw.filled:])
		zw.filled += n
		total += int64(n)

		if zw.filled == len(zw.buf) {
			zw.submit()
		}

		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return total, nil
		case err != nil:
			return total, err
		}
	}
}

// Close flushes all pending chunks, writes the terminator and releases the chunk compressor.
//
// Close doesn't close the underlying writer.
func (zw *Writer) Close() error {
	if zw.closed {
		return nil
	}

	zw.closed = true

	var result *multierror.Error

	if err := zw.flush(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := zw.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Stats returns statistics of the data written so far.
func (zw *Writer) Stats() Stats {
	return zw.stats
}

func (zw *Writer) flush() error {
	if zw.err != nil {
		return zw.err
	}

	if zw.filled > 0 {
		zw.submit()
	}

	for {
		err := zw.writeNext()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}
	}

	var terminator [recordHeaderSize]byte

	n, err := zw.w.Write(terminator[:])
	zw.stats.BytesOut += int64(n)

	return err
}

func (zw *Writer) submit() {
	chunk := zw.buf[:zw.filled]

	zw.checksums.Add(xxhash.Sum64(chunk))
	zw.stats.BytesIn += int64(len(chunk))

	zw.engine.SignalChunkFilled(uint32(zw.filled))

	zw.buf = nil
	zw.filled = 0
}

// writeNext writes out the next chunk in order.
//
// If no chunks are pending, writeNext returns io.EOF.
func (zw *Writer) writeNext() error {
	res, ok := zw.engine.GetCompressionResult()
	if !ok {
		return io.EOF
	}

	if zw.checksums.Length() == 0 {
		panic("compression result without a submitted chunk")
	}

	checksum := zw.checksums.Remove().(uint64) //nolint:forcetypeassert

	var header [recordHeaderSize]byte

	record{
		uncompressedSize: res.UncompressedSize,
		storedSize:       res.CompressedSize,
		checksum:         checksum,
	}.encode(&header)

	n, err := zw.w.Write(header[:])
	zw.stats.BytesOut += int64(n)

	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	n, err = zw.w.Write(res.Data)
	zw.stats.BytesOut += int64(n)

	if err != nil {
		return fmt.Errorf("failed to write chunk data: %w", err)
	}

	zw.stats.Chunks++

	if res.Stored() {
		zw.stats.StoredChunks++
	}

	return nil
}
