// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkfile

import (
	"bufio"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/siderolabs/go-chunkpress"
)

// Reader decompresses a chunk file.
//
// Reader is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader

	decompressor chunkpress.Decompressor

	header Header

	// stored data of the current record
	stored []byte
	// decompressed chunk
	chunk []byte
	// unread part of chunk
	pending []byte

	err error

	index int
}

// NewReader reads the header from r and returns a Reader.
//
// The codec the file was written with is looked up by name among codecs.
func NewReader(r io.Reader, codecs ...chunkpress.Codec) (*Reader, error) {
	br := bufio.NewReader(r)

	header, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	var codec chunkpress.Codec

	for _, c := range codecs {
		if c.Name() == header.Codec {
			codec = c

			break
		}
	}

	if codec == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, header.Codec)
	}

	decompressor, err := codec.NewDecompressor(header.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s decompressor: %w", header.Codec, err)
	}

	return &Reader{
		r:            br,
		decompressor: decompressor,
		header:       header,
		stored:       make([]byte, header.ChunkSize),
		chunk:        make([]byte, header.ChunkSize),
	}, nil
}

// Header returns the stream header.
func (zr *Reader) Header() Header {
	return zr.header
}

// Read implements io.Reader.
func (zr *Reader) Read(p []byte) (int, error) {
	for len(zr.pending) == 0 {
		if zr.err != nil {
			return 0, zr.err
		}

		zr.err = zr.next()
	}

	n := copy(p, zr.pending)
	zr.pending = zr.pending[n:]

	return n, nil
}

// Close releases the decompressor.
func (zr *Reader) Close() error {
	return zr.decompressor.Close()
}

// next decodes the next record into the pending buffer.
func (zr *Reader) next() error {
	rec, err := readRecord(zr.r, zr.header.ChunkSize)
	if err != nil {
		return err
	}

	if rec.terminator() {
		return io.EOF
	}

	stored := zr.stored[:rec.storedSize]

	if _, err = io.ReadFull(zr.r, stored); err != nil {
		return fmt.Errorf("failed to read chunk %d: %w", zr.index, corrupted(err))
	}

	chunk := zr.chunk[:rec.uncompressedSize]

	if rec.stored() {
		copy(chunk, stored)
	} else if err = zr.decompressor.Decompress(chunk, stored); err != nil {
		return fmt.Errorf("failed to decompress chunk %d: %w: %w", zr.index, ErrCorrupted, err)
	}

	if xxhash.Sum64(chunk) != rec.checksum {
		return fmt.Errorf("chunk %d: %w", zr.index, ErrChecksumMismatch)
	}

	zr.index++
	zr.pending = chunk

	return nil
}

// ChunkInfo describes a single chunk record.
type ChunkInfo struct {
	// Offset of the record in the stream.
	Offset           int64
	Checksum         uint64
	Index            int
	UncompressedSize uint32
	StoredSize       uint32
}

// Stored returns true if the chunk is stored verbatim.
func (info ChunkInfo) Stored() bool {
	return info.StoredSize == info.UncompressedSize
}

// Inspect lists the chunk records of the stream without decompressing them.
func Inspect(r io.Reader) (Header, []ChunkInfo, error) {
	cr := &countingReader{r: bufio.NewReader(r)}

	header, err := readHeader(cr)
	if err != nil {
		return Header{}, nil, err
	}

	var chunks []ChunkInfo

	for {
		offset := cr.n

		rec, err := readRecord(cr, header.ChunkSize)
		if err != nil {
			return header, chunks, err
		}

		if rec.terminator() {
			return header, chunks, nil
		}

		if _, err = io.CopyN(io.Discard, cr, int64(rec.storedSize)); err != nil {
			return header, chunks, fmt.Errorf("failed to skip chunk %d: %w", len(chunks), corrupted(err))
		}

		chunks = append(chunks, ChunkInfo{
			Index:            len(chunks),
			Offset:           offset,
			UncompressedSize: rec.uncompressedSize,
			StoredSize:       rec.storedSize,
			Checksum:         rec.checksum,
		})
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)

	return n, err
}
