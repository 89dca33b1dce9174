// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chunkfile implements a container format for streams compressed chunk by chunk.
//
// The stream starts with a header naming the codec and the chunk size, followed by one record
// per chunk in the original order. Each record carries the uncompressed size, the stored size and
// the xxhash64 of the uncompressed data. A record with zero uncompressed size terminates the stream.
package chunkfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Magic starts every chunk file.
const Magic = "CHNKPRS1"

// MaxChunkSize is the largest chunk size a chunk file may declare.
const MaxChunkSize = 64 << 20

const (
	maxCodecNameLength = 255
	recordHeaderSize   = 16
)

var (
	// ErrCorrupted is returned when the stream is malformed.
	ErrCorrupted = errors.New("chunk file is corrupted")

	// ErrChecksumMismatch is returned when the decompressed chunk doesn't match its checksum.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrUnknownCodec is returned when the stream was written with a codec the reader doesn't have.
	ErrUnknownCodec = errors.New("unknown codec")
)

// Header is the stream header.
type Header struct {
	Codec     string
	ChunkSize uint32
}

func (h Header) encode() ([]byte, error) {
	if len(h.Codec) == 0 || len(h.Codec) > maxCodecNameLength {
		return nil, fmt.Errorf("invalid codec name %q", h.Codec)
	}

	if !validChunkSize(h.ChunkSize) {
		return nil, fmt.Errorf("unsupported chunk size %d, should be a power of two up to %d", h.ChunkSize, MaxChunkSize)
	}

	buf := make([]byte, 0, len(Magic)+1+len(h.Codec)+4)
	buf = append(buf, Magic...)
	buf = append(buf, byte(len(h.Codec)))
	buf = append(buf, h.Codec...)
	buf = binary.LittleEndian.AppendUint32(buf, h.ChunkSize)

	return buf, nil
}

func readHeader(r io.Reader) (Header, error) {
	var prefix [len(Magic) + 1]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, fmt.Errorf("failed to read header: %w", corrupted(err))
	}

	if string(prefix[:len(Magic)]) != Magic {
		return Header{}, fmt.Errorf("bad magic: %w", ErrCorrupted)
	}

	nameLen := int(prefix[len(Magic)])
	if nameLen == 0 {
		return Header{}, fmt.Errorf("empty codec name: %w", ErrCorrupted)
	}

	rest := make([]byte, nameLen+4)

	if _, err := io.ReadFull(r, rest); err != nil {
		return Header{}, fmt.Errorf("failed to read header: %w", corrupted(err))
	}

	h := Header{
		Codec:     string(rest[:nameLen]),
		ChunkSize: binary.LittleEndian.Uint32(rest[nameLen:]),
	}

	if !validChunkSize(h.ChunkSize) {
		return Header{}, fmt.Errorf("invalid chunk size %d: %w", h.ChunkSize, ErrCorrupted)
	}

	return h, nil
}

func validChunkSize(size uint32) bool {
	return size >= 2 && size <= MaxChunkSize && bits.OnesCount32(size) == 1
}

// record is the fixed part of a chunk record.
type record struct {
	uncompressedSize uint32
	storedSize       uint32
	checksum         uint64
}

func (rec record) encode(buf *[recordHeaderSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:], rec.uncompressedSize)
	binary.LittleEndian.PutUint32(buf[4:], rec.storedSize)
	binary.LittleEndian.PutUint64(buf[8:], rec.checksum)
}

// readRecord reads the next record header and validates it against the chunk size.
func readRecord(r io.Reader, chunkSize uint32) (record, error) {
	var buf [recordHeaderSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return record{}, fmt.Errorf("failed to read record: %w", corrupted(err))
	}

	rec := record{
		uncompressedSize: binary.LittleEndian.Uint32(buf[0:]),
		storedSize:       binary.LittleEndian.Uint32(buf[4:]),
		checksum:         binary.LittleEndian.Uint64(buf[8:]),
	}

	switch {
	case rec.uncompressedSize == 0 && (rec.storedSize != 0 || rec.checksum != 0):
		return record{}, fmt.Errorf("malformed terminator: %w", ErrCorrupted)
	case rec.uncompressedSize > chunkSize:
		return record{}, fmt.Errorf("chunk size %d exceeds %d: %w", rec.uncompressedSize, chunkSize, ErrCorrupted)
	case rec.storedSize > rec.uncompressedSize:
		return record{}, fmt.Errorf("stored size %d exceeds chunk size %d: %w", rec.storedSize, rec.uncompressedSize, ErrCorrupted)
	case rec.uncompressedSize != 0 && rec.storedSize == 0:
		return record{}, fmt.Errorf("empty chunk data: %w", ErrCorrupted)
	}

	return rec, nil
}

func (rec record) terminator() bool {
	return rec.uncompressedSize == 0
}

func (rec record) stored() bool {
	return rec.storedSize == rec.uncompressedSize
}

// corrupted maps a premature end of stream to ErrCorrupted.
func corrupted(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrCorrupted, io.ErrUnexpectedEOF)
	}

	return err
}
