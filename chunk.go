// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

// chunk is a single slot of a batch.
type chunk struct {
	// uncompressed data, ChunkSize bytes
	uncompressed []byte
	// compressed data, ChunkSize-1 bytes: a result which doesn't shrink is stored verbatim
	compressed []byte
	// uncompressed size of the chunk, 0 until filled
	uncompressedSize uint32
	// compressed size of the chunk, 0 means store verbatim
	compressedSize uint32
}

func (c *chunk) result() Result {
	if c.compressedSize != 0 {
		return Result{
			Data:             c.compressed[:c.compressedSize],
			CompressedSize:   c.compressedSize,
			UncompressedSize: c.uncompressedSize,
		}
	}

	return Result{
		Data:             c.uncompressed[:c.uncompressedSize],
		CompressedSize:   c.uncompressedSize,
		UncompressedSize: c.uncompressedSize,
	}
}

// compress runs the compressor over the filled part of the chunk.
//
// Any compressor error degrades to verbatim storage.
func (c *chunk) compress(compressor Compressor) error {
	c.compressedSize = 0

	// output has to be strictly smaller than the input
	n, err := compressor.Compress(c.compressed[:c.uncompressedSize-1], c.uncompressed[:c.uncompressedSize])
	if err != nil {
		return err
	}

	if n > 0 && n < int(c.uncompressedSize) {
		c.compressedSize = uint32(n)
	}

	return nil
}
