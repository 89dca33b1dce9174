// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress_test

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"errors"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-chunkpress"
)

// fakeSystem reports fixed resources.
type fakeSystem struct {
	cpusErr   error
	memoryErr error
	cpus      int
	memory    uint64
}

func (s fakeSystem) AvailableCPUs() (int, error) {
	return s.cpus, s.cpusErr
}

func (s fakeSystem) AvailableMemory() (uint64, error) {
	return s.memory, s.memoryErr
}

// slowCodec throttles each compressor instance at a different rate, so that workers finish out of order.
type slowCodec struct {
	chunkpress.Codec

	instances atomic.Int32
}

func (c *slowCodec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	compressor, err := c.Codec.NewCompressor(maxChunkSize)
	if err != nil {
		return nil, err
	}

	n := c.instances.Add(1)

	return &slowCompressor{
		Compressor: compressor,
		limiter:    rate.NewLimiter(rate.Limit(2000/n), 1),
	}, nil
}

type slowCompressor struct {
	chunkpress.Compressor

	limiter *rate.Limiter
}

func (c *slowCompressor) Compress(dst, src []byte) (int, error) {
	c.limiter.Wait(context.Background()) //nolint:errcheck

	return c.Compressor.Compress(dst, src)
}

// limitedCodec fails to create more than limit compressor instances.
type limitedCodec struct {
	chunkpress.Codec

	limit   int
	created int
}

var errTooManyInstances = errors.New("too many compressor instances")

func (c *limitedCodec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	if c.created >= c.limit {
		return nil, errTooManyInstances
	}

	c.created++

	return c.Codec.NewCompressor(maxChunkSize)
}

// flakyCodec fails to create the compressor instance number failAt, counting from 1.
type flakyCodec struct {
	chunkpress.Codec

	failAt  int
	created int
}

func (c *flakyCodec) NewCompressor(maxChunkSize uint32) (chunkpress.Compressor, error) {
	c.created++

	if c.created == c.failAt {
		return nil, errTooManyInstances
	}

	return c.Codec.NewCompressor(maxChunkSize)
}

// failingCodec returns an error on every compression.
type failingCodec struct {
	chunkpress.Codec
}

func (c failingCodec) NewCompressor(uint32) (chunkpress.Compressor, error) {
	return failingCompressor{}, nil
}

type failingCompressor struct{}

func (failingCompressor) Compress([]byte, []byte) (int, error) {
	return 0, errors.New("compression failed")
}

func (failingCompressor) Close() error {
	return nil
}

// testChunks generates chunks of random size with a mix of compressible and incompressible data.
func testChunks(t testing.TB, count int, chunkSize uint32) [][]byte {
	t.Helper()

	chunks := make([][]byte, count)

	for i := range chunks {
		size := 1 + rand.IntN(int(chunkSize))

		switch i % 3 {
		case 0:
			chunks[i] = make([]byte, size)
		case 1:
			data, err := io.ReadAll(io.LimitReader(cryptorand.Reader, int64(size)))
			require.NoError(t, err)

			chunks[i] = data
		case 2:
			chunks[i] = bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), size/44+1)[:size]
		}
	}

	return chunks
}

// compressChunks pushes all chunks through the compressor, returning the decompressed results in the order returned.
//
// check is called after every call to the compressor.
func compressChunks(t testing.TB, c chunkpress.ChunkCompressor, codec chunkpress.Codec, chunks [][]byte, check func()) [][]byte {
	t.Helper()

	decompressor, err := codec.NewDecompressor(c.ChunkSize())
	require.NoError(t, err)

	defer decompressor.Close() //nolint:errcheck

	var results [][]byte

	collect := func() bool {
		res, ok := c.GetCompressionResult()
		check()

		if !ok {
			return false
		}

		require.Len(t, res.Data, int(res.CompressedSize))
		require.LessOrEqual(t, res.CompressedSize, res.UncompressedSize)

		data := make([]byte, res.UncompressedSize)

		if res.Stored() {
			copy(data, res.Data)
		} else {
			require.NoError(t, decompressor.Decompress(data, res.Data))
		}

		results = append(results, data)

		return true
	}

	for _, chunk := range chunks {
		for {
			buf := c.GetChunkBuffer()
			check()

			if buf != nil {
				require.Len(t, buf, int(c.ChunkSize()))

				copy(buf, chunk)

				break
			}

			require.True(t, collect(), "no buffer and no result available")
		}

		c.SignalChunkFilled(uint32(len(chunk)))
		check()
	}

	for collect() {
	}

	return results
}

func noCheck() {}
