// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/siderolabs/gen/xtesting/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/go-chunkpress"
	"github.com/siderolabs/go-chunkpress/flate"
	"github.com/siderolabs/go-chunkpress/s2"
	"github.com/siderolabs/go-chunkpress/zstd"
)

func testCodecs(t testing.TB) []chunkpress.Codec {
	return []chunkpress.Codec{
		zstd.NewCodec(),
		must.Value(s2.NewCodec(s2.LevelBetter))(t),
		must.Value(flate.NewCodec(flate.DefaultLevel))(t),
	}
}

func TestParallelRoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range testCodecs(t) {
		for _, test := range []struct {
			chunkSize uint32
			threads   int
		}{
			{
				chunkSize: 4096,
				threads:   2,
			},
			{
				chunkSize: 32768,
				threads:   4,
			},
			{
				chunkSize: 65536,
				threads:   8,
			},
		} {
			t.Run(fmt.Sprintf("%s/%d/%d", codec.Name(), test.chunkSize, test.threads), func(t *testing.T) {
				t.Parallel()

				req := require.New(t)

				c, err := chunkpress.NewParallelCompressor(
					chunkpress.WithCodec(codec),
					chunkpress.WithChunkSize(test.chunkSize),
					chunkpress.WithThreads(test.threads),
					chunkpress.WithMaxMemory(1<<30),
					chunkpress.WithLogger(zaptest.NewLogger(t)),
				)
				req.NoError(err)

				t.Cleanup(func() {
					req.NoError(c.Close())
				})

				req.Equal(test.threads, c.NumThreads())
				req.Equal(test.chunkSize, c.ChunkSize())
				req.Equal(codec.Name(), c.CodecName())

				chunks := testChunks(t, 200, test.chunkSize)

				// batches are conserved across every call
				check := func() {
					stats := c.Stats()

					req.Equal(stats.Total, stats.Available+stats.Filling+stats.InFlight+stats.Draining)
					req.LessOrEqual(stats.Filling, 1)
					req.LessOrEqual(stats.Draining, 1)
				}

				results := compressChunks(t, c, codec, chunks, check)
				req.Equal(chunks, results)

				stats := c.Stats()
				req.Equal(stats.Total, stats.Available)
			})
		}
	}
}

func TestParallelOrder(t *testing.T) {
	t.Parallel()

	for _, chunkSize := range []uint32{1024, 16384} {
		t.Run(fmt.Sprint(chunkSize), func(t *testing.T) {
			t.Parallel()

			req := require.New(t)

			codec := &slowCodec{
				Codec: zstd.NewCodec(),
			}

			c, err := chunkpress.NewParallelCompressor(
				chunkpress.WithCodec(codec),
				chunkpress.WithChunkSize(chunkSize),
				chunkpress.WithThreads(8),
				chunkpress.WithMaxMemory(1<<30),
			)
			req.NoError(err)

			t.Cleanup(func() {
				req.NoError(c.Close())
			})

			chunks := testChunks(t, 500, chunkSize)

			req.Equal(chunks, compressChunks(t, c, codec, chunks, noCheck))
		})
	}
}

func TestParallelScenario(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	codec := zstd.NewCodec()

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(codec),
		chunkpress.WithChunkSize(65536),
		chunkpress.WithThreads(4),
		chunkpress.WithMaxMemory(64<<20),
		chunkpress.WithLogger(zaptest.NewLogger(t)),
	)
	req.NoError(err)

	t.Cleanup(func() {
		req.NoError(c.Close())
	})

	layout := c.Layout()

	req.Equal(4, layout.Threads)
	req.Equal(2, layout.ChunksPerBatch)
	req.Equal(2, layout.BatchesPerThread)
	req.Equal(8, layout.Batches)
	req.LessOrEqual(layout.EstimatedMemory, uint64(64<<20))

	chunks := testChunks(t, 100, 65536)

	req.Equal(chunks, compressChunks(t, c, codec, chunks, noCheck))
}

func TestParallelSingleThreaded(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		options []chunkpress.OptionFunc
	}{
		{
			name: "one thread",

			options: []chunkpress.OptionFunc{
				chunkpress.WithThreads(1),
			},
		},
		{
			name: "one cpu",

			options: []chunkpress.OptionFunc{
				chunkpress.WithSystemInfo(fakeSystem{cpus: 1, memory: 1 << 30}),
			},
		},
		{
			name: "cpu discovery failure",

			options: []chunkpress.OptionFunc{
				chunkpress.WithSystemInfo(fakeSystem{cpusErr: assert.AnError, memory: 1 << 30}),
			},
		},
		{
			name: "memory too low",

			options: []chunkpress.OptionFunc{
				chunkpress.WithThreads(4),
				chunkpress.WithMaxMemory(1),
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := chunkpress.NewParallelCompressor(append(test.options,
				chunkpress.WithCodec(zstd.NewCodec()),
				chunkpress.WithLogger(zaptest.NewLogger(t)),
			)...)
			require.ErrorIs(t, err, chunkpress.ErrUseSingleThreaded)
		})
	}
}

func TestParallelSystemInfo(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(zstd.NewCodec()),
		chunkpress.WithChunkSize(65536),
		chunkpress.WithSystemInfo(fakeSystem{cpus: 3, memoryErr: assert.AnError}),
		chunkpress.WithLogger(zaptest.NewLogger(t)),
	)
	req.NoError(err)

	req.Equal(3, c.NumThreads())

	req.NoError(c.Close())
}

func TestParallelCompressorCreationFailure(t *testing.T) {
	t.Parallel()

	t.Run("fewer threads", func(t *testing.T) {
		t.Parallel()

		c, err := chunkpress.NewParallelCompressor(
			chunkpress.WithCodec(&limitedCodec{Codec: zstd.NewCodec(), limit: 2}),
			chunkpress.WithThreads(4),
			chunkpress.WithMaxMemory(1<<30),
			chunkpress.WithLogger(zaptest.NewLogger(t)),
		)
		require.NoError(t, err)

		assert.Equal(t, 2, c.NumThreads())
		assert.Equal(t, 2*c.Layout().BatchesPerThread, c.Layout().Batches)

		require.NoError(t, c.Close())
	})

	t.Run("out of memory", func(t *testing.T) {
		t.Parallel()

		_, err := chunkpress.NewParallelCompressor(
			chunkpress.WithCodec(&limitedCodec{Codec: zstd.NewCodec(), limit: 1}),
			chunkpress.WithThreads(4),
			chunkpress.WithMaxMemory(1<<30),
			chunkpress.WithLogger(zaptest.NewLogger(t)),
		)
		require.ErrorIs(t, err, chunkpress.ErrOutOfMemory)
		require.ErrorIs(t, err, errTooManyInstances)
	})
}

func TestParallelBackpressure(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	const chunkSize = 4096

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(zstd.NewCodec()),
		chunkpress.WithChunkSize(chunkSize),
		chunkpress.WithThreads(2),
		chunkpress.WithMaxMemory(1<<30),
	)
	req.NoError(err)

	t.Cleanup(func() {
		req.NoError(c.Close())
	})

	layout := c.Layout()
	req.Equal(4, layout.ChunksPerBatch)
	req.Equal(4, layout.Batches)

	capacity := layout.Batches * layout.ChunksPerBatch

	data := bytes.Repeat([]byte{0xaa}, chunkSize)

	// buffers never alias while chunks are in flight
	seen := map[*byte]struct{}{}

	for range capacity {
		buf := c.GetChunkBuffer()
		req.NotNil(buf)

		_, dup := seen[&buf[0]]
		req.False(dup)

		seen[&buf[0]] = struct{}{}

		copy(buf, data)
		c.SignalChunkFilled(chunkSize)
	}

	req.Nil(c.GetChunkBuffer())
	req.Equal(chunkpress.PoolStats{Total: 4, InFlight: 4}, c.Stats())

	// the draining batch is returned only once all of its chunks are retrieved
	for i := range layout.ChunksPerBatch {
		res, ok := c.GetCompressionResult()
		req.True(ok)
		req.False(res.Stored())
		req.EqualValues(chunkSize, res.UncompressedSize)

		if i < layout.ChunksPerBatch-1 {
			req.Nil(c.GetChunkBuffer())
			req.Equal(chunkpress.PoolStats{Total: 4, InFlight: 3, Draining: 1}, c.Stats())
		}
	}

	req.Equal(chunkpress.PoolStats{Total: 4, Available: 1, InFlight: 3}, c.Stats())

	buf := c.GetChunkBuffer()
	req.NotNil(buf)

	req.Equal(chunkpress.PoolStats{Total: 4, Filling: 1, InFlight: 3}, c.Stats())

	copy(buf, data)
	c.SignalChunkFilled(100)

	for range capacity - layout.ChunksPerBatch {
		res, ok := c.GetCompressionResult()
		req.True(ok)
		req.EqualValues(chunkSize, res.UncompressedSize)
	}

	// partially filled batch is flushed by the consumer
	res, ok := c.GetCompressionResult()
	req.True(ok)
	req.EqualValues(100, res.UncompressedSize)

	_, ok = c.GetCompressionResult()
	req.False(ok)

	req.Equal(chunkpress.PoolStats{Total: 4, Available: 4}, c.Stats())
}

func TestParallelStoredChunks(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	const chunkSize = 65536

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(zstd.NewCodec()),
		chunkpress.WithChunkSize(chunkSize),
		chunkpress.WithThreads(2),
	)
	req.NoError(err)

	t.Cleanup(func() {
		req.NoError(c.Close())
	})

	zeros := make([]byte, chunkSize)
	random := testChunks(t, 2, chunkSize)[1]

	copy(c.GetChunkBuffer(), zeros)
	c.SignalChunkFilled(chunkSize)

	copy(c.GetChunkBuffer(), random)
	c.SignalChunkFilled(uint32(len(random)))

	res, ok := c.GetCompressionResult()
	req.True(ok)
	req.False(res.Stored())
	req.Less(res.CompressedSize, res.UncompressedSize)
	req.EqualValues(chunkSize, res.UncompressedSize)

	res, ok = c.GetCompressionResult()
	req.True(ok)
	req.True(res.Stored())
	req.Equal(random, res.Data)
}

func TestParallelCompressionErrors(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	codec := failingCodec{Codec: zstd.NewCodec()}

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(codec),
		chunkpress.WithChunkSize(1024),
		chunkpress.WithThreads(2),
		chunkpress.WithLogger(zaptest.NewLogger(t)),
	)
	req.NoError(err)

	t.Cleanup(func() {
		req.NoError(c.Close())
	})

	chunks := testChunks(t, 20, 1024)

	c2 := &storedOnly{ChunkCompressor: c, t: t}

	req.Equal(chunks, compressChunks(t, c2, codec, chunks, noCheck))
}

// storedOnly asserts that every result is stored verbatim.
type storedOnly struct {
	chunkpress.ChunkCompressor

	t *testing.T
}

func (c *storedOnly) GetCompressionResult() (chunkpress.Result, bool) {
	res, ok := c.ChunkCompressor.GetCompressionResult()
	if ok {
		assert.True(c.t, res.Stored())
	}

	return res, ok
}

func TestParallelEmpty(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(zstd.NewCodec()),
		chunkpress.WithThreads(2),
	)
	req.NoError(err)

	_, ok := c.GetCompressionResult()
	req.False(ok)

	// borrowed, but never filled
	req.NotNil(c.GetChunkBuffer())

	_, ok = c.GetCompressionResult()
	req.False(ok)

	stats := c.Stats()
	req.Equal(stats.Total, stats.Available)

	req.NoError(c.Close())
	req.NoError(c.Close())

	req.Nil(c.GetChunkBuffer())

	_, ok = c.GetCompressionResult()
	req.False(ok)
}

func TestParallelMisuse(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(zstd.NewCodec()),
		chunkpress.WithChunkSize(1024),
		chunkpress.WithThreads(2),
	)
	req.NoError(err)

	t.Cleanup(func() {
		req.NoError(c.Close())
	})

	req.Panics(func() { c.SignalChunkFilled(10) })

	req.NotNil(c.GetChunkBuffer())

	req.Panics(func() { c.SignalChunkFilled(0) })
	req.Panics(func() { c.SignalChunkFilled(1025) })

	req.NotPanics(func() { c.SignalChunkFilled(1024) })
}

func TestParallelCloseInFlight(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	codec := &slowCodec{Codec: zstd.NewCodec()}

	c, err := chunkpress.NewParallelCompressor(
		chunkpress.WithCodec(codec),
		chunkpress.WithChunkSize(1024),
		chunkpress.WithThreads(4),
	)
	req.NoError(err)

	for {
		buf := c.GetChunkBuffer()
		if buf == nil {
			break
		}

		c.SignalChunkFilled(uint32(len(buf)))
	}

	// results are discarded, workers exit
	req.NoError(c.Close())
}

func TestParallelConcurrentCompressors(t *testing.T) {
	t.Parallel()

	var eg errgroup.Group

	for i := range 4 {
		chunkSize := uint32(1024) << i
		chunks := testChunks(t, 50, chunkSize)
		codec := must.Value(s2.NewCodec(s2.LevelDefault))(t)

		eg.Go(func() error {
			c, err := chunkpress.NewParallelCompressor(
				chunkpress.WithCodec(codec),
				chunkpress.WithChunkSize(chunkSize),
				chunkpress.WithThreads(2+i),
			)
			if err != nil {
				return err
			}

			var sizes []uint32

			for _, chunk := range chunks {
				buf := c.GetChunkBuffer()
				for buf == nil {
					res, ok := c.GetCompressionResult()
					if !ok {
						return fmt.Errorf("compressor %d: no buffer and no result", i)
					}

					sizes = append(sizes, res.UncompressedSize)
					buf = c.GetChunkBuffer()
				}

				copy(buf, chunk)
				c.SignalChunkFilled(uint32(len(chunk)))
			}

			for {
				res, ok := c.GetCompressionResult()
				if !ok {
					break
				}

				sizes = append(sizes, res.UncompressedSize)
			}

			if err = c.Close(); err != nil {
				return err
			}

			if len(sizes) != len(chunks) {
				return fmt.Errorf("compressor %d: expected %d results, got %d", i, len(chunks), len(sizes))
			}

			for j := range chunks {
				if sizes[j] != uint32(len(chunks[j])) {
					return fmt.Errorf("compressor %d: chunk %d out of order", i, j)
				}
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
