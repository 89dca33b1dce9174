// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"
)

// DefaultChunkSize is the chunk size used when WithChunkSize is not given.
const DefaultChunkSize = 32768

// Options defines settings for chunk compressors.
type Options struct {
	Codec Codec

	SystemInfo SystemInfo

	Logger *zap.Logger

	// Threads is the number of worker threads, 0 means one per available CPU.
	Threads int

	// MaxMemory is the memory budget in bytes, 0 means all available memory.
	MaxMemory uint64

	ChunkSize uint32
}

// Codec creates compressor instances for a single compression algorithm.
//
// Each Compressor is used by a single goroutine at a time.
type Codec interface {
	// Name returns the algorithm tag, e.g. "zstd".
	Name() string
	// NeededMemory returns the approximate working memory of a single Compressor instance.
	NeededMemory(maxChunkSize uint32) uint64
	NewCompressor(maxChunkSize uint32) (Compressor, error)
	NewDecompressor(maxChunkSize uint32) (Decompressor, error)
}

// Compressor compresses a single chunk into a bounded destination.
//
// Compress writes the compressed form of src into dst and returns the number of bytes written.
// If the compressed form doesn't fit into len(dst), Compress returns 0 and no error.
type Compressor interface {
	Compress(dst, src []byte) (int, error)
	Close() error
}

// Decompressor restores a chunk compressed by the matching Compressor.
//
// Decompress fills exactly len(dst) bytes.
type Decompressor interface {
	Decompress(dst, src []byte) error
	Close() error
}

// defaultOptions returns default initial values.
func defaultOptions() Options {
	return Options{
		ChunkSize:  DefaultChunkSize,
		SystemInfo: HostSystem{},
		Logger:     zap.NewNop(),
	}
}

// OptionFunc allows setting chunk compressor options.
type OptionFunc func(*Options) error

// WithCodec sets the compression algorithm.
func WithCodec(codec Codec) OptionFunc {
	return func(opt *Options) error {
		if codec == nil {
			return ErrNoCodec
		}

		opt.Codec = codec

		return nil
	}
}

// WithChunkSize sets the maximum uncompressed size of a chunk.
//
// Chunk size should be a power of two.
func WithChunkSize(size uint32) OptionFunc {
	return func(opt *Options) error {
		if size < 2 || bits.OnesCount32(size) != 1 {
			return fmt.Errorf("chunk size should be a power of two greater than 1: %d", size)
		}

		opt.ChunkSize = size

		return nil
	}
}

// WithThreads sets the number of compression threads.
//
// Zero (the default) uses one thread per available CPU.
func WithThreads(threads int) OptionFunc {
	return func(opt *Options) error {
		if threads < 0 {
			return fmt.Errorf("number of threads should be non-negative: %d", threads)
		}

		opt.Threads = threads

		return nil
	}
}

// WithMaxMemory sets the memory budget for the parallel compressor.
//
// Zero (the default) uses the amount of physical memory.
func WithMaxMemory(bytes uint64) OptionFunc {
	return func(opt *Options) error {
		opt.MaxMemory = bytes

		return nil
	}
}

// WithSystemInfo overrides CPU and memory discovery.
func WithSystemInfo(info SystemInfo) OptionFunc {
	return func(opt *Options) error {
		if info == nil {
			return fmt.Errorf("system info should be set")
		}

		opt.SystemInfo = info

		return nil
	}
}

// WithLogger sets logger for chunk compressors.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}

func buildOptions(opts []OptionFunc) (Options, error) {
	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return opt, err
		}
	}

	if opt.Codec == nil {
		return opt, ErrNoCodec
	}

	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	return opt, nil
}
