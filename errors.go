// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import "errors"

var (
	// ErrUseSingleThreaded is returned by NewParallelCompressor when only one thread would be used.
	//
	// The caller is expected to fall back to SerialCompressor.
	ErrUseSingleThreaded = errors.New("parallel compression requires at least two threads")

	// ErrOutOfMemory is returned when the batch pool or the minimum number of per-thread compressors can't be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNoCodec is returned when no codec was configured.
	ErrNoCodec = errors.New("codec should be set")

	// ErrClosed is returned when the compressor is used after Close.
	ErrClosed = errors.New("chunk compressor is closed")
)
