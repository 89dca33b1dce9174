// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build unix

package chunkpress

import "golang.org/x/sys/unix"

// allocSlab allocates anonymous memory outside of the Go heap.
//
// The slab must be released with freeSlab.
func allocSlab(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

func freeSlab(b []byte) error {
	return unix.Munmap(b)
}
