// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package chunkpress

import (
	"errors"
	"runtime"
)

// AvailableCPUs returns the number of logical CPUs.
func (HostSystem) AvailableCPUs() (int, error) {
	return runtime.NumCPU(), nil
}

// AvailableMemory is not implemented on this platform.
func (HostSystem) AvailableMemory() (uint64, error) {
	return 0, errors.New("memory discovery is not supported on " + runtime.GOOS)
}
