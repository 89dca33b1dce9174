// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package chunkpress

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableCPUs returns the number of CPUs the process may run on.
func (HostSystem) AvailableCPUs() (int, error) {
	var set unix.CPUSet

	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("failed to get scheduler affinity: %w", err)
	}

	return set.Count(), nil
}

// AvailableMemory returns the amount of physical memory.
func (HostSystem) AvailableMemory() (uint64, error) {
	var info unix.Sysinfo_t

	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("failed to get system info: %w", err)
	}

	return uint64(info.Totalram) * uint64(info.Unit), nil //nolint:unconvert
}
