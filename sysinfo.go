// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import "go.uber.org/zap"

// Fallback values used when discovery fails.
const (
	fallbackCPUs   = 1
	fallbackMemory = 1 << 30
)

// SystemInfo discovers resources available to the compressor.
type SystemInfo interface {
	AvailableCPUs() (int, error)
	AvailableMemory() (uint64, error)
}

// HostSystem implements SystemInfo for the running host.
type HostSystem struct{}

func availableCPUs(info SystemInfo, logger *zap.Logger) int {
	n, err := info.AvailableCPUs()
	if err != nil || n < 1 {
		logger.Warn("failed to determine number of processors, assuming 1", zap.Error(err))

		return fallbackCPUs
	}

	return n
}

func availableMemory(info SystemInfo, logger *zap.Logger) uint64 {
	n, err := info.AvailableMemory()
	if err != nil || n == 0 {
		logger.Warn("failed to determine available memory, assuming 1 GiB", zap.Error(err))

		return fallbackMemory
	}

	return n
}
