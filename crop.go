// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

// crop bounds z to [-zMax, zMax] so a single outlier measurement
// cannot dominate downstream sums. Idempotent; NaN passes through
// unchanged.
func crop(z, zMax float64) float64 {
	if z > zMax {
		return zMax
	}
	if z < -zMax {
		return -zMax
	}
	return z
}
