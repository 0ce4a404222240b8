// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iopgtable

import "math/bits"

// iommuPgsize picks the largest page size in bitmap that both divides
// addrMerge's natural alignment and does not exceed size, shared by
// MapSG and Unmap. Grounded on the original driver's iommu_pgsize helper.
func iommuPgsize(bitmap uint64, addrMerge, size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	// Largest page size that still fits in size: the index of its
	// highest set bit.
	pgsizeIdx := fls(uint64(size))

	if addrMerge != 0 {
		alignIdx := ffs(uint64(addrMerge))
		if alignIdx < pgsizeIdx {
			pgsizeIdx = alignIdx
		}
	}

	mask := (uint64(1) << (pgsizeIdx + 1)) - 1
	mask &= bitmap
	if mask == 0 {
		return 0
	}
	return uintptr(1) << fls(mask)
}

// fls returns the index of the highest set bit (find-last-set), or 0 if
// v is zero.
func fls(v uint64) uint {
	if v == 0 {
		return 0
	}
	return uint(bits.Len64(v) - 1)
}

// ffs returns the index of the lowest set bit (find-first-set), or 64 if
// v is zero (matching __ffs's "undefined for zero" contract being unused
// when v is always non-zero at the call site).
func ffs(v uint64) uint {
	if v == 0 {
		return 64
	}
	return uint(bits.TrailingZeros64(v))
}
