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

import (
	"fmt"
	"os"
)

// maxLevels mirrors ARM_LPAE_MAX_LEVELS from the original C: LPAE always
// considers 4 levels, with the walk starting at maxLevels-levels so that
// level numbering (and the terminal level) stays fixed regardless of how
// many levels a given geometry actually walks.
const maxLevels = 4

// terminalLevel is the level at which only page leaves (never blocks or
// tables) exist.
const terminalLevel = maxLevels - 1

// maxAddrBits is the hardware limit on IAS/OAS (spec.md §3).
const maxAddrBits = 48

// maxConcatPages bounds how wide a Stage-2 root may grow under
// concatenation (spec.md §4.2); above this, concatenating would make the
// root larger than is worth the walk-depth savings.
const maxConcatPages = 16

// descriptorSize is the wire size of one PTE, in bytes.
const descriptorSize = 8

// geometry holds everything derived from a Config that every tree
// operation needs on the hot path. It is computed once in New and never
// mutated afterward.
type geometry struct {
	pgShift      uint
	bitsPerLevel uint
	levels       int
	pgdEntries   int // entries in the root table
	pgdSize      uintptr
	oas          uint
	ias          uint
}

// startLevel is the level the walk begins at (spec.md §3).
func (g *geometry) startLevel() int {
	return maxLevels - g.levels
}

// blockSize returns the region size a single descriptor at level l
// addresses (spec.md §3 block_size).
func (g *geometry) blockSize(l int) uintptr {
	return uintptr(1) << (g.pgShift + uint(maxLevels-1-l)*g.bitsPerLevel)
}

// entriesPerTable returns the fan-out of an interior (non-root) table.
func (g *geometry) entriesPerTable() int {
	return 1 << g.bitsPerLevel
}

// levelShift returns the shift amount for the index field at level l,
// matching ARM_LPAE_LVL_SHIFT.
func (g *geometry) levelShift(l int) uint {
	return uint(maxLevels-1-l)*g.bitsPerLevel + g.pgShift
}

// levelIndexBits returns the number of index bits consumed at level l:
// bitsPerLevel everywhere except the root, which may be wider under
// concatenation.
func (g *geometry) levelIndexBits(l int) uint {
	if l == g.startLevel() {
		return log2(g.pgdEntries)
	}
	return g.bitsPerLevel
}

// index returns the table index addr selects at level l.
func (g *geometry) index(addr uintptr, l int) int {
	bits := g.levelIndexBits(l)
	return int((addr >> g.levelShift(l)) & ((1 << bits) - 1))
}

// addrFieldMask covers bits [pgShift, 47], the descriptor's output-address
// field. Disjoint from the reserved table-use-counter bits by
// construction: pgShift is always >= 12, so bits [2..11] never fall in
// this range, and bits [52..58] are above bit 47.
func (g *geometry) addrFieldMask() uint64 {
	return ((uint64(1) << maxAddrBits) - 1) &^ ((uint64(1) << g.pgShift) - 1)
}

func log2(n int) uint {
	var b uint
	for n > 1 {
		n >>= 1
		b++
	}
	return b
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// chooseGranule picks the preferred granule out of bitmap for a host
// whose page size is pageSize, per arm_lpae_restrict_pgsizes: the host
// page size itself if it is listed, else the largest listed size below
// the host page size, else the smallest listed size above it. Returns 0
// if bitmap has no bit satisfying any of the three.
//
// Factored out of restrictPageSizes so the bit-selection algorithm can be
// tested against arbitrary page sizes without depending on the real
// host's os.Getpagesize().
func chooseGranule(bitmap, pageSize uint64) uint64 {
	pageMask := pageSize - 1
	switch {
	case bitmap&pageSize != 0:
		return pageSize
	case bitmap&pageMask != 0:
		return uint64(1) << fls(bitmap&pageMask)
	case bitmap&^pageMask != 0:
		return uint64(1) << ffs(bitmap&^pageMask)
	default:
		return 0
	}
}

// restrictPageSizes narrows a requested page-size bitmap to the block
// sizes a single granule supports, choosing the granule per §4.2's
// CPU-page-size preference (chooseGranule, keyed off the real host's
// os.Getpagesize()) and intersecting the bitmap with that granule's fixed
// block-size set. Grounded on arm_lpae_restrict_pgsizes.
func restrictPageSizes(bitmap uint64) uint64 {
	granule := chooseGranule(bitmap, uint64(os.Getpagesize()))
	switch granule {
	case SZ4K:
		return bitmap & (SZ4K | SZ2M | SZ1G)
	case SZ16K:
		return bitmap & (SZ16K | SZ32M)
	case SZ64K:
		return bitmap & (SZ64K | SZ512M)
	default:
		return 0
	}
}

// newGeometry derives a geometry from a validated Config. It does not
// apply Stage-2 concatenation; callers that need concatenation call
// concatenate afterward (registers.go).
func newGeometry(cfg *Config) (*geometry, error) {
	bitmap := restrictPageSizes(cfg.PgsizeBitmap)
	if bitmap == 0 {
		return nil, fmt.Errorf("iopgtable: %w: no supported granule in pgsize_bitmap %#x", ErrInvalid, cfg.PgsizeBitmap)
	}
	if cfg.IAS == 0 || cfg.IAS > maxAddrBits {
		return nil, fmt.Errorf("iopgtable: %w: ias %d out of range", ErrInvalid, cfg.IAS)
	}
	if cfg.OAS == 0 || cfg.OAS > maxAddrBits {
		return nil, fmt.Errorf("iopgtable: %w: oas %d out of range", ErrInvalid, cfg.OAS)
	}

	pgShift := log2(int(bitmap & -bitmap)) // position of the lowest set bit
	bitsPerLevel := pgShift - log2(descriptorSize)

	vaBits := cfg.IAS - pgShift
	levels := int(ceilDiv(vaBits, bitsPerLevel))
	if levels > maxLevels {
		return nil, fmt.Errorf("iopgtable: %w: ias %d needs %d levels, more than %d supported", ErrInvalid, cfg.IAS, levels, maxLevels)
	}
	if levels < 1 {
		levels = 1
	}

	pgdBits := vaBits - bitsPerLevel*uint(levels-1)
	pgdEntries := 1 << pgdBits
	pgdSize := uintptr(pgdEntries) * descriptorSize

	return &geometry{
		pgShift:      pgShift,
		bitsPerLevel: bitsPerLevel,
		levels:       levels,
		pgdEntries:   pgdEntries,
		pgdSize:      pgdSize,
		oas:          cfg.OAS,
		ias:          cfg.IAS,
	}, nil
}

func ceilDiv(a, b uint) uint {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
