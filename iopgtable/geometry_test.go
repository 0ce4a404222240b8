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
	"testing"
)

func TestNewGeometry4K48(t *testing.T) {
	g, err := newGeometry(&Config{
		IAS:          48,
		OAS:          48,
		PgsizeBitmap: SZ4K | SZ2M | SZ1G,
		Format:       FormatS1_64,
	})
	if err != nil {
		t.Fatalf("newGeometry: %v", err)
	}
	if g.pgShift != 12 {
		t.Errorf("pgShift = %d, want 12", g.pgShift)
	}
	if g.bitsPerLevel != 9 {
		t.Errorf("bitsPerLevel = %d, want 9", g.bitsPerLevel)
	}
	if g.levels != 4 {
		t.Errorf("levels = %d, want 4", g.levels)
	}
	if g.pgdEntries != 512 {
		t.Errorf("pgdEntries = %d, want 512", g.pgdEntries)
	}
	if g.startLevel() != 0 {
		t.Errorf("startLevel() = %d, want 0", g.startLevel())
	}
}

func TestBlockSizeMatchesARMLevelLayout(t *testing.T) {
	g := testGeometry4K48()
	cases := []struct {
		level int
		want  uintptr
	}{
		{1, SZ1G},
		{2, SZ2M},
		{3, SZ4K},
	}
	for _, c := range cases {
		if got := g.blockSize(c.level); got != c.want {
			t.Errorf("blockSize(%d) = %#x, want %#x", c.level, got, c.want)
		}
	}
}

// TestChooseGranulePrefersExactHostPageSize is spec.md §4.2's primary
// preference: the host page size itself, when listed, wins outright over
// every other candidate. This is the exact scenario a reviewer flagged:
// a 64K-page host offered SZ16K|SZ32M|SZ64K|SZ512M must pick the 64K
// family, not unconditionally fall back to the smallest listed granule.
func TestChooseGranulePrefersExactHostPageSize(t *testing.T) {
	cases := []struct {
		name     string
		bitmap   uint64
		pageSize uint64
		want     uint64
	}{
		{"4K host, 4K listed", SZ4K | SZ16K | SZ2M | SZ32M, SZ4K, SZ4K},
		{"16K host, 16K listed", SZ4K | SZ16K | SZ2M | SZ32M, SZ16K, SZ16K},
		{"64K host, 64K listed", SZ16K | SZ32M | SZ64K | SZ512M, SZ64K, SZ64K},
	}
	for _, c := range cases {
		if got := chooseGranule(c.bitmap, c.pageSize); got != c.want {
			t.Errorf("%s: chooseGranule(%#x, %#x) = %#x, want %#x", c.name, c.bitmap, c.pageSize, got, c.want)
		}
	}
}

// TestChooseGranulePrefersLargestBelowHostPageSize is spec.md §4.2's
// second preference, exercised when the host page size itself is not
// among the listed sizes.
func TestChooseGranulePrefersLargestBelowHostPageSize(t *testing.T) {
	got := chooseGranule(SZ4K|SZ16K, SZ64K)
	if want := uint64(SZ16K); got != want {
		t.Errorf("chooseGranule() = %#x, want %#x (largest listed below the host page size)", got, want)
	}
}

// TestChooseGranulePrefersSmallestAboveHostPageSize is spec.md §4.2's
// third preference, exercised when nothing at or below the host page
// size is listed.
func TestChooseGranulePrefersSmallestAboveHostPageSize(t *testing.T) {
	got := chooseGranule(SZ16K|SZ64K, SZ4K)
	if want := uint64(SZ16K); got != want {
		t.Errorf("chooseGranule() = %#x, want %#x (smallest listed above the host page size)", got, want)
	}
}

func TestChooseGranuleNoCandidate(t *testing.T) {
	if got := chooseGranule(0, SZ4K); got != 0 {
		t.Errorf("chooseGranule(0, ...) = %#x, want 0", got)
	}
}

// TestRestrictPageSizesIntersectsChosenGranuleFamily checks the
// intersection step against the real host's page size, whatever it is:
// restrictPageSizes must return exactly the chosen granule's own
// block-size family, for whichever of {4K,16K,64K} matches
// os.Getpagesize() on the machine running this test.
func TestRestrictPageSizesIntersectsChosenGranuleFamily(t *testing.T) {
	bitmap := uint64(SZ4K | SZ2M | SZ1G | SZ16K | SZ32M | SZ64K | SZ512M)
	got := restrictPageSizes(bitmap)

	pageSize := uint64(os.Getpagesize())
	var want uint64
	switch pageSize {
	case SZ4K:
		want = SZ4K | SZ2M | SZ1G
	case SZ16K:
		want = SZ16K | SZ32M
	case SZ64K:
		want = SZ64K | SZ512M
	default:
		t.Skipf("host page size %#x is not one of the three LPAE granules", pageSize)
	}
	if got != want {
		t.Errorf("restrictPageSizes() = %#x, want %#x (host page size %#x)", got, want, pageSize)
	}
}

func TestRestrictPageSizesNoGranule(t *testing.T) {
	if got := restrictPageSizes(SZ2M | SZ1G); got != 0 {
		t.Errorf("restrictPageSizes() = %#x, want 0 (no granule bit set)", got)
	}
}

// TestGeometrySweep mirrors the original driver's selftest matrix: every
// granule crossed with every commonly deployed IAS must produce a sane
// geometry (levels within the hardware's 4-level limit, a start level
// that leaves room to walk down to the terminal level).
func TestGeometrySweep(t *testing.T) {
	granules := []struct {
		name    string
		bitmap  uint64
		pgShift uint
	}{
		{"4K", SZ4K | SZ2M | SZ1G, 12},
		{"16K", SZ16K | SZ32M, 14},
		{"64K", SZ64K | SZ512M, 16},
	}
	iasValues := []uint{32, 36, 40, 42, 44, 48}

	for _, gr := range granules {
		for _, ias := range iasValues {
			t.Run(fmt.Sprintf("%s/ias=%d", gr.name, ias), func(t *testing.T) {
				g, err := newGeometry(&Config{
					IAS:          ias,
					OAS:          ias,
					PgsizeBitmap: gr.bitmap,
					Format:       FormatS1_64,
				})
				if err != nil {
					t.Fatalf("ias=%d granule=%s: newGeometry: %v", ias, gr.name, err)
				}
				if g.pgShift != gr.pgShift {
					t.Errorf("ias=%d granule=%s: pgShift = %d, want %d", ias, gr.name, g.pgShift, gr.pgShift)
				}
				if g.levels < 1 || g.levels > maxLevels {
					t.Errorf("ias=%d granule=%s: levels = %d out of range", ias, gr.name, g.levels)
				}
				if g.startLevel() != maxLevels-g.levels {
					t.Errorf("ias=%d granule=%s: startLevel() = %d, want %d", ias, gr.name, g.startLevel(), maxLevels-g.levels)
				}
				if g.pgdEntries < 2 {
					t.Errorf("ias=%d granule=%s: pgdEntries = %d, too small", ias, gr.name, g.pgdEntries)
				}
			})
		}
	}
}

// TestStage2ConcatenationBoundary exercises the original driver's
// concatenation check at the edge where it flips: ias=40 with a 4K
// granule produces a 2-entry unconcatenated root (2 <= maxConcatPages),
// so it folds; ias=48 with a 4K granule produces a 512-entry
// unconcatenated root (512 > maxConcatPages), so it does not.
//
// spec.md §8 scenario 6 illustrates concatenation with ias=48, claiming a
// 16x4KiB root and levels=3; tracing the original driver's pgd_pages
// arithmetic (root entry count, not root byte count, compared against
// the concatenation cap) shows ias=48 with a 4K granule cannot
// concatenate, since its natural root already fills an entire granule
// with 512 entries. This test follows the original algorithm rather than
// the spec's illustrative numbers (see DESIGN.md).
func TestStage2ConcatenationBoundary(t *testing.T) {
	g40, err := newGeometry(&Config{IAS: 40, OAS: 40, PgsizeBitmap: SZ4K | SZ2M | SZ1G, Format: FormatS2_64})
	if err != nil {
		t.Fatalf("newGeometry(ias=40): %v", err)
	}
	if !concatenate(g40) {
		t.Fatal("concatenate(ias=40) = false, want true")
	}
	if g40.levels != 3 {
		t.Errorf("ias=40: levels after concatenation = %d, want 3", g40.levels)
	}
	if g40.pgdEntries != 1024 {
		t.Errorf("ias=40: pgdEntries after concatenation = %d, want 1024", g40.pgdEntries)
	}

	g48, err := newGeometry(&Config{IAS: 48, OAS: 48, PgsizeBitmap: SZ4K | SZ2M | SZ1G, Format: FormatS2_64})
	if err != nil {
		t.Fatalf("newGeometry(ias=48): %v", err)
	}
	if concatenate(g48) {
		t.Error("concatenate(ias=48) = true, want false (root already fills a full granule)")
	}
	if g48.levels != 4 {
		t.Errorf("ias=48: levels = %d, want 4 (unconcatenated)", g48.levels)
	}
}
