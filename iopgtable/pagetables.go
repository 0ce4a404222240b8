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
	"unsafe"

	"github.com/sirupsen/logrus"
)

// PageTables is a single domain's root plus every interior table reachable
// from it.
//
// Unlike the teacher (gVisor's ring0/pagetables, which locks around Map
// and Unmap because multiple vCPU exits race on the same address space),
// PageTables does no internal locking: spec.md §5 makes the IOMMU driver
// responsible for serializing all mutations to one domain, and a single
// in-flight Map/Unmap/MapSG at a time. Concurrent Translate calls against
// an in-progress mutation are not supported either; a reader may observe
// torn descriptors.
type PageTables struct {
	cfg Config
	g   geometry

	root     Table
	rootPhys uintptr

	stage1 *Stage1Registers
	stage2 *Stage2Registers

	log logrus.FieldLogger
}

// New allocates a root table and, for Stage-1/Stage-2, the register values
// an IOMMU driver programs into hardware, per spec.md's alloc(cfg, cookie).
//
// Grounded on arm_lpae_alloc_pgtable (shared geometry + root setup) fanning
// out into arm_64_lpae_alloc_pgtable_s1/s2 and the 32-bit wrappers, and on
// the teacher's New (root allocation, no further arch-specific state
// needed up front besides what archPageTables.init does for x86 PCIDs —
// LPAE's analogous per-format state is the register set computed here).
func New(cfg Config) (*PageTables, error) {
	if cfg.TLB == nil {
		return nil, fmt.Errorf("iopgtable: %w: Config.TLB is required", ErrInvalid)
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("iopgtable: %w: Config.Allocator is required", ErrInvalid)
	}

	switch cfg.Format {
	case FormatS1_32, FormatS2_32:
		if cfg.IAS > 32 && cfg.Format == FormatS1_32 {
			return nil, fmt.Errorf("iopgtable: %w: ias %d exceeds 32-bit Stage-1 limit", ErrInvalid, cfg.IAS)
		}
		if cfg.IAS > 40 && cfg.Format == FormatS2_32 {
			return nil, fmt.Errorf("iopgtable: %w: ias %d exceeds 32-bit Stage-2 limit", ErrInvalid, cfg.IAS)
		}
		if cfg.OAS > 40 {
			return nil, fmt.Errorf("iopgtable: %w: oas %d exceeds 32-bit limit", ErrInvalid, cfg.OAS)
		}
		cfg.PgsizeBitmap &= SZ4K | SZ2M | SZ1G
	case FormatS1_64, FormatS2_64:
		// No extra constraints beyond the general IAS/OAS/granule checks
		// newGeometry performs.
	default:
		return nil, fmt.Errorf("iopgtable: %w: unknown format %d", ErrInvalid, cfg.Format)
	}

	g, err := newGeometry(&cfg)
	if err != nil {
		cfg.logger().WithError(err).Warn("iopgtable: alloc: invalid configuration")
		return nil, err
	}

	if cfg.Format.stage2() {
		concatenate(g)
	}

	root := cfg.Allocator.NewTable(g.pgdEntries)
	rootPhys := cfg.Allocator.PhysicalFor(root)
	cfg.TLB.FlushPgtable(unsafe.Pointer(&root[0]), g.pgdSize, cfg.Cookie)

	p := &PageTables{
		cfg:      cfg,
		g:        *g,
		root:     root,
		rootPhys: rootPhys,
		log:      cfg.logger(),
	}

	switch cfg.Format {
	case FormatS1_64, FormatS1_32:
		regs, err := buildStage1Registers(&cfg, g, rootPhys)
		if err != nil {
			cfg.Allocator.FreeTable(root)
			return nil, err
		}
		p.stage1 = &regs
	case FormatS2_64, FormatS2_32:
		regs, err := buildStage2Registers(&cfg, g, rootPhys)
		if err != nil {
			cfg.Allocator.FreeTable(root)
			return nil, err
		}
		p.stage2 = &regs
	}

	return p, nil
}

// Regs1 returns the Stage-1 register set, or nil if this domain is not a
// Stage-1 format.
func (p *PageTables) Regs1() *Stage1Registers {
	return p.stage1
}

// Regs2 returns the Stage-2 register set, or nil if this domain is not a
// Stage-2 format.
func (p *PageTables) Regs2() *Stage2Registers {
	return p.stage2
}

// RootPhys returns the physical address of the translation root.
func (p *PageTables) RootPhys() uintptr {
	return p.rootPhys
}

// Levels returns the number of levels this domain's tree walks, after any
// Stage-2 concatenation.
func (p *PageTables) Levels() int {
	return p.g.levels
}

// Free tears down the entire tree via a post-order traversal, per
// spec.md §3's lifecycle and §5's resource policy, grounded on
// arm_lpae_free_pgtable/__arm_lpae_free_pgtable.
func (p *PageTables) Free() {
	freeSubtree(p.cfg.Allocator, &p.g, p.g.startLevel(), p.root, p.g.pgdEntries)
	p.cfg.Allocator.FreeTable(p.root)
	p.root = nil
}

// freeSubtree recursively frees every interior table reachable from tbl,
// but not tbl itself (the caller owns and frees tbl).
func freeSubtree(a Allocator, g *geometry, level int, tbl Table, n int) {
	if level == terminalLevel {
		return
	}
	for i := 0; i < n; i++ {
		pte := tbl[i]
		if !pte.valid() || pte.isLeafAt(level) {
			continue
		}
		child := a.LookupTable(pte.address(g))
		freeSubtree(a, g, level+1, child, g.entriesPerTable())
		a.FreeTable(child)
	}
}
