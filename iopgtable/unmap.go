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
)

// unmapLogFields mirrors logFields but drops the pa key, which has no
// meaning for an operation that only ever takes an iova and a size.
func unmapLogFields(iova, size uintptr) map[string]interface{} {
	return map[string]interface{}{"iova": fmt.Sprintf("%#x", iova), "size": size}
}

// Unmap clears descriptors covering [iova, iova+size) and returns the
// number of bytes actually unmapped. A short count means the range was
// only partially mapped, or a malformed argument or an impossible tree
// state was detected along the way; Unmap never fails loudly (spec.md
// §7) — it logs a warning for anything it refuses to do and stops,
// returning whatever it had already cleared. Unmap performs one
// TLBFlushAll at the end if anything changed; it does not invalidate
// per-operation.
//
// Grounded on iommu_unmap / __arm_lpae_unmap / arm_lpae_split_blk_unmap.
func (p *PageTables) Unmap(iova, size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	pgMask := uintptr(1)<<p.g.pgShift - 1
	if iova&pgMask != 0 {
		p.log.WithFields(unmapLogFields(iova, size)).Warn("iopgtable: unmap: iova not granule-aligned")
		return 0
	}

	minPgsz := uintptr(1) << p.g.pgShift
	var unmapped uintptr
	remaining := size
	changed := false

	for remaining > 0 {
		chunk := remaining
		if chunk > SZ2M {
			chunk = SZ2M
		}
		pgsize := iommuPgsize(p.cfg.PgsizeBitmap, iova, chunk)
		if pgsize < minPgsz {
			break
		}

		n := p.unmapLevel(p.g.startLevel(), p.root, iova, pgsize)
		if n == 0 {
			break
		}

		changed = true
		iova += n
		unmapped += n
		remaining -= n
	}

	if changed {
		p.cfg.TLB.TLBFlushAll(p.cfg.Cookie)
	}
	return unmapped
}

// unmapLevel implements __arm_lpae_unmap's four cases at level, against
// the slot iova indexes into table.
func (p *PageTables) unmapLevel(level int, table Table, iova, size uintptr) uintptr {
	idx := p.g.index(iova, level)
	slot := &table[idx]
	d := *slot
	if !d.valid() {
		return 0
	}

	blockSize := p.g.blockSize(level)

	// Case (a): size matches this level's descriptor exactly, whatever
	// kind it is.
	if size == blockSize {
		return p.clearWholeSlot(slot, d, level)
	}

	// Case (c): d is a block leaf strictly larger than the requested
	// size — split it so the surviving portion keeps its mapping.
	if d.isLeafAt(level) {
		return p.splitAndClearHole(level, slot, iova, size)
	}

	if level == terminalLevel {
		// A table descriptor can never legitimately appear at the
		// terminal level; treat it the way the original driver's
		// WARN_ON-guarded impossibility does, stopping rather than
		// corrupting the tree.
		p.log.WithFields(unmapLogFields(iova, size)).Warn("iopgtable: unmap: table descriptor found at terminal level")
		return 0
	}

	// Case (b): at the penultimate level, a table descriptor covers a
	// run of page leaves; erase the requested prefix of them in bulk.
	if level == terminalLevel-1 {
		return p.bulkErase(slot, d, iova, size)
	}

	// Case (d): recurse into the child table.
	child := p.cfg.Allocator.LookupTable(d.address(&p.g))
	return p.unmapLevel(level+1, child, iova, size)
}

// clearWholeSlot implements case (a): the requested size matches this
// descriptor's own block size, so it is cleared unconditionally and, if
// it was a table, its whole subtree is freed.
func (p *PageTables) clearWholeSlot(slot *PTE, d PTE, level int) uintptr {
	blockSize := p.g.blockSize(level)
	wasTable := d.isTableAt(level)

	slot.clear()
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)

	if wasTable {
		child := p.cfg.Allocator.LookupTable(d.address(&p.g))
		freeSubtree(p.cfg.Allocator, &p.g, level+1, child, p.g.entriesPerTable())
		p.cfg.Allocator.FreeTable(child)
	}
	return blockSize
}

// bulkErase implements case (b): d is the penultimate-level table
// descriptor at *slot; clear up to size worth of page leaves in its
// child table starting at iova's position, in one memset-then-publish,
// and free the child once its live-leaf counter reaches zero.
func (p *PageTables) bulkErase(slot *PTE, d PTE, iova, size uintptr) uintptr {
	minPgsz := uintptr(1) << p.g.pgShift
	child := p.cfg.Allocator.LookupTable(d.address(&p.g))
	childOffset := p.g.index(iova, terminalLevel)

	entries := int(size / minPgsz)
	if room := len(child) - childOffset; entries > room {
		entries = room
	}
	if entries <= 0 {
		return 0
	}

	for i := 0; i < entries; i++ {
		child[childOffset+i].clear()
	}
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(&child[childOffset]), uintptr(entries)*descriptorSize, p.cfg.Cookie)

	slot.addTblcnt(-entries)
	if slot.tblcnt() == 0 {
		slot.clear()
		p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)
		p.cfg.Allocator.FreeTable(child)
	}

	return uintptr(entries) * minPgsz
}

// splitAndClearHole implements case (c) / §4.6: *slot is a block leaf
// strictly larger than size. It replaces the block with a fresh table
// whose sub-leaves cover every child-level block except the one holding
// the requested hole, carrying over the original protection, and
// reports the hole as unmapped without any further recursion — the new
// table simply never had a descriptor for that sub-block in the first
// place.
//
// Precondition, validated neither here nor by Unmap: size equals
// block_size(level+1) exactly.
//
// Grounded on arm_lpae_split_blk_unmap.
func (p *PageTables) splitAndClearHole(level int, slot *PTE, iova, size uintptr) uintptr {
	oldPTE := *slot
	childLevel := level + 1
	entries := p.g.entriesPerTable()
	subBlockSize := p.g.blockSize(childLevel)
	holeIdx := p.g.index(iova, childLevel)

	child := p.cfg.Allocator.NewTable(entries)
	if child == nil {
		p.log.Warn("iopgtable: unmap: block split failed to allocate a replacement table")
		return 0
	}

	attrs := oldPTE.attrs()
	basePA := oldPTE.address(&p.g)
	liveCount := 0
	for i := 0; i < entries; i++ {
		if i == holeIdx {
			continue
		}
		pa := basePA + uintptr(i)*subBlockSize
		pte := encodeOutputAddr(pa, &p.g) | attrs
		if childLevel == terminalLevel {
			pte |= pteTypePage
		} else {
			pte |= pteTypeBlock
		}
		child[i] = pte
		liveCount++
	}

	p.cfg.TLB.FlushPgtable(unsafe.Pointer(&child[0]), uintptr(entries)*descriptorSize, p.cfg.Cookie)

	phys := p.cfg.Allocator.PhysicalFor(child)
	tablePTE := newTablePTE(phys, p.cfg.Quirks, &p.g)
	tablePTE.setTblcnt(liveCount)
	*slot = tablePTE
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)

	// Any cached translation of the old block is invalidated by Unmap's
	// single TLBFlushAll once its loop ends.
	return size
}
