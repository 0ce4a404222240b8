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

// Chunk is one physically contiguous run of a scatter-gather list passed
// to MapSG. Successive chunks map to successive IOVA starting at the
// iova argument; there is no gap between them in IOVA space even though
// their physical pages need not be contiguous with each other.
type Chunk struct {
	Page   uintptr
	Offset uintptr
	Length uintptr
}

// mapState batches consecutive page-leaf writes that land in the same
// penultimate-level table, publishing them with a single FlushPgtable
// call at the batch boundary instead of one per descriptor. The window
// closes at a 2MiB boundary regardless of table occupancy, matching the
// original driver's conservative bound on how far a coherency flush may
// be deferred.
//
// Grounded on struct map_state and arm_lpae_map_sg.
type mapState struct {
	iovaEnd    uintptr
	pgsize     uintptr
	table      Table
	parentSlot *PTE
	batchFirst *PTE
	batchCount int
}

// MapSG installs mappings for a scatter-gather list, starting at iova and
// advancing contiguously through IOVA space as it consumes chunks. It
// returns the number of bytes mapped before either the list was
// exhausted or an error was hit.
//
// A short count with a non-nil error means the caller owns unwinding the
// already-installed prefix with Unmap; MapSG does not unwind partial work
// itself, matching arm_lpae_map_sg's contract (spec.md §4.4).
func (p *PageTables) MapSG(iova uintptr, chunks []Chunk, prot Prot, opts ...MapOption) (uintptr, error) {
	if !prot.hasAccess() {
		return 0, nil
	}

	var o mapOptions
	for _, opt := range opts {
		opt(&o)
	}

	minPgsz := uintptr(1) << p.g.pgShift
	var ms mapState
	var mapped uintptr

	for _, c := range chunks {
		if c.Length == 0 {
			continue
		}
		phys := c.Page + c.Offset
		if phys&(minPgsz-1) != 0 {
			p.flushBatch(&ms)
			return mapped, fmt.Errorf("iopgtable: map_sg chunk phys %#x: %w: not granule-aligned", phys, ErrInvalid)
		}

		remaining := c.Length
		for remaining > 0 {
			pgsize := iommuPgsize(p.cfg.PgsizeBitmap, iova|phys, remaining)
			if pgsize == 0 {
				p.flushBatch(&ms)
				return mapped, fmt.Errorf("iopgtable: map_sg iova %#x phys %#x size %#x: %w: no matching page size", iova, phys, remaining, ErrInvalid)
			}

			if err := p.installSG(iova, phys, pgsize, prot, &ms); err != nil {
				p.flushBatch(&ms)
				if !o.suppressConflictLog {
					p.log.WithError(err).WithFields(logFields(iova, phys, pgsize)).Warn("iopgtable: map_sg failed")
				}
				return mapped, err
			}

			iova += pgsize
			phys += pgsize
			remaining -= pgsize
			mapped += pgsize
		}
	}

	p.flushBatch(&ms)
	return mapped, nil
}

// installSG writes one leaf, either into an already-open batch (when iova
// continues the same penultimate-level table at the same page size) or by
// closing the open batch and descending the tree fresh.
func (p *PageTables) installSG(iova, pa, pgsize uintptr, prot Prot, ms *mapState) error {
	if ms.table != nil && pgsize == ms.pgsize && iova < ms.iovaEnd {
		idx := p.g.index(iova, terminalLevel)
		slot := &ms.table[idx]
		if slot.valid() {
			return fmt.Errorf("iopgtable: map %#x size %#x: %w", iova, pgsize, ErrExist)
		}
		*slot = newLeafPTE(terminalLevel, pa, prot, p.cfg.Format, p.cfg.Quirks, &p.g)
		if ms.parentSlot != nil {
			ms.parentSlot.addTblcnt(1)
		}
		ms.batchCount++
		return nil
	}

	p.flushBatch(ms)
	return p.installTracking(p.g.startLevel(), p.root, nil, iova, pa, pgsize, prot, ms)
}

// installTracking is install's sibling: identical tree descent, but a
// leaf landing at the terminal level opens a new batch in ms instead of
// flushing immediately. Leaves at any other level (blocks) still flush on
// the spot, since only page-sized terminal leaves benefit from batching.
func (p *PageTables) installTracking(level int, table Table, parentSlot *PTE, iova, pa, size uintptr, prot Prot, ms *mapState) error {
	idx := p.g.index(iova, level)
	slot := &table[idx]
	blockSize := p.g.blockSize(level)

	if size == blockSize {
		if slot.valid() {
			return fmt.Errorf("iopgtable: map %#x size %#x: %w", iova, size, ErrExist)
		}
		*slot = newLeafPTE(level, pa, prot, p.cfg.Format, p.cfg.Quirks, &p.g)
		if parentSlot != nil {
			parentSlot.addTblcnt(1)
		}

		if level == terminalLevel {
			const windowSize = SZ2M
			ms.table = table
			ms.parentSlot = parentSlot
			ms.pgsize = size
			ms.iovaEnd = (iova &^ (windowSize - 1)) + windowSize
			ms.batchFirst = slot
			ms.batchCount = 1
		} else {
			p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)
		}
		return nil
	}

	if level == terminalLevel {
		return fmt.Errorf("iopgtable: map %#x size %#x at terminal level: %w", iova, size, ErrInvalid)
	}

	child, _, err := p.descend(level, slot)
	if err != nil {
		return err
	}
	return p.installTracking(level+1, child, slot, iova, pa, size, prot, ms)
}

// flushBatch publishes a pending batch, if any, and resets ms.
func (p *PageTables) flushBatch(ms *mapState) {
	if ms.batchCount == 0 {
		return
	}
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(ms.batchFirst), uintptr(ms.batchCount)*descriptorSize, p.cfg.Cookie)
	*ms = mapState{}
}
