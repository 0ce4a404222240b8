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

// MapOption configures a single Map call.
type MapOption func(*mapOptions)

type mapOptions struct {
	suppressConflictLog bool
}

// WithSuppressConflictLog suppresses the warning line Map would otherwise
// log when it refuses an overlapping mapping; the call still fails with
// ErrExist. Grounded on the original driver's selftest-only
// suppress_map_failures switch (spec.md §9), resolved as a per-call option
// rather than the original's process-wide mutable bool.
func WithSuppressConflictLog(suppress bool) MapOption {
	return func(o *mapOptions) { o.suppressConflictLog = suppress }
}

// Map installs a mapping for [iova, iova+size) to [pa, pa+size), per
// spec.md §4.3.
//
// Preconditions: iova and pa are granule-aligned; size is a member of
// Config.PgsizeBitmap; the range currently has no valid descriptor. If
// prot has neither ProtRead nor ProtWrite, Map is a no-op that returns
// nil.
//
// Grounded on arm_lpae_map / __arm_lpae_map.
func (p *PageTables) Map(iova, pa uintptr, size uintptr, prot Prot, opts ...MapOption) error {
	if !prot.hasAccess() {
		return nil
	}

	var o mapOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := p.checkMapArgs(iova, pa, size); err != nil {
		return err
	}

	_, err := p.install(p.g.startLevel(), p.root, nil, iova, pa, size, prot, true)
	if err != nil && !o.suppressConflictLog {
		p.log.WithError(err).WithFields(logFields(iova, pa, size)).Warn("iopgtable: map failed")
	}
	return err
}

func logFields(iova, pa, size uintptr) map[string]interface{} {
	return map[string]interface{}{"iova": fmt.Sprintf("%#x", iova), "pa": fmt.Sprintf("%#x", pa), "size": size}
}

func (p *PageTables) checkMapArgs(iova, pa, size uintptr) error {
	pgMask := uintptr(1)<<p.g.pgShift - 1
	if iova&pgMask != 0 || pa&pgMask != 0 {
		return fmt.Errorf("iopgtable: map %#x/%#x: %w: not granule-aligned", iova, pa, ErrInvalid)
	}
	if size == 0 || p.cfg.PgsizeBitmap&uint64(size) == 0 {
		return fmt.Errorf("iopgtable: map size %#x: %w: not a supported page size", size, ErrInvalid)
	}
	if (size-1)&(iova|pa) != 0 {
		return fmt.Errorf("iopgtable: map %#x/%#x size %#x: %w: not size-aligned", iova, pa, size, ErrInvalid)
	}
	return nil
}

// install recursively descends the tree to place a single leaf
// descriptor, allocating interior tables as needed. Grounded on
// __arm_lpae_map; flush controls whether the leaf write is published
// immediately (new interior tables are always published). Map passes
// true; map_sg.go batches its leaf writes through installTracking instead.
func (p *PageTables) install(level int, table Table, parentSlot *PTE, iova, pa, size uintptr, prot Prot, flush bool) (*PTE, error) {
	idx := p.g.index(iova, level)
	slot := &table[idx]
	blockSize := p.g.blockSize(level)

	if size == blockSize && p.cfg.PgsizeBitmap&uint64(size) != 0 {
		if slot.valid() {
			return nil, fmt.Errorf("iopgtable: map %#x size %#x: %w", iova, size, ErrExist)
		}
		*slot = newLeafPTE(level, pa, prot, p.cfg.Format, p.cfg.Quirks, &p.g)
		if flush {
			p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)
		}
		if parentSlot != nil {
			parentSlot.addTblcnt(1)
		}
		return slot, nil
	}

	if level == terminalLevel {
		return nil, fmt.Errorf("iopgtable: map %#x size %#x at terminal level: %w", iova, size, ErrInvalid)
	}

	child, _, err := p.descend(level, slot)
	if err != nil {
		return nil, err
	}
	return p.install(level+1, child, slot, iova, pa, size, prot, flush)
}

// descend returns the child table slot refers to, allocating and
// publishing a fresh one if slot is not yet a valid table descriptor. A
// valid leaf at slot already maps the range and yields ErrExist.
func (p *PageTables) descend(level int, slot *PTE) (Table, *PTE, error) {
	if slot.valid() {
		if !slot.isTableAt(level) {
			return nil, nil, fmt.Errorf("iopgtable: map under a leaf at level %d: %w", level, ErrExist)
		}
		return p.cfg.Allocator.LookupTable(slot.address(&p.g)), slot, nil
	}

	child := p.cfg.Allocator.NewTable(p.g.entriesPerTable())
	if child == nil {
		return nil, nil, fmt.Errorf("iopgtable: allocate interior table at level %d: %w", level, ErrNoMemory)
	}
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(&child[0]), uintptr(len(child))*descriptorSize, p.cfg.Cookie)

	phys := p.cfg.Allocator.PhysicalFor(child)
	*slot = newTablePTE(phys, p.cfg.Quirks, &p.g)
	p.cfg.TLB.FlushPgtable(unsafe.Pointer(slot), descriptorSize, p.cfg.Cookie)
	return child, slot, nil
}
