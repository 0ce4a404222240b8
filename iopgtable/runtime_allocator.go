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
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MmapAllocator is a reference Allocator that backs every table with its
// own anonymous mmap region rather than the Go heap, so the garbage
// collector never has to scan or move memory a real IOMMU page table
// walker would be reading out-of-band. It treats the host virtual
// address of each mapping as that table's "physical" address, which only
// holds up for software testing and simulation, not for driving real
// hardware DMA.
//
// Grounded on the mmap-backed allocator pattern in the wild (aghosn-go's
// kvmAllocator) and on gvisor's kvm/physical_map.go, which makes the same
// host-VA-as-guest-PA simplification for its own test harness.
type MmapAllocator struct {
	mu     sync.Mutex
	tables map[uintptr]Table
}

// NewMmapAllocator constructs an empty MmapAllocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{tables: make(map[uintptr]Table)}
}

// NewTable mmaps a fresh, zeroed region sized to hold entries
// descriptors and returns it as a Table.
func (a *MmapAllocator) NewTable(entries int) Table {
	length := entries * descriptorSize
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}
	t := unsafe.Slice((*PTE)(unsafe.Pointer(&b[0])), entries)

	a.mu.Lock()
	a.tables[uintptr(unsafe.Pointer(&t[0]))] = t
	a.mu.Unlock()
	return t
}

// PhysicalFor returns t's host virtual address, standing in for a
// physical address in this software-only reference implementation.
func (a *MmapAllocator) PhysicalFor(t Table) uintptr {
	if len(t) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t[0]))
}

// LookupTable returns the table previously returned by NewTable whose
// PhysicalFor is phys.
func (a *MmapAllocator) LookupTable(phys uintptr) Table {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tables[phys]
}

// FreeTable unmaps a table obtained from NewTable.
func (a *MmapAllocator) FreeTable(t Table) {
	if len(t) == 0 {
		return
	}
	phys := a.PhysicalFor(t)

	a.mu.Lock()
	delete(a.tables, phys)
	a.mu.Unlock()

	length := len(t) * descriptorSize
	b := unsafe.Slice((*byte)(unsafe.Pointer(&t[0])), length)
	if err := unix.Munmap(b); err != nil {
		logrus.WithError(err).WithField("phys", fmt.Sprintf("%#x", phys)).Warn("iopgtable: munmap failed")
	}
}

// SimpleTLB is a reference TLB collaborator for drivers whose device TLB
// invalidation is a direct register/command-queue write rather than a
// syscall this package can make on their behalf; it logs what it would
// have asked the device to do instead of doing it, and leaves
// FlushPgtable a no-op because mmap'd memory is already coherent between
// this process's own reads and writes.
type SimpleTLB struct {
	Logger logrus.FieldLogger
}

func (t *SimpleTLB) logger() logrus.FieldLogger {
	if t.Logger != nil {
		return t.Logger
	}
	return logrus.StandardLogger()
}

// FlushPgtable is a no-op: the descriptor write is already visible to
// any reader in this address space once the Go memory model's normal
// ordering rules are satisfied, which the single-writer contract
// (spec.md §5) guarantees without an explicit barrier here.
func (t *SimpleTLB) FlushPgtable(ptr unsafe.Pointer, length uintptr, cookie uintptr) {}

// TLBFlushAll logs the request a real driver would turn into a TLBI
// command-queue entry.
func (t *SimpleTLB) TLBFlushAll(cookie uintptr) {
	t.logger().WithField("cookie", cookie).Debug("iopgtable: tlb flush all")
}

// TLBAddFlush logs the queued range invalidation.
func (t *SimpleTLB) TLBAddFlush(iova, size uintptr, leaf bool, cookie uintptr) {
	t.logger().WithFields(logrus.Fields{
		"cookie": cookie,
		"iova":   fmt.Sprintf("%#x", iova),
		"size":   size,
		"leaf":   leaf,
	}).Debug("iopgtable: tlb add flush")
}

// TLBSync logs the barrier a real driver would wait on.
func (t *SimpleTLB) TLBSync(cookie uintptr) {
	t.logger().WithField("cookie", cookie).Debug("iopgtable: tlb sync")
}
