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
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Format identifies a translation regime and register width.
//
// Only the Descriptor Codec and the register encoders in registers.go
// branch on Format; the tree algorithms in map.go, map_sg.go, unmap.go and
// translate.go are format-agnostic.
type Format int

// The four LPAE variants this allocator supports.
const (
	FormatS1_64 Format = iota
	FormatS2_64
	FormatS1_32
	FormatS2_32
)

func (f Format) String() string {
	switch f {
	case FormatS1_64:
		return "S1-64"
	case FormatS2_64:
		return "S2-64"
	case FormatS1_32:
		return "S1-32"
	case FormatS2_32:
		return "S2-32"
	default:
		return "unknown"
	}
}

// stage2 reports whether f is a Stage-2 (IPA->PA) format.
func (f Format) stage2() bool {
	return f == FormatS2_64 || f == FormatS2_32
}

// is32 reports whether f is a 32-bit register-width variant.
func (f Format) is32() bool {
	return f == FormatS1_32 || f == FormatS2_32
}

// Quirks is a flag set of recognized deviations from the base LPAE format.
type Quirks uint32

// QuirkNS ORs the NS/NSTABLE bit into every installed descriptor.
const QuirkNS Quirks = 1 << 0

// Supported page sizes, named as in the original ARM LPAE driver.
const (
	SZ4K   = 1 << 12
	SZ16K  = 1 << 14
	SZ64K  = 1 << 16
	SZ2M   = 1 << 21
	SZ32M  = 1 << 25
	SZ512M = 1 << 29
	SZ1G   = 1 << 30
)

// Config is the immutable configuration an IOMMU driver supplies to New.
//
// Config is validated eagerly; once New returns successfully, every field
// here is fixed for the PageTables' lifetime.
type Config struct {
	// IAS is the input-address size in bits (the IOVA width). Must be <= 48.
	IAS uint

	// OAS is the output-address size in bits (the PA width). Must be <= 48.
	OAS uint

	// PgsizeBitmap is a bitmask of supported page sizes. The granule is
	// picked from it by host page size preference (see chooseGranule),
	// and the geometry uses only that granule's block sizes.
	PgsizeBitmap uint64

	// Format selects the translation regime and register width.
	Format Format

	// Quirks enables recognized deviations from the base format.
	Quirks Quirks

	// TLB is the coherency/TLB collaborator. Required.
	TLB TLB

	// Allocator provides zeroed, naturally-aligned tables. Required.
	Allocator Allocator

	// Cookie is opaque and passed back through every TLB call unchanged.
	Cookie uintptr

	// Logger receives the handful of WARN-equivalent lines this package
	// emits (see pagetables.go). Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// Table is a naturally-aligned, zero-initialized array of descriptors.
//
// Unlike gVisor's ring0/pagetables PTEs (always a fixed [512]PTE on both
// supported CPU architectures), an LPAE table's entry count depends on the
// granule and, for a concatenated Stage-2 root, on the concatenation
// factor, so Table is sized at allocation time rather than fixed at
// compile time.
type Table []PTE

// TLB is the coherency/TLB service the allocator calls. The allocator
// never blocks between a descriptor write and the FlushPgtable call that
// publishes it.
type TLB interface {
	// FlushPgtable publishes writes in [ptr, ptr+length) to the page table
	// walker's coherence domain.
	FlushPgtable(ptr unsafe.Pointer, length uintptr, cookie uintptr)

	// TLBFlushAll invalidates all device TLBs for this cookie.
	TLBFlushAll(cookie uintptr)

	// TLBAddFlush queues a range invalidation. Optional to act on.
	TLBAddFlush(iova uintptr, size uintptr, leaf bool, cookie uintptr)

	// TLBSync is a barrier after queued invalidations.
	TLBSync(cookie uintptr)
}

// Allocator provides zeroed, physically-contiguous, naturally-aligned
// tables of a known size, and a symmetric freer.
//
// Grounded on the Allocator interface gVisor's ring0/pagetables walkers
// call (NewPTEs/LookupPTEs/FreePTEs/PhysicalFor) and on the mmap-backed
// allocator in the wild (aghosn-go's kvmAllocator), generalized from a
// fixed page-sized PTEs array to a variable-length Table.
type Allocator interface {
	// NewTable returns a freshly zeroed table with the given entry count.
	NewTable(entries int) Table

	// LookupTable returns the table previously allocated at phys.
	LookupTable(phys uintptr) Table

	// FreeTable releases a table obtained from NewTable.
	FreeTable(t Table)

	// PhysicalFor returns the physical address of a table obtained from
	// NewTable.
	PhysicalFor(t Table) uintptr
}
