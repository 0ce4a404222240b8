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

// PTE is a single 64-bit LPAE descriptor: a leaf (block or page) mapping,
// a table pointer, or the invalid (zero-ish) value.
//
// Named PTE to match the teacher's per-architecture descriptor type
// (pagetables_x86.go, walker_arm64.go); unlike the teacher, a single type
// here serves all four Formats, with Format threaded through at encode
// time rather than selected via build tag.
type PTE uint64

// Descriptor bit layout (spec.md §3); ignored/reserved bits hide the
// table-use counter (descriptor creation clears it, see newTablePTE).
const (
	pteTypeMask  = 0x3
	pteTypeBlock = 0x1
	pteTypeTable = 0x3 // also page, at the terminal level
	pteTypePage  = 0x3

	pteValid = PTE(1) << 0
	pteNS    = PTE(1) << 5
	pteSH0   = PTE(1) << 8
	pteSH1   = PTE(1) << 9
	pteAF    = PTE(1) << 10
	pteNG    = PTE(1) << 11
	pteXN    = PTE(1) << 54
	pteNSTbl = PTE(1) << 63

	// Stage-1 leaf attribute fields.
	s1APShift     = 6
	s1APMask      = PTE(0x3) << s1APShift
	s1AttrIdxMask = PTE(0x7) << 2

	// Stage-2 leaf attribute fields.
	s2HAPShift      = 6
	s2HAPMask       = PTE(0x3) << s2HAPShift
	s2MemAttrMask   = PTE(0xf) << 2
	s2MemAttrOIWB   = PTE(0xf) << 2
	s2MemAttrNC     = PTE(0x5) << 2
	s2MemAttrDevice = PTE(0x1) << 2

	attrMask = s1AttrIdxMask | PTE(0x3)<<6 | pteNG | pteXN // ATTR_LO | ATTR_HI equivalent, masked off on split

	// Reserved, hardware-ignored bits used to stash the table-use counter.
	tblcntBottomShift = 2
	tblcntBottomBits  = 10
	tblcntBottomMask  = PTE((1 << tblcntBottomBits) - 1)
	tblcntTopShift    = 52
	tblcntTopBits     = 7
	tblcntTopMask     = PTE((1 << tblcntTopBits) - 1)

	reservedMask = (tblcntBottomMask << tblcntBottomShift) | (tblcntTopMask << tblcntTopShift)

	// maxTableCount is the largest value the 17-bit counter can hold.
	maxTableCount = (1 << (tblcntBottomBits + tblcntTopBits)) - 1
)

// The output-address mask covers bits [pgShift, 47]; it is computed per
// geometry since pgShift varies with granule, so it lives in
// geometry.addrFieldMask, not here. pte.go only ever masks off the fixed reserved bits.

// valid reports the descriptor's VALID bit (type != invalid).
func (p PTE) valid() bool {
	return p&pteValid != 0
}

// clear invalidates the descriptor.
func (p *PTE) clear() {
	*p = 0
}

// isTableAt reports whether p is a table descriptor when found at level l
// (l < terminal level); isTableAt must not be called at the terminal
// level, where type==3 always means "page leaf".
func (p PTE) isTableAt(l int) bool {
	return l < terminalLevel && (p&pteTypeMask) == pteTypeTable
}

// isLeafAt reports whether p is a leaf (block or page) descriptor at
// level l, per spec.md §4.1 is_leaf.
func (p PTE) isLeafAt(l int) bool {
	if l == terminalLevel {
		return (p & pteTypeMask) == pteTypePage
	}
	return (p & pteTypeMask) == pteTypeBlock
}

// address returns the output/table physical address: bits [pg_shift..47],
// with the reserved counter bits masked off first so a table-use count
// stashed in bits [2..11]/[52..58] is never misread as part of the
// address (spec.md §4.1: "The codec never reads reserved bits as address
// bits").
func (p PTE) address(g *geometry) uintptr {
	return uintptr(p & PTE(g.addrFieldMask()))
}

// encodeOutputAddr packs a pg_shift-aligned physical address into the
// descriptor's output-address field.
func encodeOutputAddr(pa uintptr, g *geometry) PTE {
	return PTE(pa) & PTE(g.addrFieldMask())
}

// newLeafPTE builds a leaf descriptor for level l (spec.md §4.1
// encode_leaf). The caller has already verified prot has READ or WRITE.
func newLeafPTE(l int, pa uintptr, prot Prot, fmt Format, quirks Quirks, g *geometry) PTE {
	pte := encodeOutputAddr(pa, g)

	if l == terminalLevel {
		pte |= pteTypePage
	} else {
		pte |= pteTypeBlock
	}
	pte |= pteAF | pteSH0 | pteSH1 // inner-shareable, matches ARM_LPAE_PTE_SH_IS

	if fmt.stage2() {
		pte |= s2ProtBits(prot)
	} else {
		pte |= s1ProtBits(prot)
	}

	if quirks&QuirkNS != 0 {
		pte |= pteNS
	}
	return pte
}

// newTablePTE builds a table descriptor pointing at pa, with the table-use
// counter cleared, per spec.md §3 "The counter is cleared on descriptor
// creation."
func newTablePTE(pa uintptr, quirks Quirks, g *geometry) PTE {
	pte := encodeOutputAddr(pa, g) | pteTypeTable
	if quirks&QuirkNS != 0 {
		pte |= pteNSTbl
	}
	return pte
}

// s1ProtBits maps a Prot capability set to Stage-1 AP/AttrIdx/nG/XN bits,
// grounded on arm_lpae_prot_to_pte's ARM_64_LPAE_S1 branch.
func s1ProtBits(prot Prot) PTE {
	pte := pteNG

	switch {
	case prot&ProtWrite != 0 && prot&ProtPriv != 0:
		// AP_PRIV_RW == 0, nothing to OR in.
	case prot&ProtWrite != 0:
		pte |= PTE(0x1) << s1APShift // AP_RW
	case prot&ProtPriv != 0:
		pte |= PTE(0x2) << s1APShift // AP_PRIV_RO
	default:
		pte |= PTE(0x3) << s1APShift // AP_RO
	}

	switch {
	case prot&ProtDevice != 0:
		pte |= PTE(mairIdxDevice) << 2
	case prot&ProtCache != 0:
		pte |= PTE(mairIdxCache) << 2
	default:
		pte |= PTE(mairIdxNC) << 2
	}

	if prot&ProtExec == 0 || prot&ProtNoExec != 0 {
		pte |= pteXN
	}
	return pte
}

// s2ProtBits maps a Prot capability set to Stage-2 HAP/MemAttr/XN bits,
// grounded on arm_lpae_prot_to_pte's else branch.
func s2ProtBits(prot Prot) PTE {
	var pte PTE
	if prot&ProtRead != 0 {
		pte |= PTE(0x1) << s2HAPShift
	}
	if prot&ProtWrite != 0 {
		pte |= PTE(0x2) << s2HAPShift
	}
	if prot&ProtDevice != 0 {
		pte |= s2MemAttrDevice
	} else if prot&ProtCache != 0 {
		pte |= s2MemAttrOIWB
	} else {
		pte |= s2MemAttrNC
	}
	if prot&ProtExec == 0 || prot&ProtNoExec != 0 {
		pte |= pteXN
	}
	return pte
}

// attrs returns the attribute bits of a leaf descriptor, masking off type,
// address and the reserved counter — used when a block is split and the
// surviving sub-blocks must keep the original protection (spec.md §4.6).
func (p PTE) attrs() PTE {
	return p & (attrMask | pteNS | pteSH0 | pteSH1 | pteAF)
}

// tblcnt returns the embedded table-use counter (spec.md §3).
func (p PTE) tblcnt() int {
	bottom := int((p >> tblcntBottomShift) & tblcntBottomMask)
	top := int((p >> tblcntTopShift) & tblcntTopMask)
	return bottom | (top << tblcntBottomBits)
}

// setTblcnt overwrites the embedded counter, leaving every other bit
// untouched.
func (p *PTE) setTblcnt(v int) {
	if v < 0 {
		v = 0
	}
	if v > maxTableCount {
		v = maxTableCount
	}
	cleared := *p &^ reservedMask
	bottom := PTE(v&int(tblcntBottomMask)) << tblcntBottomShift
	top := PTE((v>>tblcntBottomBits)&int(tblcntTopMask)) << tblcntTopShift
	*p = cleared | bottom | top
}

// addTblcnt adjusts the embedded counter by delta (may be negative).
func (p *PTE) addTblcnt(delta int) {
	p.setTblcnt(p.tblcnt() + delta)
}
