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

import "fmt"

// Register field layouts, grounded on the original driver's TCR/VTCR/MAIR
// bit definitions (ARM_LPAE_TCR_*, ARM_LPAE_MAIR_*).
const (
	tcrTG0_4K  = 0 << 14
	tcrTG0_16K = 2 << 14
	tcrTG0_64K = 1 << 14

	tcrSH0Shift   = 12
	tcrSHIS       = 3
	tcrORGN0Shift = 10
	tcrIRGN0Shift = 8
	tcrRGN_NC     = 0
	tcrRGN_WBWA   = 1

	tcrT0SZShift = 0
	tcrPSShift   = 16 // Stage-2 physical size field
	tcrIPSShift  = 32 // Stage-1 physical size field
	tcrSL0Shift  = 6
	tcrSL0Mask   = 0x3

	tcrEPD1Shift = 23
	tcrEPD1Fault = 1

	vtcrRES1 = uint64(1) << 31
	tcrEAE32 = uint64(1) << 31

	mairAttrDevice = 0x04
	mairAttrNC     = 0x44
	mairAttrWBRWA  = 0xff
)

func mairShift(idx int) uint {
	return uint(idx) * 8
}

// psField encodes an OAS value into the 3-bit PS/IPS field shared by
// Stage-1 and Stage-2, grounded on the ARM_LPAE_TCR_PS_* table.
func psField(oas uint) (uint64, error) {
	switch oas {
	case 32:
		return 0x0, nil
	case 36:
		return 0x1, nil
	case 40:
		return 0x2, nil
	case 42:
		return 0x3, nil
	case 44:
		return 0x4, nil
	case 48:
		return 0x5, nil
	default:
		return 0, fmt.Errorf("iopgtable: %w: oas %d has no PS encoding", ErrInvalid, oas)
	}
}

func tg0Field(pgShift uint) (uint64, error) {
	switch uint64(1) << pgShift {
	case SZ4K:
		return tcrTG0_4K, nil
	case SZ16K:
		return tcrTG0_16K, nil
	case SZ64K:
		return tcrTG0_64K, nil
	default:
		return 0, fmt.Errorf("iopgtable: %w: unsupported granule (pg_shift=%d)", ErrInvalid, pgShift)
	}
}

// Stage1Registers holds the register values an IOMMU driver programs into
// Stage-1 translation hardware (spec.md §6).
type Stage1Registers struct {
	TCR   uint64
	MAIR0 uint64
	MAIR1 uint64
	TTBR0 uintptr
	TTBR1 uintptr
}

// Stage2Registers holds the register values an IOMMU driver programs into
// Stage-2 translation hardware (spec.md §6).
type Stage2Registers struct {
	VTCR  uint64
	VTTBR uintptr
}

// buildStage1Registers computes TCR+MAIR for a 64-bit Stage-1 geometry,
// grounded on arm_64_lpae_alloc_pgtable_s1.
func buildStage1Registers(cfg *Config, g *geometry, rootPhys uintptr) (Stage1Registers, error) {
	tg0, err := tg0Field(g.pgShift)
	if err != nil {
		return Stage1Registers{}, err
	}
	ips, err := psField(cfg.OAS)
	if err != nil {
		return Stage1Registers{}, err
	}

	tcr := uint64(tcrSHIS)<<tcrSH0Shift |
		uint64(tcrRGN_NC)<<tcrIRGN0Shift |
		uint64(tcrRGN_NC)<<tcrORGN0Shift |
		tg0 |
		ips<<tcrIPSShift |
		uint64(64-cfg.IAS)<<tcrT0SZShift |
		uint64(tcrEPD1Fault)<<tcrEPD1Shift

	mair0 := uint64(mairAttrNC)<<mairShift(mairIdxNC) |
		uint64(mairAttrWBRWA)<<mairShift(mairIdxCache) |
		uint64(mairAttrDevice)<<mairShift(mairIdxDevice)

	if cfg.Format.is32() {
		tcr |= tcrEAE32
		tcr &= 0xffffffff
	}

	return Stage1Registers{
		TCR:   tcr,
		MAIR0: mair0,
		MAIR1: 0,
		TTBR0: rootPhys,
		TTBR1: 0,
	}, nil
}

// buildStage2Registers computes VTCR for a 64-bit Stage-2 geometry,
// grounded on arm_64_lpae_alloc_pgtable_s2. It must be called after
// concatenation has already adjusted g.levels/pgdEntries, since SL0
// depends on the post-concatenation start level.
func buildStage2Registers(cfg *Config, g *geometry, rootPhys uintptr) (Stage2Registers, error) {
	tg0, err := tg0Field(g.pgShift)
	if err != nil {
		return Stage2Registers{}, err
	}
	ps, err := psField(cfg.OAS)
	if err != nil {
		return Stage2Registers{}, err
	}

	sl := uint64(g.startLevel())
	if g.pgShift == log2(SZ4K) {
		// SL0 format is different for the 4K granule (spec.md §4.2).
		sl++
	}

	vtcr := vtcrRES1 |
		uint64(tcrSHIS)<<tcrSH0Shift |
		uint64(tcrRGN_WBWA)<<tcrIRGN0Shift |
		uint64(tcrRGN_WBWA)<<tcrORGN0Shift |
		tg0 |
		ps<<tcrPSShift |
		uint64(64-cfg.IAS)<<tcrT0SZShift |
		((^sl)&tcrSL0Mask)<<tcrSL0Shift

	if cfg.Format.is32() {
		vtcr &= 0xffffffff
	}

	return Stage2Registers{
		VTCR:  vtcr,
		VTTBR: rootPhys,
	}, nil
}

// concatenate folds the top level of a Stage-2 geometry into a wider root,
// per spec.md §4.2, grounded on arm_64_lpae_alloc_pgtable_s2's
// concatenation block.
//
// The check is on the *unconcatenated* root's entry count, not its byte
// size: when the natural (pre-fold) root would already need a full
// granule's worth of entries (as it does whenever ias exactly fills
// levels*bits_per_level, e.g. a 4-level 4K-granule walk at ias=48), the
// root is already maximally packed and concatenation does not trigger —
// concatenation only pays off when the top level would otherwise be
// sparse (few entries, still consuming a whole granule page).
func concatenate(g *geometry) bool {
	if g.levels != maxLevels {
		return false
	}
	pgdEntries := g.pgdEntries
	if pgdEntries > maxConcatPages {
		return false
	}
	g.pgdSize = uintptr(pgdEntries) << g.pgShift
	g.pgdEntries = int(g.pgdSize / descriptorSize)
	g.levels--
	return true
}
