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

// Translate walks the tree to resolve iova to a physical address,
// returning 0 if no valid descriptor covers it. Per spec.md §4.7, this
// overloads "unmapped" with "maps to PA 0"; callers that must
// distinguish the two should not map at PA 0. Translate takes no lock
// and performs no TLB or coherency calls; callers running concurrently
// with a Map/Unmap/MapSG on the same domain may observe a torn read
// (spec.md §5).
//
// Grounded on arm_lpae_iova_to_phys.
func (p *PageTables) Translate(iova uintptr) uintptr {
	table := p.root
	for level := p.g.startLevel(); ; level++ {
		idx := p.g.index(iova, level)
		pte := table[idx]
		if !pte.valid() {
			return 0
		}

		if pte.isLeafAt(level) {
			blockSize := p.g.blockSize(level)
			offset := iova & (blockSize - 1)
			return pte.address(&p.g) + offset
		}

		if level == terminalLevel {
			return 0
		}
		table = p.cfg.Allocator.LookupTable(pte.address(&p.g))
	}
}
