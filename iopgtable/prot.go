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

// Prot is the capability set a caller requests for a mapping.
//
// Grounded on the teacher's usermem.AccessType (Read/Write/Execute) and
// widened per spec.md §4.1 to the seven IOMMU capabilities the original
// driver's IOMMU_* prot flags cover.
type Prot uint32

// Prot bits.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtCache
	ProtDevice
	ProtPriv
	ProtNoExec
)

// hasAccess reports whether prot grants any access at all; a Map call
// without READ or WRITE is a documented no-op (spec.md §4.3).
func (p Prot) hasAccess() bool {
	return p&(ProtRead|ProtWrite) != 0
}

const mairIdxNC = 0
const mairIdxCache = 1
const mairIdxDevice = 2
