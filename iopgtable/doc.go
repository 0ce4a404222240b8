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

// Package iopgtable is a CPU-agnostic allocator for ARM LPAE I/O page
// tables, used by an IOMMU driver to map and unmap IOVA ranges onto
// physical memory for DMA-capable devices.
//
// The package builds and mutates a multi-level translation tree in the
// same shape as gVisor's ring0/pagetables packages (a root plus
// lazily-allocated interior tables, addressed through a pluggable
// Allocator rather than Go pointers), generalized from a fixed CPU page
// size to LPAE's variable granule and level count, and from CPU
// virtual-to-physical translation to Stage-1/Stage-2 IOVA translation.
//
// Callers must serialize all mutations to a single PageTables; see the
// package-level concurrency note on PageTables.
package iopgtable
