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

import "errors"

// Sentinel errors, matching spec.md §7's three error kinds. Callers
// compare with errors.Is; Map and MapSG wrap these with operation context.
var (
	// ErrExist is returned when Map targets an IOVA range that already
	// has a valid descriptor. The caller must Unmap first.
	ErrExist = errors.New("iopgtable: mapping already exists")

	// ErrInvalid is returned for alignment, size, or configuration
	// violations detected eagerly and synchronously.
	ErrInvalid = errors.New("iopgtable: invalid argument")

	// ErrNoMemory is returned when the Allocator fails to produce an
	// interior table.
	ErrNoMemory = errors.New("iopgtable: allocator out of memory")
)
