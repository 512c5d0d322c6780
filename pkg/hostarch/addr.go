// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package hostarch provides the user virtual address type and page
// arithmetic shared by the virtual memory packages.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12
	// PageSize is the size of a user page and of a physical frame.
	PageSize = 1 << PageShift
	// PageMask selects the offset within a page.
	PageMask = PageSize - 1

	// StackTop is the highest user address plus one. User stacks grow
	// down from here.
	StackTop Addr = 0xc0000000
)

// Addr represents a user virtual address.
type Addr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the page containing it.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to v and returns the result. ok is true
// iff adding the length did not wrap around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IsUser returns true if v lies below the top of user memory.
func (v Addr) IsUser() bool {
	return v < StackTop
}

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// PagesIn returns the number of pages needed to cover length bytes.
func PagesIn(length uint64) uint64 {
	return (length + PageMask) >> PageShift
}
