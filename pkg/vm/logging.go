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

package vm

import (
	"fmt"
	"strings"
)

// Residency returns the number of pages of the process by location kind.
func (p *Process) Residency() map[string]int {
	counts := map[string]int{
		"zero":     0,
		"file":     0,
		"swap":     0,
		"resident": 0,
	}
	p.pt.Foreach(func(e *Entry) bool {
		counts[locationKind(e.Location())]++
		return ForeachMore
	})
	return counts
}

func locationKind(loc Location) string {
	switch loc.(type) {
	case Zero:
		return "zero"
	case File:
		return "file"
	case Swap:
		return "swap"
	case Resident:
		return "resident"
	}
	return "unknown"
}

// DumpFrames returns a human readable dump of the frame table in clock order.
func (ft *FrameTable) DumpFrames() string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	b := &strings.Builder{}
	fmt.Fprintf(b, "%d frames allocated, %d free\n", len(ft.frames), ft.vm.pool.Available())
	for el := ft.clock.Front(); el != nil; el = el.Next() {
		f := el.Value.(*frame)
		fmt.Fprintf(b, "  frame %s: %s\n", f.kpage, f.owner)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Dump returns a human readable dump of the page table.
func (pt *PageTable) Dump() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "process %d: %d pages\n", pt.pid, pt.Len())
	pt.Foreach(func(e *Entry) bool {
		e.mu.Lock()
		loc, pinned, evicting := e.loc, e.pinned, e.evicting
		e.mu.Unlock()

		flags := "r"
		if e.writable {
			flags += "w"
		}
		if pinned {
			flags += "p"
		}
		if evicting {
			flags += "e"
		}
		if e.mapID != NoMapping {
			fmt.Fprintf(b, "  %s %-3s %s (mapping %d)\n", e.upage, flags, loc, e.mapID)
		} else {
			fmt.Fprintf(b, "  %s %-3s %s\n", e.upage, flags, loc)
		}
		return ForeachMore
	})
	return strings.TrimSuffix(b.String(), "\n")
}

// DumpState logs the frame table and all page tables if details are enabled.
func (vm *VM) DumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}
	details.DebugBlock(prefix, "%s", vm.frames.DumpFrames())
	vm.Foreach(func(p *Process) bool {
		details.DebugBlock(prefix, "%s", p.pt.Dump())
		return ForeachMore
	})
}
