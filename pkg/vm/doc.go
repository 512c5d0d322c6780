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

// Package vm implements demand paging for user processes on top of a
// finite pool of physical frames. The primary interface to vm is the VM
// type, which hands out Processes.
//
// # Supplemental Page Tables
//
// Every process has a PageTable describing each page it owns: where the
// data of the page currently lives (its Location) and whether the user
// may write it. A page is either zero-filled on first access, backed by
// a region of a file, swapped out to a slot of the swap device, or
// resident in a physical frame. Pages are registered lazily by the loader,
// by mmap, and by stack growth. No data is read until the page is first
// touched and the access faults.
//
// # Frame Table and Eviction
//
// The FrameTable owns the pool of physical frames. When the pool runs dry
// a victim is chosen using the second-chance clock algorithm: frames are
// visited in FIFO order, a frame whose accessed bit is set gets its bit
// cleared and another round, and a frame whose page is pinned is never
// chosen. A victim is written back to its file if it is part of a dirty
// mmap'ed region, discarded if it is a read-only file page, and written
// to swap otherwise.
//
// Frames refer to their owner by (PID, page address) and the owner is
// looked up at use time. A frame never holds a pointer into another
// process' page table.
//
// # Faults Racing with Eviction
//
// Each page carries its own lock. The frame table lock is held only while
// choosing a victim and updating the replacement list, never across device
// I/O. Before the table lock is released, the victim page is marked as
// being evicted and its hardware mapping is cleared. A thread faulting on
// a page under eviction waits for the eviction to finish before it looks
// at the page's location. Evictors only try-lock page locks while holding
// the table lock, so a page which is busy is treated like a pinned one.
//
// # Process Teardown
//
// When a process exits its frames are reclaimed first and its page table
// is destroyed after that. Destruction waits until no evictor is working
// on any of the process' pages, using a per-table update counter.
package vm
