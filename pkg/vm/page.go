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
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
	"github.com/tfdavids-zz/pintos/pkg/vm/mmu"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
)

const (
	// stackSlop is how far below the stack pointer an access may fault
	// and still grow the stack. PUSHA touches 32 bytes below esp.
	stackSlop = 32
)

// MapID identifies a group of pages created by a single mmap.
type MapID int

// NoMapping is the MapID of pages not created by mmap.
const NoMapping MapID = -1

// Entry describes a single page of a process.
type Entry struct {
	upage    hostarch.Addr
	writable bool
	mapID    MapID
	file     *File // origin of file backed pages

	mu       sync.Mutex
	cond     *sync.Cond
	loc      Location
	pinned   bool
	evicting bool
	removed  bool
}

func newEntry(upage hostarch.Addr, writable bool, mapID MapID, file *File) *Entry {
	e := &Entry{
		upage:    upage,
		writable: writable,
		mapID:    mapID,
		file:     file,
	}
	e.cond = sync.NewCond(&e.mu)
	e.loc = e.origin()
	return e
}

// Upage returns the page address of the entry.
func (e *Entry) Upage() hostarch.Addr {
	return e.upage
}

// Writable returns true if the user may write the page.
func (e *Entry) Writable() bool {
	return e.writable
}

// MapID returns the mapping the page belongs to, or NoMapping.
func (e *Entry) MapID() MapID {
	return e.mapID
}

// Location returns the current location of the page.
func (e *Entry) Location() Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loc
}

// Pin prevents the page from being evicted once it is resident.
func (e *Entry) Pin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned = true
}

// Unpin allows the page to be evicted again.
func (e *Entry) Unpin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned = false
}

// Pinned returns true if the page is pinned.
func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned
}

// origin returns the location the page had when it was registered.
func (e *Entry) origin() Location {
	if e.file != nil {
		return *e.file
	}
	return Zero{}
}

// pageOut tells where the page goes when evicted.
func (e *Entry) pageOut() pageOutTarget {
	switch {
	case e.file == nil:
		return pageOutSwap
	case !e.writable, e.mapID != NoMapping:
		return pageOutFile
	}
	return pageOutSwap
}

// writesBack tells if evicting or freeing the page writes it back to its
// file. Only writable memory mapped pages which were written are.
func (e *Entry) writesBack(dirty bool) bool {
	return dirty && e.writable && e.mapID != NoMapping && e.file != nil
}

// waitEviction waits until no evictor is working on the page. The caller
// must hold e.mu.
func (e *Entry) waitEviction() {
	for e.evicting {
		e.cond.Wait()
	}
}

// mapping is a group of pages created by one mmap.
type mapping struct {
	file  fs.File
	pages []hostarch.Addr
}

// PageTable is the supplemental page table of a process.
type PageTable struct {
	vm  *VM
	pid PID
	pd  mmu.PageDirectory

	mu      sync.RWMutex
	entries map[hostarch.Addr]*Entry
	maps    map[MapID]*mapping
	nextMap MapID

	updMu        sync.Mutex
	updating     int
	doneUpdating *sync.Cond
	destroyed    bool
}

func newPageTable(vm *VM, pid PID, pd mmu.PageDirectory) *PageTable {
	pt := &PageTable{
		vm:      vm,
		pid:     pid,
		pd:      pd,
		entries: make(map[hostarch.Addr]*Entry),
		maps:    make(map[MapID]*mapping),
	}
	pt.doneUpdating = sync.NewCond(&pt.updMu)
	return pt
}

// RegisterZero registers a page which reads as zeroes until written.
func (pt *PageTable) RegisterZero(upage hostarch.Addr, writable bool) error {
	if !upage.IsPageAligned() {
		return fmt.Errorf("%w: %s", ErrUnaligned, upage)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.insert(newEntry(upage, writable, NoMapping, nil))
}

// RegisterFile registers a page backed by length bytes of file at offset.
// The rest of the page reads as zeroes. Pages registered with the same
// mapID form a mapping group which is removed by Unmap.
func (pt *PageTable) RegisterFile(upage hostarch.Addr, file fs.File, offset int64, length int,
	mapID MapID, writable bool) error {
	if !upage.IsPageAligned() {
		return fmt.Errorf("%w: %s", ErrUnaligned, upage)
	}
	if length < 0 || length > hostarch.PageSize || offset < 0 {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrBadLength, length, offset)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	src := &File{File: file, Offset: offset, Length: length}
	if err := pt.insert(newEntry(upage, writable, mapID, src)); err != nil {
		return err
	}

	if mapID != NoMapping {
		m, ok := pt.maps[mapID]
		if !ok {
			m = &mapping{file: file}
			pt.maps[mapID] = m
			if mapID >= pt.nextMap {
				pt.nextMap = mapID + 1
			}
		}
		m.pages = append(m.pages, upage)
	}

	return nil
}

// MapFile registers the pages of a whole file starting at addr as a new
// mapping group. Either all pages are registered or none.
func (pt *PageTable) MapFile(file fs.File, addr hostarch.Addr, writable bool) (MapID, error) {
	length := file.Length()
	if length <= 0 {
		return NoMapping, fmt.Errorf("%w: empty file", ErrBadMapping)
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		return NoMapping, fmt.Errorf("%w: %s+%d wraps around", ErrBadMapping, addr, length)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	for upage := addr; upage < end; upage += hostarch.PageSize {
		if _, ok := pt.entries[upage]; ok {
			return NoMapping, fmt.Errorf("%w: %s overlaps page %s", ErrBadMapping, addr, upage)
		}
	}

	id := pt.nextMap
	pt.nextMap++
	m := &mapping{file: file}

	for offset := int64(0); offset < length; offset += hostarch.PageSize {
		upage := addr + hostarch.Addr(offset)
		n := hostarch.PageSize
		if length-offset < int64(n) {
			n = int(length - offset)
		}
		src := &File{File: file, Offset: offset, Length: n}
		pt.entries[upage] = newEntry(upage, writable, id, src)
		m.pages = append(m.pages, upage)
	}
	pt.maps[id] = m

	log.Debug("process %d: mapped %d bytes at %s as mapping %d", pt.pid, length, addr, id)

	return id, nil
}

func (pt *PageTable) insert(e *Entry) error {
	if _, ok := pt.entries[e.upage]; ok {
		return fmt.Errorf("%w: %s", ErrPageExists, e.upage)
	}
	pt.entries[e.upage] = e
	return nil
}

// Lookup returns the entry of the page containing addr, or nil.
func (pt *PageTable) Lookup(addr hostarch.Addr) *Entry {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.entries[addr.RoundDown()]
}

// Len returns the number of registered pages.
func (pt *PageTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.entries)
}

// HandleFault makes the page containing addr resident and maps it.
func (pt *PageTable) HandleFault(addr hostarch.Addr) (retErr error) {
	upage := addr.RoundDown()

	ctx, span := startFaultSpan(context.Background(), pt.pid, upage)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	pt.vm.stats.faults.Add(1)

	e := pt.Lookup(upage)
	if e == nil {
		pt.vm.stats.invalidFaults.Add(1)
		return fmt.Errorf("%w: no page at %s", ErrInvalidFault, addr)
	}

	// Allocations waiting for our frame can retry once we let go of e.
	defer pt.vm.frames.wake()

	e.mu.Lock()
	defer e.mu.Unlock()

	wasPinned := e.pinned
	e.pinned = true
	defer func() { e.pinned = wasPinned }()

	e.waitEviction()

	if e.removed {
		pt.vm.stats.invalidFaults.Add(1)
		return fmt.Errorf("%w: page %s was freed", ErrInvalidFault, upage)
	}
	if _, ok := e.loc.(Resident); ok {
		return nil
	}

	kpage, err := pt.vm.frames.Alloc(ctx, pt.pid, upage)
	if err != nil {
		return err
	}

	if err := pt.fetch(e, kpage); err != nil {
		pt.vm.frames.discard(kpage)
		return err
	}

	if err := pt.pd.Install(upage, kpage, e.writable); err != nil {
		pt.restore(e, kpage)
		pt.vm.frames.discard(kpage)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, upage, err)
	}
	pt.pd.ClearDirty(upage)

	details.Debug("process %d: %s %s -> frame %s", pt.pid, upage, e.loc, kpage)
	span.SetAttributes(tracing.Attribute("from", e.loc))

	e.loc = Resident{KPage: kpage}

	return nil
}

// fetch loads the data of the page into kpage. On failure the location
// of the page is left intact.
func (pt *PageTable) fetch(e *Entry, kpage palloc.KPage) error {
	page := pt.vm.pool.Page(kpage)

	switch loc := e.loc.(type) {
	case Zero:
		clear(page)
		pt.vm.stats.zeroFills.Add(1)

	case File:
		n, err := loc.File.ReadAt(page[:loc.Length], loc.Offset)
		if n != loc.Length || (err != nil && err != io.EOF) {
			return fmt.Errorf("%w: read %d of %d bytes at offset %d of %s: %v",
				ErrFetchFailed, n, loc.Length, loc.Offset, e.upage, err)
		}
		clear(page[loc.Length:])
		pt.vm.stats.fileReads.Add(1)

	case Swap:
		if !pt.vm.swap.LoadPage(loc.Slot, page) {
			return fmt.Errorf("%w: %s in unclaimed swap slot %d", ErrFetchFailed, e.upage, loc.Slot)
		}
		pt.vm.stats.swapIns.Add(1)

	default:
		return fmt.Errorf("%w: %s at unexpected location %s", ErrFetchFailed, e.upage, e.loc)
	}

	return nil
}

// restore puts a page fetched into kpage back where it can be fetched
// from again. A page loaded from swap gave up its slot, so it goes to a
// new one.
func (pt *PageTable) restore(e *Entry, kpage palloc.KPage) {
	if _, ok := e.loc.(Swap); !ok {
		return
	}
	slot := pt.vm.swap.WritePage(pt.vm.pool.Page(kpage))
	pt.vm.stats.swapOuts.Add(1)
	log.Warn("process %d: returned %s to swap slot %d after failed fault", pt.pid, e.upage, slot)
	e.loc = Swap{Slot: slot}
}

// GrowStackIfNeeded registers a zero page for addr if it is a plausible
// stack access given the stack pointer esp. It returns true if a page
// was registered.
func (pt *PageTable) GrowStackIfNeeded(esp, addr hostarch.Addr) bool {
	floor := hostarch.StackTop - hostarch.Addr(pt.vm.stackLimit)
	if addr >= hostarch.StackTop || addr < floor {
		return false
	}
	if addr < esp && esp-addr > stackSlop {
		return false
	}

	if err := pt.RegisterZero(addr.RoundDown(), true); err != nil {
		return false
	}

	pt.vm.stats.stackGrowths.Add(1)
	details.Debug("process %d: grew stack to %s", pt.pid, addr.RoundDown())

	return true
}

// FreePage removes the page, releasing its frame or swap slot.
func (pt *PageTable) FreePage(upage hostarch.Addr) error {
	e := pt.Lookup(upage)
	if e == nil || e.upage != upage {
		return fmt.Errorf("%w: %s", ErrNoPage, upage)
	}

	e.mu.Lock()
	e.waitEviction()
	pt.release(e)
	e.removed = true
	e.mu.Unlock()

	pt.mu.Lock()
	if pt.entries[upage] == e {
		delete(pt.entries, upage)
	}
	pt.mu.Unlock()

	return nil
}

// release gives up the frame or swap slot of the page. The caller must
// hold e.mu with no eviction in progress.
func (pt *PageTable) release(e *Entry) {
	switch loc := e.loc.(type) {
	case Resident:
		pt.vm.frames.freeEntry(pt, e, loc.KPage)
	case Swap:
		if !pt.vm.swap.Free(loc.Slot) {
			log.Panic("process %d: page %s in unclaimed swap slot %d", pt.pid, e.upage, loc.Slot)
		}
	}
	e.loc = e.origin()
}

// Unmap removes the pages of a mapping group, writing dirty pages back
// to the file, and closes the file.
func (pt *PageTable) Unmap(id MapID) error {
	pt.mu.Lock()
	m, ok := pt.maps[id]
	delete(pt.maps, id)
	pt.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMapping, id)
	}

	for _, upage := range m.pages {
		if err := pt.FreePage(upage); err != nil {
			log.Warn("process %d: unmapping %d: %v", pt.pid, id, err)
		}
	}

	log.Debug("process %d: unmapped mapping %d (%d pages)", pt.pid, id, len(m.pages))

	return m.file.Close()
}

// Destroy releases every page of the process. It waits for any eviction
// of the process' pages to finish first.
func (pt *PageTable) Destroy() error {
	pt.updMu.Lock()
	for pt.updating > 0 {
		pt.doneUpdating.Wait()
	}
	pt.destroyed = true
	pt.updMu.Unlock()

	pt.mu.Lock()
	entries := make([]*Entry, 0, len(pt.entries))
	for _, e := range pt.entries {
		entries = append(entries, e)
	}
	maps := pt.maps
	pt.entries = make(map[hostarch.Addr]*Entry)
	pt.maps = make(map[MapID]*mapping)
	pt.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].upage < entries[j].upage })

	// Frames first, so that a frame is never written back to a closed file.
	for _, e := range entries {
		e.mu.Lock()
		e.waitEviction()
		if _, ok := e.loc.(Resident); ok {
			pt.release(e)
		}
		e.mu.Unlock()
	}
	for _, e := range entries {
		e.mu.Lock()
		pt.release(e)
		e.removed = true
		e.mu.Unlock()
	}

	var errs *multierror.Error
	for id, m := range maps {
		if err := m.file.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing mapping %d: %w", id, err))
		}
	}

	log.Debug("process %d: destroyed %d pages, %d mappings", pt.pid, len(entries), len(maps))

	return errs.ErrorOrNil()
}

func (pt *PageTable) beginUpdate() {
	pt.updMu.Lock()
	defer pt.updMu.Unlock()
	if pt.destroyed {
		log.Panic("process %d: eviction from destroyed page table", pt.pid)
	}
	pt.updating++
}

func (pt *PageTable) endUpdate() {
	pt.updMu.Lock()
	defer pt.updMu.Unlock()
	pt.updating--
	if pt.updating == 0 {
		pt.doneUpdating.Broadcast()
	}
}

// Foreach calls fn for each entry in address order until fn returns false.
func (pt *PageTable) Foreach(fn func(*Entry) bool) {
	pt.mu.RLock()
	entries := make([]*Entry, 0, len(pt.entries))
	for _, e := range pt.entries {
		entries = append(entries, e)
	}
	pt.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].upage < entries[j].upage })
	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}
