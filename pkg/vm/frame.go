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
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
)

const (
	// maxEvictRounds bounds the number of full sweeps of the clock.
	maxEvictRounds = 3
	// maxAllocAttempts bounds the number of times Alloc retries eviction
	// when every frame is pinned.
	maxAllocAttempts = 4
	// busyRetry is the longest Alloc waits before rescanning busy frames.
	busyRetry = 10 * time.Millisecond
)

// errFramesBusy tells that no frame could be evicted right now, but some
// frames are only held up by a fault or a release in progress.
var errFramesBusy = errors.New("vm: evictable frames are busy")

// frameKey identifies the page owning a frame.
type frameKey struct {
	pid   PID
	upage hostarch.Addr
}

func (k frameKey) String() string {
	return fmt.Sprintf("%d/%s", k.pid, k.upage)
}

type frame struct {
	kpage palloc.KPage
	owner frameKey
	elem  *list.Element
}

// FrameTable tracks the owner of every allocated user frame and chooses
// frames to evict when the pool runs out.
type FrameTable struct {
	vm     *VM
	mu     sync.Mutex
	frames map[palloc.KPage]*frame
	clock  *list.List
	gen    uint64     // bumped when a frame is released or a fault ends
	busy   *sync.Cond // signalled when gen changes
}

func newFrameTable(vm *VM) *FrameTable {
	ft := &FrameTable{
		vm:     vm,
		frames: make(map[palloc.KPage]*frame),
		clock:  list.New(),
	}
	ft.busy = sync.NewCond(&ft.mu)
	return ft
}

// Alloc allocates a frame for the given page of process pid, evicting
// another page if necessary. The frame is not zeroed unless it was
// obtained by eviction. Alloc waits while the only evictable frames are
// busy being faulted in or released. It fails with ErrNoFrame if every
// frame is pinned.
func (ft *FrameTable) Alloc(ctx context.Context, pid PID, upage hostarch.Addr) (palloc.KPage, error) {
	key := frameKey{pid: pid, upage: upage}

	for attempt := 0; ; {
		gen := ft.generation()

		kpage, ok := ft.vm.pool.Get()
		if !ok {
			var err error
			kpage, err = ft.evict(ctx)
			switch {
			case errors.Is(err, errFramesBusy):
				if err := ctx.Err(); err != nil {
					return palloc.NoPage, err
				}
				details.Debug("frames busy, %s waits for a frame", key)
				ft.waitBusy(gen)
				continue
			case err != nil:
				if attempt++; attempt < maxAllocAttempts {
					runtime.Gosched()
					continue
				}
				log.Error("failed to allocate frame for %s: %v", key, err)
				return palloc.NoPage, err
			}
		}

		ft.mu.Lock()
		f := &frame{kpage: kpage, owner: key}
		f.elem = ft.clock.PushBack(f)
		ft.frames[kpage] = f
		ft.mu.Unlock()

		details.Debug("allocated frame %s for %s", kpage, key)

		return kpage, nil
	}
}

// generation returns the current release generation.
func (ft *FrameTable) generation() uint64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.gen
}

// wake tells waiters in Alloc that a frame might have become available.
func (ft *FrameTable) wake() {
	ft.mu.Lock()
	ft.gen++
	ft.mu.Unlock()
	ft.busy.Broadcast()
}

// waitBusy waits for a wake after generation gen, at most busyRetry.
func (ft *FrameTable) waitBusy(gen uint64) {
	t := time.AfterFunc(busyRetry, ft.wake)
	defer t.Stop()

	ft.mu.Lock()
	for ft.gen == gen {
		ft.busy.Wait()
	}
	ft.mu.Unlock()
}

// Free releases the frame, writing it back to its file if it is part of
// a dirty, writable memory mapped region. A page resident in the frame
// reverts to its origin location. Freeing an unallocated frame panics.
func (ft *FrameTable) Free(kpage palloc.KPage) {
	ft.mu.Lock()
	f, ok := ft.frames[kpage]
	ft.mu.Unlock()
	if !ok {
		log.Panic("freeing unallocated frame %s", kpage)
	}

	pt, e := ft.vm.resolve(f.owner)
	if e == nil {
		ft.release(ft.remove(kpage), nil, nil)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.waitEviction()
	if r, ok := e.loc.(Resident); ok && r.KPage == kpage {
		pt.release(e)
		return
	}

	ft.mu.Lock()
	if ft.frames[kpage] != f {
		ft.mu.Unlock()
		log.Panic("frame %s no longer owned by %s", kpage, f.owner)
	}
	ft.mu.Unlock()
	ft.release(ft.remove(kpage), nil, nil)
}

// freeEntry is Free for a caller which already has the owning entry,
// which might no longer be reachable by lookup.
func (ft *FrameTable) freeEntry(pt *PageTable, e *Entry, kpage palloc.KPage) {
	ft.release(ft.remove(kpage), pt, e)
}

func (ft *FrameTable) remove(kpage palloc.KPage) *frame {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	f, ok := ft.frames[kpage]
	if !ok {
		log.Panic("freeing unallocated frame %s", kpage)
	}
	ft.clock.Remove(f.elem)
	delete(ft.frames, kpage)

	return f
}

// discard releases a frame which never got mapped.
func (ft *FrameTable) discard(kpage palloc.KPage) {
	ft.mu.Lock()
	if f, ok := ft.frames[kpage]; ok {
		ft.clock.Remove(f.elem)
		delete(ft.frames, kpage)
	}
	ft.mu.Unlock()

	ft.vm.pool.Zero(kpage)
	ft.vm.pool.Put(kpage)
	ft.wake()
}

// FreeAll releases all frames owned by process pid. Entries which were
// resident revert to their origin location.
func (ft *FrameTable) FreeAll(pid PID) int {
	var victims []*frame

	ft.mu.Lock()
	for el := ft.clock.Front(); el != nil; {
		next := el.Next()
		if f := el.Value.(*frame); f.owner.pid == pid {
			ft.clock.Remove(el)
			delete(ft.frames, f.kpage)
			victims = append(victims, f)
		}
		el = next
	}
	ft.mu.Unlock()

	for _, f := range victims {
		pt, e := ft.vm.resolve(f.owner)
		if e == nil {
			ft.release(f, nil, nil)
			continue
		}
		e.mu.Lock()
		ft.release(f, pt, e)
		e.loc = e.origin()
		e.mu.Unlock()
	}

	log.Debug("released %d frames of process %d", len(victims), pid)

	return len(victims)
}

// Resident returns the number of allocated frames.
func (ft *FrameTable) Resident() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

// Owner returns the PID and page address owning the frame.
func (ft *FrameTable) Owner(kpage palloc.KPage) (PID, hostarch.Addr, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[kpage]
	if !ok {
		return 0, 0, false
	}
	return f.owner.pid, f.owner.upage, true
}

// release unmaps the frame, writes it back if necessary, and returns it
// to the pool.
func (ft *FrameTable) release(f *frame, pt *PageTable, e *Entry) {
	if e != nil {
		pd := pt.pd
		dirty := pd.IsDirty(e.upage)
		pd.Clear(e.upage)
		if e.writesBack(dirty) {
			ft.writeBack(e, f.kpage)
		}
		pd.ClearDirty(e.upage)
	}
	ft.vm.pool.Zero(f.kpage)
	ft.vm.pool.Put(f.kpage)
	ft.wake()
}

// evict chooses a victim with the clock algorithm, pages it out, and
// returns its now unowned and zeroed frame.
func (ft *FrameTable) evict(ctx context.Context) (palloc.KPage, error) {
	_, span := startEvictSpan(ctx)

	ft.mu.Lock()
	f, pt, e, busy := ft.selectVictim()
	if f == nil {
		ft.mu.Unlock()
		if busy {
			span.End(tracing.WithStatus(errFramesBusy))
			return palloc.NoPage, errFramesBusy
		}
		span.End(tracing.WithStatus(ErrNoFrame))
		ft.vm.stats.evictFailures.Add(1)
		return palloc.NoPage, ErrNoFrame
	}

	// With both the table and the entry locked, nobody can see the page
	// mapped once we let go of the entry.
	e.evicting = true
	target := e.pageOut()
	dirty := pt.pd.IsDirty(e.upage)
	pt.pd.Clear(e.upage)
	pt.beginUpdate()
	delete(ft.frames, f.kpage)
	e.mu.Unlock()
	ft.mu.Unlock()

	span.SetAttributes(victimAttributes(f, target, dirty)...)

	page := ft.vm.pool.Page(f.kpage)

	var loc Location
	switch target {
	case pageOutSwap:
		slot := ft.vm.swap.WritePage(page)
		ft.vm.stats.swapOuts.Add(1)
		span.AddEvent("swap-out", tracing.Attribute("slot", slot))
		loc = Swap{Slot: slot}
	case pageOutFile:
		if e.writesBack(dirty) {
			ft.writeBack(e, f.kpage)
			span.AddEvent("write-back", tracing.Attribute("offset", e.file.Offset))
		}
		loc = *e.file
	}
	pt.pd.ClearDirty(e.upage)

	e.mu.Lock()
	e.loc = loc
	e.evicting = false
	e.cond.Broadcast()
	e.mu.Unlock()

	pt.endUpdate()

	ft.vm.pool.Zero(f.kpage)
	ft.vm.stats.evictions.Add(1)

	details.Debug("evicted %s from frame %s to %s", f.owner, f.kpage, loc)
	span.End()

	return f.kpage, nil
}

// selectVictim runs the clock until it finds an evictable frame. On
// success the victim is off the clock and its entry is locked. Otherwise
// busy tells if any frame was skipped only because it was in transition.
func (ft *FrameTable) selectVictim() (*frame, *PageTable, *Entry, bool) {
	limit := maxEvictRounds * ft.clock.Len()
	busy := false

	for i := 0; i < limit && ft.clock.Len() > 0; i++ {
		el := ft.clock.Front()
		f := el.Value.(*frame)
		ft.clock.MoveToBack(el)

		// An unowned frame belongs to a page being freed or torn down.
		pt, e := ft.vm.resolve(f.owner)
		if e == nil {
			details.Debug("frame %s has no owner %s", f.kpage, f.owner)
			busy = true
			continue
		}

		// A locked entry is being faulted in or released.
		if !e.mu.TryLock() {
			busy = true
			continue
		}

		if e.pinned || pt.pd.QueryAndClearAccessed(e.upage) {
			e.mu.Unlock()
			continue
		}

		if r, ok := e.loc.(Resident); !ok || r.KPage != f.kpage {
			log.Error("frame %s owned by %s which is at %s", f.kpage, f.owner, e.loc)
			e.mu.Unlock()
			continue
		}

		ft.clock.Remove(el)
		return f, pt, e, false
	}

	return nil, nil, nil, busy
}

// writeBack writes the file backed part of a frame to its file.
func (ft *FrameTable) writeBack(e *Entry, kpage palloc.KPage) {
	page := ft.vm.pool.Page(kpage)
	n, err := e.file.File.WriteAt(page[:e.file.Length], e.file.Offset)
	if err != nil || n != e.file.Length {
		log.Panic("failed to write back page %s: wrote %d of %d bytes: %v",
			e.upage, n, e.file.Length, err)
	}
	ft.vm.stats.writeBacks.Add(1)
}

// pageOutTarget is where a page goes when its frame is taken away.
type pageOutTarget int

const (
	pageOutSwap pageOutTarget = iota
	pageOutFile
)

func (t pageOutTarget) String() string {
	if t == pageOutFile {
		return "file"
	}
	return "swap"
}
