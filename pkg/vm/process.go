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
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
	"github.com/tfdavids-zz/pintos/pkg/vm/mmu"
)

const (
	// ForeachDone stops a Foreach iteration.
	ForeachDone = false
	// ForeachMore continues a Foreach iteration.
	ForeachMore = true
)

// Process is a user address space.
type Process struct {
	vm  *VM
	pid PID
	pd  mmu.PageDirectory
	pt  *PageTable

	exitOnce sync.Once
	exitErr  error
	exited   bool
	mu       sync.Mutex
}

// PID returns the process ID.
func (p *Process) PID() PID {
	return p.pid
}

// PageTable returns the supplemental page table of the process.
func (p *Process) PageTable() *PageTable {
	return p.pt
}

// PageDirectory returns the hardware page directory of the process.
func (p *Process) PageDirectory() mmu.PageDirectory {
	return p.pd
}

// Exit tears down the address space: frames are reclaimed first, then the
// page table is destroyed and mapped files are closed. Exit is idempotent.
func (p *Process) Exit() error {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()

		var errs *multierror.Error

		n := p.vm.frames.FreeAll(p.pid)
		if err := p.pt.Destroy(); err != nil {
			errs = multierror.Append(errs, err)
		}
		p.vm.removeProcess(p.pid)

		log.Debug("process %d exited, released %d frames", p.pid, n)
		p.exitErr = errs.ErrorOrNil()
	})
	return p.exitErr
}

func (p *Process) checkLive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return fmt.Errorf("%w: %d", ErrExited, p.pid)
	}
	return nil
}

// Fault handles a page fault at addr with the user stack pointer esp. An
// unknown address which looks like a stack access grows the stack.
func (p *Process) Fault(addr, esp hostarch.Addr) error {
	if err := p.checkLive(); err != nil {
		return err
	}
	if !addr.IsUser() {
		p.vm.stats.faults.Add(1)
		p.vm.stats.invalidFaults.Add(1)
		return fmt.Errorf("%w: kernel address %s", ErrInvalidFault, addr)
	}

	if p.pt.Lookup(addr) == nil && !p.pt.GrowStackIfNeeded(esp, addr) {
		p.vm.stats.faults.Add(1)
		p.vm.stats.invalidFaults.Add(1)
		return fmt.Errorf("%w: %s (esp %s)", ErrInvalidFault, addr, esp)
	}

	return p.pt.HandleFault(addr)
}

// LoadSegment registers the pages of a program segment: readBytes bytes
// read from file at offset followed by zeroBytes zeroes, starting at
// upage. Pages entirely past the file data are zero pages.
func (p *Process) LoadSegment(file fs.File, offset int64, upage hostarch.Addr,
	readBytes, zeroBytes uint64, writable bool) error {
	if err := p.checkLive(); err != nil {
		return err
	}
	if !upage.IsPageAligned() || (readBytes+zeroBytes)%hostarch.PageSize != 0 {
		return fmt.Errorf("%w: segment at %s with %d+%d bytes", ErrUnaligned,
			upage, readBytes, zeroBytes)
	}

	for readBytes > 0 || zeroBytes > 0 {
		pageRead := readBytes
		if pageRead > hostarch.PageSize {
			pageRead = hostarch.PageSize
		}
		pageZero := hostarch.PageSize - pageRead

		var err error
		if pageRead == 0 {
			err = p.pt.RegisterZero(upage, writable)
		} else {
			err = p.pt.RegisterFile(upage, file, offset, int(pageRead), NoMapping, writable)
		}
		if err != nil {
			return err
		}

		readBytes -= pageRead
		zeroBytes -= pageZero
		offset += int64(pageRead)
		upage += hostarch.PageSize
	}

	return nil
}

// SetupStack registers the initial stack page and returns the initial
// stack pointer.
func (p *Process) SetupStack() (hostarch.Addr, error) {
	if err := p.checkLive(); err != nil {
		return 0, err
	}
	if err := p.pt.RegisterZero(hostarch.StackTop-hostarch.PageSize, true); err != nil {
		return 0, err
	}
	return hostarch.StackTop, nil
}

// Mmap maps file at addr and returns the ID of the mapping. The file is
// closed when the mapping is removed.
func (p *Process) Mmap(file fs.File, addr hostarch.Addr) (MapID, error) {
	if err := p.checkLive(); err != nil {
		return NoMapping, err
	}
	if addr == 0 || !addr.IsPageAligned() {
		return NoMapping, fmt.Errorf("%w: address %s", ErrBadMapping, addr)
	}

	length := file.Length()
	end, ok := addr.AddLength(uint64(length))
	floor := hostarch.StackTop - hostarch.Addr(p.vm.stackLimit)
	if !ok || end > floor {
		return NoMapping, fmt.Errorf("%w: %s+%d overlaps the stack", ErrBadMapping, addr, length)
	}

	return p.pt.MapFile(file, addr, true)
}

// Munmap removes a mapping created by Mmap.
func (p *Process) Munmap(id MapID) error {
	if err := p.checkLive(); err != nil {
		return err
	}
	return p.pt.Unmap(id)
}

// PinBuffer faults in and pins every page of the user buffer at addr of
// length n so it can be accessed without faulting.
func (p *Process) PinBuffer(addr hostarch.Addr, n uint64, write bool) error {
	if err := p.checkLive(); err != nil {
		return err
	}

	pages, err := bufferPages(addr, n)
	if err != nil {
		return err
	}

	pinned := make([]*Entry, 0, len(pages))
	for _, upage := range pages {
		e, err := p.pinPage(upage, write)
		if err != nil {
			for _, e := range pinned {
				e.Unpin()
			}
			return err
		}
		pinned = append(pinned, e)
	}

	return nil
}

func (p *Process) pinPage(upage hostarch.Addr, write bool) (*Entry, error) {
	e := p.pt.Lookup(upage)
	if e == nil {
		return nil, fmt.Errorf("%w: buffer page %s", ErrInvalidFault, upage)
	}
	if write && !e.writable {
		return nil, fmt.Errorf("%w: buffer page %s is read-only", ErrInvalidFault, upage)
	}

	e.Pin()
	if err := p.pt.HandleFault(upage); err != nil {
		e.Unpin()
		return nil, err
	}

	return e, nil
}

// UnpinBuffer unpins the pages of a buffer pinned by PinBuffer.
func (p *Process) UnpinBuffer(addr hostarch.Addr, n uint64) {
	pages, err := bufferPages(addr, n)
	if err != nil {
		log.Warn("process %d: unpinning %s+%d: %v", p.pid, addr, n, err)
		return
	}
	for _, upage := range pages {
		if e := p.pt.Lookup(upage); e != nil {
			e.Unpin()
		}
	}
}

// CopyIn copies len(dst) bytes of user memory at src into dst.
func (p *Process) CopyIn(dst []byte, src hostarch.Addr) error {
	return p.copyUser(src, dst, false)
}

// CopyOut copies src into user memory at dst.
func (p *Process) CopyOut(dst hostarch.Addr, src []byte) error {
	return p.copyUser(dst, src, true)
}

func (p *Process) copyUser(addr hostarch.Addr, buf []byte, write bool) error {
	acc, ok := p.pd.(mmu.Accessor)
	if !ok {
		return ErrNoAccess
	}
	if len(buf) == 0 {
		return nil
	}

	n := uint64(len(buf))
	if err := p.PinBuffer(addr, n, write); err != nil {
		return err
	}
	defer p.UnpinBuffer(addr, n)

	for done := uint64(0); done < n; {
		cur := addr + hostarch.Addr(done)
		kpage, err := acc.Access(cur.RoundDown(), write)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidFault, cur, err)
		}

		page := p.vm.pool.Page(kpage)[cur.PageOffset():]
		var c int
		if write {
			c = copy(page, buf[done:])
		} else {
			c = copy(buf[done:], page)
		}
		done += uint64(c)
	}

	return nil
}

func bufferPages(addr hostarch.Addr, n uint64) ([]hostarch.Addr, error) {
	if n == 0 {
		return nil, nil
	}
	end, ok := addr.AddLength(n)
	if !ok || !(end - 1).IsUser() {
		return nil, fmt.Errorf("%w: buffer %s+%d", ErrInvalidFault, addr, n)
	}

	var pages []hostarch.Addr
	for upage := addr.RoundDown(); upage < end; upage += hostarch.PageSize {
		pages = append(pages, upage)
	}
	return pages, nil
}

func sortProcesses(procs []*Process) {
	sort.Slice(procs, func(i, j int) bool { return procs[i].pid < procs[j].pid })
}
