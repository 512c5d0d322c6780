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

// Package mmu defines the hardware page-mapping interface of a user
// address space and a software implementation of it.
package mmu

import (
	"fmt"
	"sync"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
)

// PageDirectory is the flat per-address-space mapping primitive. All
// operations are atomic and never block.
type PageDirectory interface {
	// Install maps upage to kpage.
	Install(upage hostarch.Addr, kpage palloc.KPage, writable bool) error
	// Clear removes any mapping for upage. Accessed and dirty bits are
	// preserved until the page is installed again.
	Clear(upage hostarch.Addr)
	// QueryAndClearAccessed returns the accessed bit of upage, clearing it.
	QueryAndClearAccessed(upage hostarch.Addr) bool
	// IsDirty returns the dirty bit of upage.
	IsDirty(upage hostarch.Addr) bool
	// ClearDirty clears the dirty bit of upage.
	ClearDirty(upage hostarch.Addr)
	// Translate returns the frame upage is mapped to, if any.
	Translate(upage hostarch.Addr) (palloc.KPage, bool)
}

// Accessor emulates a memory reference by the CPU: it translates upage,
// setting the accessed bit, and the dirty bit for writes.
type Accessor interface {
	Access(upage hostarch.Addr, write bool) (palloc.KPage, error)
}

var (
	ErrNotPresent    = fmt.Errorf("mmu: page not present")
	ErrReadOnly      = fmt.Errorf("mmu: write to read-only page")
	ErrAlreadyMapped = fmt.Errorf("mmu: page already mapped")
	ErrUnaligned     = fmt.Errorf("mmu: unaligned page address")
	ErrKernelAddress = fmt.Errorf("mmu: address not in user space")
)

type pte struct {
	kpage    palloc.KPage
	present  bool
	writable bool
	accessed bool
	dirty    bool
}

// Table is a software PageDirectory.
type Table struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]*pte
}

var (
	_ PageDirectory = &Table{}
	_ Accessor      = &Table{}
)

// NewTable creates an empty page table.
func NewTable() *Table {
	return &Table{
		entries: make(map[hostarch.Addr]*pte),
	}
}

// Install implements PageDirectory.
func (t *Table) Install(upage hostarch.Addr, kpage palloc.KPage, writable bool) error {
	if !upage.IsPageAligned() {
		return fmt.Errorf("%w: %s", ErrUnaligned, upage)
	}
	if !upage.IsUser() {
		return fmt.Errorf("%w: %s", ErrKernelAddress, upage)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	if !ok {
		e = &pte{}
		t.entries[upage] = e
	}
	if e.present && e.kpage != kpage {
		return fmt.Errorf("%w: %s to %s", ErrAlreadyMapped, upage, e.kpage)
	}

	e.kpage = kpage
	e.present = true
	e.writable = writable

	return nil
}

// Clear implements PageDirectory.
func (t *Table) Clear(upage hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[upage]; ok {
		e.present = false
		e.kpage = palloc.NoPage
	}
}

// QueryAndClearAccessed implements PageDirectory.
func (t *Table) QueryAndClearAccessed(upage hostarch.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	if !ok {
		return false
	}
	accessed := e.accessed
	e.accessed = false
	return accessed
}

// IsDirty implements PageDirectory.
func (t *Table) IsDirty(upage hostarch.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	return ok && e.dirty
}

// ClearDirty implements PageDirectory.
func (t *Table) ClearDirty(upage hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[upage]; ok {
		e.dirty = false
	}
}

// Translate implements PageDirectory.
func (t *Table) Translate(upage hostarch.Addr) (palloc.KPage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	if !ok || !e.present {
		return palloc.NoPage, false
	}
	return e.kpage, true
}

// Access implements Accessor.
func (t *Table) Access(upage hostarch.Addr, write bool) (palloc.KPage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	if !ok || !e.present {
		return palloc.NoPage, fmt.Errorf("%w: %s", ErrNotPresent, upage)
	}
	if write && !e.writable {
		return palloc.NoPage, fmt.Errorf("%w: %s", ErrReadOnly, upage)
	}

	e.accessed = true
	if write {
		e.dirty = true
	}

	return e.kpage, nil
}

// Mapped returns the number of pages currently present in the table.
func (t *Table) Mapped() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.present {
			n++
		}
	}
	return n
}
