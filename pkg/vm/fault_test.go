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

package vm_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	. "github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
	. "github.com/tfdavids-zz/pintos/pkg/vm"
	"github.com/tfdavids-zz/pintos/pkg/vm/block"
	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
	"github.com/tfdavids-zz/pintos/pkg/vm/mmu"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
)

const (
	// settle is how long a blocked fault gets to show it did not block.
	settle = 50 * time.Millisecond
	// deadline bounds how long a test waits for a fault to finish.
	deadline = 5 * time.Second
)

// gatedFile holds every read until the gate is opened.
type gatedFile struct {
	fs.File
	once    sync.Once
	reading chan struct{}
	gate    chan struct{}
}

func newGatedFile(f fs.File) *gatedFile {
	return &gatedFile{
		File:    f,
		reading: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (f *gatedFile) ReadAt(p []byte, off int64) (int, error) {
	f.once.Do(func() { close(f.reading) })
	<-f.gate
	return f.File.ReadAt(p, off)
}

// gatedDevice holds writes to the first swap slot until the gate is opened.
type gatedDevice struct {
	*block.Memory
	once    sync.Once
	writing chan struct{}
	gate    chan struct{}
}

func newGatedDevice(pages int) *gatedDevice {
	return &gatedDevice{
		Memory:  block.NewMemory(block.Sector(pages * PageSize / block.SectorSize)),
		writing: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (d *gatedDevice) Write(sector block.Sector, buf []byte) error {
	if sector < PageSize/block.SectorSize {
		d.once.Do(func() { close(d.writing) })
		<-d.gate
	}
	return d.Memory.Write(sector, buf)
}

// directoryHooks alter the behavior of the page directories of a VM.
type directoryHooks struct {
	mu          sync.Mutex
	onInstall   func(Addr) error
	alwaysDirty bool
}

func (h *directoryHooks) setInstallHook(fn func(Addr) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInstall = fn
}

func (h *directoryHooks) installHook() func(Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onInstall
}

// hookedDirectory is a page directory which runs the install hook before
// installing a page, and can report every page dirty.
type hookedDirectory struct {
	*mmu.Table
	hooks *directoryHooks
}

func (d *hookedDirectory) Install(upage Addr, kpage palloc.KPage, writable bool) error {
	if hook := d.hooks.installHook(); hook != nil {
		if err := hook(upage); err != nil {
			return err
		}
	}
	return d.Table.Install(upage, kpage, writable)
}

func (d *hookedDirectory) IsDirty(upage Addr) bool {
	return d.hooks.alwaysDirty || d.Table.IsDirty(upage)
}

func withHooks(hooks *directoryHooks) Option {
	return WithPageDirectories(func() mmu.PageDirectory {
		return &hookedDirectory{Table: mmu.NewTable(), hooks: hooks}
	})
}

func goFault(p *Process, addr Addr) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Fault(addr, StackTop) }()
	return done
}

func requireDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(deadline):
		require.FailNow(t, "fault did not finish")
	}
	return nil
}

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.FailNow(t, "fault finished early", "error: %v", err)
	case <-time.After(settle):
	}
}

func TestFaultWaitsForBusyFrame(t *testing.T) {
	vm := newVM(t, WithPoolPages(1))
	a := vm.NewProcess()
	b := vm.NewProcess()

	text := newGatedFile(fs.NewMemory(fill(0x5a, PageSize)))
	require.NoError(t, a.LoadSegment(text, 0, page(0), PageSize, 0, false))
	require.NoError(t, b.PageTable().RegisterZero(page(0), true))

	aDone := goFault(a, page(0))
	<-text.reading

	bDone := goFault(b, page(0))
	requireBlocked(t, bDone)

	close(text.gate)
	require.NoError(t, requireDone(t, aDone))
	require.NoError(t, requireDone(t, bDone))

	require.IsType(t, Resident{}, b.PageTable().Lookup(page(0)).Location())
	require.Equal(t, int64(0), vm.Stats().EvictFailures)
	require.Equal(t, fill(0x5a, PageSize), readPage(t, a, page(0)))
}

func TestFaultDuringEviction(t *testing.T) {
	dev := newGatedDevice(8)
	vm := newVM(t, WithPoolPages(2), WithSwapDevice(dev))
	p := vm.NewProcess()
	q := vm.NewProcess()
	r := vm.NewProcess()

	require.NoError(t, p.PageTable().RegisterZero(page(0), true))
	require.NoError(t, q.PageTable().RegisterZero(page(0), true))
	require.NoError(t, q.PageTable().RegisterZero(page(1), true))
	require.NoError(t, r.PageTable().RegisterZero(page(0), true))

	require.NoError(t, p.CopyOut(page(0), fill(0x77, PageSize)))
	require.NoError(t, q.CopyOut(page(0), fill(0x88, PageSize)))

	// The clock picks the page of p, whose swap-out then blocks.
	rDone := goFault(r, page(0))
	<-dev.writing

	// Other pages are not held up by the eviction in progress.
	require.NoError(t, requireDone(t, goFault(q, page(1))))
	require.IsType(t, Swap{}, q.PageTable().Lookup(page(0)).Location())

	// The page being evicted can be faulted in only after it was saved.
	pDone := goFault(p, page(0))
	requireBlocked(t, pDone)
	requireBlocked(t, rDone)

	close(dev.gate)
	require.NoError(t, requireDone(t, rDone))
	require.NoError(t, requireDone(t, pDone))

	require.IsType(t, Resident{}, p.PageTable().Lookup(page(0)).Location())
	require.Equal(t, fill(0x77, PageSize), readPage(t, p, page(0)))
	require.Equal(t, fill(0x88, PageSize), readPage(t, q, page(0)))
}

func TestInstallFailureKeepsSwappedPage(t *testing.T) {
	hooks := &directoryHooks{}
	vm := newVM(t, WithPoolPages(1), withHooks(hooks))
	p := vm.NewProcess()
	pt := p.PageTable()

	require.NoError(t, pt.RegisterZero(page(0), true))
	require.NoError(t, pt.RegisterZero(page(1), true))
	require.NoError(t, p.CopyOut(page(0), fill(0xaa, PageSize)))
	require.NoError(t, p.Fault(page(1), StackTop))
	require.IsType(t, Swap{}, pt.Lookup(page(0)).Location())

	hooks.setInstallHook(func(Addr) error { return fmt.Errorf("no room in page directory") })
	require.ErrorIs(t, p.Fault(page(0), StackTop), ErrInstallFailed)
	hooks.setInstallHook(nil)

	loc, ok := pt.Lookup(page(0)).Location().(Swap)
	require.True(t, ok)
	require.True(t, vm.Swap().InUse(loc.Slot))
	require.Equal(t, 1, vm.Pool().Available())

	// A page evicted by someone else must not land on the saved copy.
	other := vm.NewProcess()
	require.NoError(t, other.PageTable().RegisterZero(page(0), true))
	require.NoError(t, other.PageTable().RegisterZero(page(1), true))
	require.NoError(t, other.CopyOut(page(0), fill(0x55, PageSize)))
	require.NoError(t, other.Fault(page(1), StackTop))

	require.Equal(t, fill(0xaa, PageSize), readPage(t, p, page(0)))
	require.Equal(t, fill(0x55, PageSize), readPage(t, other, page(0)))
}

func TestPinRollbackAfterFree(t *testing.T) {
	hooks := &directoryHooks{}
	vm := newVM(t, withHooks(hooks))
	p := vm.NewProcess()
	pt := p.PageTable()

	require.NoError(t, pt.RegisterZero(page(0), true))
	require.NoError(t, pt.RegisterZero(page(1), true))
	first := pt.Lookup(page(0))

	hooks.setInstallHook(func(upage Addr) error {
		if upage != page(1) {
			return nil
		}
		require.NoError(t, pt.FreePage(page(0)))
		return fmt.Errorf("no room in page directory")
	})

	require.NotPanics(t, func() {
		require.ErrorIs(t, p.PinBuffer(page(0), 2*PageSize, false), ErrInstallFailed)
	})
	require.False(t, first.Pinned())
	require.False(t, pt.Lookup(page(1)).Pinned())
	require.Nil(t, pt.Lookup(page(0)))
}

func TestReadOnlyMappingNotWrittenBack(t *testing.T) {
	hooks := &directoryHooks{alwaysDirty: true}
	vm := newVM(t, WithPoolPages(1), withHooks(hooks))
	p := vm.NewProcess()
	pt := p.PageTable()

	content := fill(0x3c, PageSize)
	f := fs.NewMemory(content)
	id, err := pt.MapFile(f, mmapBase, false)
	require.NoError(t, err)
	require.NoError(t, pt.RegisterZero(page(0), true))

	scribble := func() {
		require.NoError(t, p.Fault(mmapBase, StackTop))
		kpage, ok := p.PageDirectory().Translate(mmapBase)
		require.True(t, ok)
		copy(vm.Pool().Page(kpage), "scribbled")
	}

	scribble()
	require.NoError(t, p.Fault(page(0), StackTop))
	require.Equal(t, File{File: f, Offset: 0, Length: PageSize}, pt.Lookup(mmapBase).Location())

	scribble()
	require.NoError(t, pt.Unmap(id))

	require.Equal(t, content, f.Bytes())
	require.Equal(t, int64(0), vm.Stats().WriteBacks)
	require.True(t, f.IsClosed())
}

func TestEvictSpanFollowsFault(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, tracing.Start(
		tracing.WithServiceName("vm-test"),
		tracing.WithSpanExporter(exporter),
		tracing.WithSamplingRatio(1.0),
	))
	defer tracing.Stop()

	vm := newVM(t, WithPoolPages(1))
	p := vm.NewProcess()
	require.NoError(t, p.PageTable().RegisterZero(page(0), true))
	require.NoError(t, p.PageTable().RegisterZero(page(1), true))
	require.NoError(t, p.Fault(page(0), StackTop))
	require.NoError(t, p.Fault(page(1), StackTop))
	require.NoError(t, tracing.Flush(context.Background()))

	var evict *tracetest.SpanStub
	faults := map[trace.SpanID]bool{}
	spans := exporter.GetSpans()
	for i := range spans {
		switch spans[i].Name {
		case "evict":
			evict = &spans[i]
		case "HandleFault":
			faults[spans[i].SpanContext.SpanID()] = true
		}
	}

	require.NotNil(t, evict)
	require.Len(t, faults, 2)
	require.True(t, faults[evict.Parent.SpanID()])
	require.NotEmpty(t, evict.Events)
	require.Equal(t, "swap-out", evict.Events[0].Name)
}
