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

// Package workload drives simulated user processes against a VM. Each
// process loads a program image, maps a file, grows its stack, and makes
// random accesses to its memory, checking every read against what it
// last wrote.
package workload

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1"
	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
	"github.com/tfdavids-zz/pintos/pkg/vm"
	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
)

const (
	// CodeBase is where the program text is loaded.
	CodeBase hostarch.Addr = 0x08048000
	// MmapBase is where the mapped file is placed.
	MmapBase hostarch.Addr = 0x20000000

	// codeSize is the size of the program text, deliberately not a
	// multiple of the page size.
	codeSize = 2*hostarch.PageSize + 1234
	// dataSize is the size of the initialized data following the text.
	dataSize = hostarch.PageSize / 2

	// wordSize is the size of the stamps written into memory.
	wordSize = 8
)

var (
	log = logger.Get("workload")

	// ErrCorrupted is returned when memory does not read back as written.
	ErrCorrupted = fmt.Errorf("workload: memory corrupted")
)

// Stats are the cumulative statistics of a workload.
type Stats struct {
	Processes  int64
	Reads      int64
	Writes     int64
	StackPages int64
}

// Workload is a set of processes running against a VM.
type Workload struct {
	vm    *vm.VM
	cfg   cfgapi.WorkloadConfig
	fsMu  sync.Mutex
	stats struct {
		processes  atomic.Int64
		reads      atomic.Int64
		writes     atomic.Int64
		stackPages atomic.Int64
	}
}

// New creates a workload for the given VM.
func New(v *vm.VM, cfg cfgapi.WorkloadConfig) *Workload {
	return &Workload{
		vm:  v,
		cfg: cfg,
	}
}

// Stats returns a snapshot of the workload statistics.
func (w *Workload) Stats() Stats {
	return Stats{
		Processes:  w.stats.processes.Load(),
		Reads:      w.stats.reads.Load(),
		Writes:     w.stats.writes.Load(),
		StackPages: w.stats.stackPages.Load(),
	}
}

// Run runs all processes of the workload to completion or until ctx is
// done. The first failing process cancels the others.
func (w *Workload) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.Processes; i++ {
		seed := w.cfg.Seed + int64(i)
		g.Go(func() error {
			return w.runProcess(ctx, seed)
		})
	}

	return g.Wait()
}

// process is the state of a single simulated process.
type process struct {
	w      *Workload
	p      *vm.Process
	rnd    *rand.Rand
	lim    *rate.Limiter
	code   []byte
	heap   hostarch.Addr
	pages  int
	mmap   *fs.Memory
	orig   []byte
	mapped int
	mapID  vm.MapID
	esp    hostarch.Addr
	floor  hostarch.Addr
	shadow map[hostarch.Addr]uint64
	stamp  uint64
}

func (w *Workload) runProcess(ctx context.Context, seed int64) (retErr error) {
	p := &process{
		w:      w,
		p:      w.vm.NewProcess(),
		rnd:    rand.New(rand.NewSource(seed)),
		lim:    rate.NewLimiter(rate.Inf, 1),
		mapID:  vm.NoMapping,
		shadow: map[hostarch.Addr]uint64{},
	}
	if w.cfg.AccessRate > 0 {
		p.lim = rate.NewLimiter(rate.Limit(w.cfg.AccessRate), 1)
	}

	w.stats.processes.Add(1)
	pid := p.p.PID()
	log.Info("process %d starting (seed %d)", pid, seed)

	defer func() {
		if err := p.p.Exit(); err != nil && retErr == nil {
			retErr = err
		}
		if retErr != nil {
			log.Error("process %d failed: %v", pid, retErr)
		} else {
			log.Info("process %d done", pid)
		}
	}()

	if err := p.load(); err != nil {
		return err
	}

	for i := 0; i < w.cfg.Accesses; i++ {
		if err := p.lim.Wait(ctx); err != nil {
			return nil
		}
		if err := p.step(); err != nil {
			return fmt.Errorf("process %d, access %d: %w", pid, i, err)
		}
	}

	return p.unmap()
}

// load sets up the address space: text, data and heap, stack, and the
// mapped file.
func (p *process) load() error {
	p.code = make([]byte, codeSize+dataSize)
	p.rnd.Read(p.code)
	image := p.w.serialize(fs.NewMemory(p.code))

	heapPages := hostarch.PagesIn(uint64(p.w.cfg.HeapSize.Value()))
	textPages := hostarch.PagesIn(codeSize)

	if err := p.p.LoadSegment(image, 0, CodeBase, codeSize,
		textPages*hostarch.PageSize-codeSize, false); err != nil {
		return err
	}

	dataBase := CodeBase + hostarch.Addr(textPages*hostarch.PageSize)
	if err := p.p.LoadSegment(image, codeSize, dataBase, dataSize,
		(heapPages+1)*hostarch.PageSize-dataSize, true); err != nil {
		return err
	}
	p.heap = dataBase + hostarch.PageSize
	p.pages = int(heapPages)

	esp, err := p.p.SetupStack()
	if err != nil {
		return err
	}
	p.esp = esp - hostarch.PageSize
	p.floor = esp - hostarch.Addr(p.w.cfg.StackDepth.Value())

	if size := p.w.cfg.MmapSize.Value(); size > 0 {
		content := make([]byte, size)
		p.rnd.Read(content)
		p.orig = content
		p.mmap = fs.NewMemory(content)
		id, err := p.p.Mmap(p.w.serialize(p.mmap), MmapBase)
		if err != nil {
			return err
		}
		p.mapID = id
		p.mapped = int(size)
	}

	return nil
}

func (w *Workload) serialize(f fs.File) fs.File {
	return fs.Serialize(f, &w.fsMu)
}

// step makes one random access.
func (p *process) step() error {
	write := p.rnd.Intn(100) < p.w.cfg.WritePercent

	switch n := p.rnd.Intn(10); {
	case n == 0:
		return p.readCode()
	case n == 1 && p.esp > p.floor:
		return p.push()
	case n < 4 && p.mapped > 0:
		return p.access(MmapBase, p.mapped/hostarch.PageSize, write)
	default:
		return p.access(p.heap, p.pages, write)
	}
}

func (p *process) readCode() error {
	off := p.rnd.Intn(codeSize - wordSize)
	buf := make([]byte, wordSize)
	if err := p.p.CopyIn(buf, CodeBase+hostarch.Addr(off)); err != nil {
		return err
	}
	p.w.stats.reads.Add(1)
	if !bytes.Equal(buf, p.code[off:off+wordSize]) {
		return fmt.Errorf("%w: text at %s", ErrCorrupted, CodeBase+hostarch.Addr(off))
	}
	return nil
}

// push grows the stack by one page, the way a deep call chain would.
func (p *process) push() error {
	esp := p.esp - hostarch.PageSize
	if err := p.p.Fault(esp, esp); err != nil {
		return err
	}
	p.esp = esp
	p.w.stats.stackPages.Add(1)
	return p.write(esp)
}

// access reads or writes a stamp at the start of a random page of the
// region at base.
func (p *process) access(base hostarch.Addr, pages int, write bool) error {
	if pages == 0 {
		return nil
	}
	addr := base + hostarch.Addr(p.rnd.Intn(pages))*hostarch.PageSize
	if write {
		return p.write(addr)
	}
	return p.read(addr)
}

func (p *process) write(addr hostarch.Addr) error {
	p.stamp++
	stamp := uint64(p.p.PID())<<48 | p.stamp

	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint64(buf, stamp)
	if err := p.p.CopyOut(addr, buf); err != nil {
		return err
	}
	p.w.stats.writes.Add(1)
	p.shadow[addr] = stamp
	return nil
}

func (p *process) read(addr hostarch.Addr) error {
	buf := make([]byte, wordSize)
	if err := p.p.CopyIn(buf, addr); err != nil {
		return err
	}
	p.w.stats.reads.Add(1)

	got := binary.LittleEndian.Uint64(buf)
	want, ok := p.shadow[addr]
	if !ok {
		want = p.initial(addr)
	}
	if got != want {
		return fmt.Errorf("%w: %s reads %#x, expected %#x", ErrCorrupted, addr, got, want)
	}
	return nil
}

// initial returns the word at addr before any writes to it.
func (p *process) initial(addr hostarch.Addr) uint64 {
	if p.mmap != nil && addr >= MmapBase && addr < MmapBase+hostarch.Addr(p.mapped) {
		off := int(addr - MmapBase)
		return binary.LittleEndian.Uint64(p.orig[off:])
	}
	return 0
}

// unmap removes the file mapping and checks that every write to it
// reached the file.
func (p *process) unmap() error {
	if p.mapID == vm.NoMapping {
		return nil
	}
	if err := p.p.Munmap(p.mapID); err != nil {
		return err
	}

	content := p.mmap.Bytes()
	for addr, stamp := range p.shadow {
		if addr < MmapBase || addr >= MmapBase+hostarch.Addr(p.mapped) {
			continue
		}
		off := int(addr - MmapBase)
		if got := binary.LittleEndian.Uint64(content[off:]); got != stamp {
			return fmt.Errorf("%w: mapped file at offset %d has %#x, expected %#x",
				ErrCorrupted, off, got, stamp)
		}
	}

	return nil
}
