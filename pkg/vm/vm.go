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
	"sync"

	logger "github.com/tfdavids-zz/pintos/pkg/log"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/vm"
	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/vm/block"
	"github.com/tfdavids-zz/pintos/pkg/vm/mmu"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
	"github.com/tfdavids-zz/pintos/pkg/vm/swap"
)

const (
	// DefaultPoolPages is the default number of frames in the user pool.
	DefaultPoolPages = 64
	// DefaultSwapSize is the default size of the in-memory swap device.
	DefaultSwapSize = 4 << 20
	// DefaultStackLimit is the default maximum size of a user stack.
	DefaultStackLimit = 8 << 20
)

var (
	log     = logger.Get("vm")
	details = logger.Get("vm-details")
)

// PID identifies a process.
type PID int

// VM is the virtual memory subsystem: the frame pool, the swap manager,
// the frame table, and the registry of live processes.
type VM struct {
	poolPages  int
	swapDev    block.Device
	newPD      func() mmu.PageDirectory
	stackLimit uint64

	pool   *palloc.Pool
	swap   *swap.Manager
	frames *FrameTable

	mu      sync.RWMutex
	procs   map[PID]*Process
	nextPID PID

	stats stats
}

// Option is an option for VM.
type Option func(*VM) error

// WithPoolPages sets the number of physical frames available to users.
func WithPoolPages(n int) Option {
	return func(vm *VM) error {
		if n <= 0 {
			return fmt.Errorf("invalid pool size %d", n)
		}
		vm.poolPages = n
		return nil
	}
}

// WithSwapDevice sets the block device used for swapping.
func WithSwapDevice(dev block.Device) Option {
	return func(vm *VM) error {
		if dev == nil {
			return fmt.Errorf("nil swap device")
		}
		vm.swapDev = dev
		return nil
	}
}

// WithPageDirectories sets the function used to create the page
// directory of new processes.
func WithPageDirectories(fn func() mmu.PageDirectory) Option {
	return func(vm *VM) error {
		vm.newPD = fn
		return nil
	}
}

// WithStackLimit sets the maximum size a user stack can grow to.
func WithStackLimit(limit uint64) Option {
	return func(vm *VM) error {
		if limit < hostarch.PageSize || limit > uint64(hostarch.StackTop) {
			return fmt.Errorf("invalid stack limit %d", limit)
		}
		vm.stackLimit = limit
		return nil
	}
}

// WithConfig applies the given configuration. An empty swap device path
// selects an in-memory swap device of the configured size.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(vm *VM) error {
		if cfg == nil {
			return nil
		}
		if cfg.PoolPages > 0 {
			if err := WithPoolPages(cfg.PoolPages)(vm); err != nil {
				return err
			}
		}
		if !cfg.StackLimit.IsZero() {
			if err := WithStackLimit(uint64(cfg.StackLimit.Value()))(vm); err != nil {
				return err
			}
		}

		size := int64(DefaultSwapSize)
		if !cfg.SwapSize.IsZero() {
			size = cfg.SwapSize.Value()
		}
		sectors := block.Sector(size / block.SectorSize)

		if cfg.SwapDevice == "" {
			vm.swapDev = block.NewMemory(sectors)
			return nil
		}

		dev, err := block.OpenFile(cfg.SwapDevice, sectors)
		if err != nil {
			return err
		}
		vm.swapDev = dev
		return nil
	}
}

// New creates a VM with the given options.
func New(options ...Option) (*VM, error) {
	vm := &VM{
		poolPages:  DefaultPoolPages,
		stackLimit: DefaultStackLimit,
		newPD:      func() mmu.PageDirectory { return mmu.NewTable() },
		procs:      make(map[PID]*Process),
		nextPID:    1,
	}

	for _, o := range options {
		if err := o(vm); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if vm.swapDev == nil {
		vm.swapDev = block.NewMemory(DefaultSwapSize / block.SectorSize)
	}

	pool, err := palloc.New(vm.poolPages, hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	sm, err := swap.New(vm.swapDev, hostarch.PageSize)
	if err != nil {
		return nil, err
	}

	vm.pool = pool
	vm.swap = sm
	vm.frames = newFrameTable(vm)

	log.Info("created VM with %d frames, %d swap slots, %d bytes stack limit",
		pool.Size(), sm.Slots(), vm.stackLimit)

	return vm, nil
}

// NewProcess creates a new process with an empty address space.
func (vm *VM) NewProcess() *Process {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	pid := vm.nextPID
	vm.nextPID++

	p := &Process{
		vm:  vm,
		pid: pid,
		pd:  vm.newPD(),
	}
	p.pt = newPageTable(vm, pid, p.pd)
	vm.procs[pid] = p

	log.Debug("created process %d", pid)

	return p
}

// Process returns the live process with the given PID.
func (vm *VM) Process(pid PID) (*Process, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	p, ok := vm.procs[pid]
	return p, ok
}

// Frames returns the frame table of the VM.
func (vm *VM) Frames() *FrameTable {
	return vm.frames
}

// Swap returns the swap manager of the VM.
func (vm *VM) Swap() *swap.Manager {
	return vm.swap
}

// Pool returns the user page pool of the VM.
func (vm *VM) Pool() *palloc.Pool {
	return vm.pool
}

// StackLimit returns the maximum size of a user stack.
func (vm *VM) StackLimit() uint64 {
	return vm.stackLimit
}

// Close releases the swap device. All processes must have exited.
func (vm *VM) Close() error {
	vm.mu.RLock()
	live := len(vm.procs)
	vm.mu.RUnlock()

	if live > 0 {
		log.Warn("closing VM with %d live processes", live)
	}

	return vm.swapDev.Close()
}

func (vm *VM) removeProcess(pid PID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.procs, pid)
}

// resolve looks up the page table entry owning a frame.
func (vm *VM) resolve(key frameKey) (*PageTable, *Entry) {
	p, ok := vm.Process(key.pid)
	if !ok {
		return nil, nil
	}
	return p.pt, p.pt.Lookup(key.upage)
}

// Foreach calls fn for each live process in PID order until fn returns false.
func (vm *VM) Foreach(fn func(*Process) bool) {
	vm.mu.RLock()
	procs := make([]*Process, 0, len(vm.procs))
	for _, p := range vm.procs {
		procs = append(procs, p)
	}
	vm.mu.RUnlock()

	sortProcesses(procs)
	for _, p := range procs {
		if !fn(p) {
			return
		}
	}
}
