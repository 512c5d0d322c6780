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
	"sync/atomic"

	"github.com/tfdavids-zz/pintos/pkg/healthz"
)

type stats struct {
	faults        atomic.Int64
	invalidFaults atomic.Int64
	stackGrowths  atomic.Int64
	zeroFills     atomic.Int64
	fileReads     atomic.Int64
	swapIns       atomic.Int64
	swapOuts      atomic.Int64
	writeBacks    atomic.Int64
	evictions     atomic.Int64
	evictFailures atomic.Int64
}

// Stats is a snapshot of VM usage and activity.
type Stats struct {
	PoolPages     int
	FreePages     int
	ResidentPages int
	SwapSlots     int
	SwapUsed      int
	Processes     int
	Faults        int64
	InvalidFaults int64
	StackGrowths  int64
	ZeroFills     int64
	FileReads     int64
	SwapIns       int64
	SwapOuts      int64
	WriteBacks    int64
	Evictions     int64
	EvictFailures int64
}

// Stats returns a snapshot of the current VM statistics.
func (vm *VM) Stats() Stats {
	vm.mu.RLock()
	procs := len(vm.procs)
	vm.mu.RUnlock()

	return Stats{
		PoolPages:     vm.pool.Size(),
		FreePages:     vm.pool.Available(),
		ResidentPages: vm.frames.Resident(),
		SwapSlots:     vm.swap.Slots(),
		SwapUsed:      vm.swap.Used(),
		Processes:     procs,
		Faults:        vm.stats.faults.Load(),
		InvalidFaults: vm.stats.invalidFaults.Load(),
		StackGrowths:  vm.stats.stackGrowths.Load(),
		ZeroFills:     vm.stats.zeroFills.Load(),
		FileReads:     vm.stats.fileReads.Load(),
		SwapIns:       vm.stats.swapIns.Load(),
		SwapOuts:      vm.stats.swapOuts.Load(),
		WriteBacks:    vm.stats.writeBacks.Load(),
		Evictions:     vm.stats.evictions.Load(),
		EvictFailures: vm.stats.evictFailures.Load(),
	}
}

const (
	// swapDegradedRatio is the swap usage above which we report degraded health.
	swapDegradedRatio = 0.9
)

// CheckHealth reports swap exhaustion, which is fatal on the next
// eviction of an anonymous page, and swap pressure.
func (vm *VM) CheckHealth() (healthz.Status, error) {
	slots, used := vm.swap.Slots(), vm.swap.Used()

	switch {
	case used >= slots:
		return healthz.NonFunctional, fmt.Errorf("swap exhausted, %d/%d slots in use", used, slots)
	case float64(used) > swapDegradedRatio*float64(slots):
		return healthz.Degraded, fmt.Errorf("swap pressure, %d/%d slots in use", used, slots)
	}

	return healthz.Healthy, nil
}
