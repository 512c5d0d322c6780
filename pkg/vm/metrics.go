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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	vm *VM

	poolPages     *prometheus.Desc
	freePages     *prometheus.Desc
	residentPages *prometheus.Desc
	swapSlots     *prometheus.Desc
	swapUsed      *prometheus.Desc
	faults        *prometheus.Desc
	pageIns       *prometheus.Desc
	pageOuts      *prometheus.Desc
	evictions     *prometheus.Desc
	evictFailures *prometheus.Desc
	stackGrowths  *prometheus.Desc
	processPages  *prometheus.Desc
}

// Collector returns a prometheus collector for VM statistics. Metric
// names are relative, the registry adds the namespace and subsystem.
func (vm *VM) Collector() prometheus.Collector {
	return &collector{
		vm: vm,
		poolPages: prometheus.NewDesc("pool_pages",
			"Number of frames in the user page pool.", nil, nil),
		freePages: prometheus.NewDesc("free_pages",
			"Number of unallocated frames in the user page pool.", nil, nil),
		residentPages: prometheus.NewDesc("resident_pages",
			"Number of frames allocated to user pages.", nil, nil),
		swapSlots: prometheus.NewDesc("swap_slots",
			"Number of page slots on the swap device.", nil, nil),
		swapUsed: prometheus.NewDesc("swap_used_slots",
			"Number of swap slots in use.", nil, nil),
		faults: prometheus.NewDesc("page_faults_total",
			"Number of page faults, by outcome.", []string{"outcome"}, nil),
		pageIns: prometheus.NewDesc("page_ins_total",
			"Number of pages made resident, by source.", []string{"source"}, nil),
		pageOuts: prometheus.NewDesc("page_outs_total",
			"Number of pages written out, by target.", []string{"target"}, nil),
		evictions: prometheus.NewDesc("evictions_total",
			"Number of frames reclaimed by eviction.", nil, nil),
		evictFailures: prometheus.NewDesc("eviction_failures_total",
			"Number of evictions which found no evictable frame.", nil, nil),
		stackGrowths: prometheus.NewDesc("stack_growths_total",
			"Number of pages added by stack growth.", nil, nil),
		processPages: prometheus.NewDesc("process_pages",
			"Number of pages of a process, by location.", []string{"pid", "location"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolPages
	ch <- c.freePages
	ch <- c.residentPages
	ch <- c.swapSlots
	ch <- c.swapUsed
	ch <- c.faults
	ch <- c.pageIns
	ch <- c.pageOuts
	ch <- c.evictions
	ch <- c.evictFailures
	ch <- c.stackGrowths
	ch <- c.processPages
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.vm.Stats()

	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.poolPages, s.PoolPages)
	gauge(c.freePages, s.FreePages)
	gauge(c.residentPages, s.ResidentPages)
	gauge(c.swapSlots, s.SwapSlots)
	gauge(c.swapUsed, s.SwapUsed)
	counter(c.faults, s.Faults-s.InvalidFaults, "valid")
	counter(c.faults, s.InvalidFaults, "invalid")
	counter(c.pageIns, s.ZeroFills, "zero")
	counter(c.pageIns, s.FileReads, "file")
	counter(c.pageIns, s.SwapIns, "swap")
	counter(c.pageOuts, s.SwapOuts, "swap")
	counter(c.pageOuts, s.WriteBacks, "file")
	counter(c.evictions, s.Evictions)
	counter(c.evictFailures, s.EvictFailures)
	counter(c.stackGrowths, s.StackGrowths)

	c.vm.Foreach(func(p *Process) bool {
		pid := strconv.Itoa(int(p.pid))
		for loc, n := range p.Residency() {
			gauge(c.processPages, n, pid, loc)
		}
		return ForeachMore
	})
}
