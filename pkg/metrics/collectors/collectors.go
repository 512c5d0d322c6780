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

// Package collectors registers the Go runtime and process collectors, and
// a constant gauge describing the simulator build and page geometry, in the
// "standard" group of the default metrics registry.
package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
	"github.com/tfdavids-zz/pintos/pkg/metrics"
	"github.com/tfdavids-zz/pintos/pkg/version"
)

var (
	log = logger.Get("metrics")
)

// NewSimulatorInfoCollector returns a constant gauge labeled with the given
// version and build, and with the page size and user stack top.
func NewSimulatorInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vmsim_info",
			Help: "A metric with constant '1' value labeled by build info and page geometry.",
			ConstLabels: prometheus.Labels{
				"version":   v,
				"build":     b,
				"page_size": strconv.Itoa(hostarch.PageSize),
				"stack_top": hostarch.StackTop.String(),
			},
		},
		func() float64 { return 1 },
	)
}

func init() {
	var (
		standard = map[string]prometheus.Collector{
			"golang":  collectors.NewGoCollector(),
			"process": collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			"vmsim":   NewSimulatorInfoCollector(version.Version, version.Build),
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup("standard"),
			metrics.WithCollectorOptions(metrics.WithoutPrefix()),
		}
	)

	for name, collector := range standard {
		if err := metrics.Register(name, collector, options...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}
