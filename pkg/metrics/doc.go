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

// Package metrics provides a registry of prometheus collectors. Collectors
// are registered by name in groups, selectively enabled using glob patterns,
// and gathered with metric names prefixed by a namespace and their group.
// Collectors which are expensive to run can be put in polled mode, in
// which case they are collected periodically and serve cached metrics
// in between.
//
// Simple Usage
//
//	metrics.MustRegister("vm", vm.Collector(), metrics.WithGroup("vm"))
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("vmsim"),
//	    metrics.WithMetrics([]string{"vm", "standard/*"}, nil),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
