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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/api/equality"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1"
	"github.com/tfdavids-zz/pintos/pkg/config"
	"github.com/tfdavids-zz/pintos/pkg/healthz"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
	"github.com/tfdavids-zz/pintos/pkg/metrics"
	"github.com/tfdavids-zz/pintos/pkg/version"
	"github.com/tfdavids-zz/pintos/pkg/vm"
	"github.com/tfdavids-zz/pintos/pkg/workload"

	_ "github.com/tfdavids-zz/pintos/pkg/metrics/collectors"
)

var log = logger.Default()

func main() {
	configFile := flag.String("config", "", "Configuration file to use.")
	printConfig := flag.Bool("print-config", false, "Print configuration and exit.")
	watchConfig := flag.Bool("watch-config", false, "Apply runtime changes of the configuration file.")
	flag.Parse()

	logger.SetSlogLogger("slog")

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		fmt.Print(config.Dump(cfg))
		os.Exit(0)
	}

	if *watchConfig && *configFile != "" {
		w, err := config.NewWatch(*configFile)
		if err != nil {
			log.Error("failed to watch configuration: %v", err)
			os.Exit(1)
		}
		defer w.Stop()
		go reconfigure(cfg, w.Updates())
	}

	if err := run(cfg); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

// reconfigure applies logging and instrumentation changes of configuration
// updates. Other changes only take effect on restart. It returns the number
// of updates which carried such changes.
func reconfigure(cfg *cfgapi.VMSimulator, updates <-chan *cfgapi.VMSimulator) int {
	pending := 0

	for newCfg := range updates {
		log.Info("configuration %s updated", newCfg.Name)

		if needsRestart(cfg, newCfg) {
			log.Warn("VM and workload configuration changes need a restart")
			pending++
		}

		if err := logger.Configure(&newCfg.Spec.Log); err != nil {
			log.Error("failed to reconfigure logging: %v", err)
		}
		if err := instrumentation.Reconfigure(&newCfg.Spec.Instrumentation); err != nil {
			log.Error("failed to reconfigure instrumentation: %v", err)
		}

		cfg = newCfg
	}

	return pending
}

// needsRestart tells if the update changes settings only read at startup.
func needsRestart(cfg, newCfg *cfgapi.VMSimulator) bool {
	return !equality.Semantic.DeepEqual(cfg.Spec.VM, newCfg.Spec.VM) ||
		!equality.Semantic.DeepEqual(cfg.Spec.Workload, newCfg.Spec.Workload)
}

func loadConfig(path string) (*cfgapi.VMSimulator, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *cfgapi.VMSimulator) error {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	log.Info("vmsim (version %s, build %s) starting...", version.Version, version.Build)

	v, err := vm.New(vm.WithConfig(&cfg.Spec.VM))
	if err != nil {
		return fmt.Errorf("failed to create VM: %w", err)
	}
	defer func() {
		if err := v.Close(); err != nil {
			log.Error("failed to close VM: %v", err)
		}
	}()

	if err := metrics.Register("memory", v.Collector(), metrics.WithGroup("vm")); err != nil {
		return fmt.Errorf("failed to register VM metrics: %w", err)
	}
	healthz.RegisterHealthChecker("vm", v.CheckHealth)
	defer healthz.UnregisterHealthChecker("vm")

	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer instrumentation.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := workload.New(v, cfg.Spec.Workload)

	done := make(chan struct{})
	go report(v, w, cfg.Spec.Workload.ReportPeriod.Duration, done)

	start := time.Now()
	err = w.Run(ctx)
	close(done)

	logStats(v, w)
	log.Info("workload finished in %s", time.Since(start).Round(time.Millisecond))

	return err
}

func report(v *vm.VM, w *workload.Workload, period time.Duration, done <-chan struct{}) {
	if period <= 0 {
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logStats(v, w)
			v.DumpState("  ")
		}
	}
}

func logStats(v *vm.VM, w *workload.Workload) {
	s := v.Stats()
	ws := w.Stats()
	log.Info("processes %d, reads %d, writes %d, stack pages %d",
		ws.Processes, ws.Reads, ws.Writes, ws.StackPages)
	log.Info("faults %d (invalid %d), zero fills %d, file reads %d, swap ins %d, swap outs %d, "+
		"write backs %d, evictions %d", s.Faults, s.InvalidFaults, s.ZeroFills, s.FileReads,
		s.SwapIns, s.SwapOuts, s.WriteBacks, s.Evictions)
}
