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

// Package config loads, defaults, and validates simulator configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1"
	metricsapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/metrics"
	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
)

const (
	defaultPoolPages    = 64
	defaultSwapSize     = "4Mi"
	defaultStackLimit   = "8Mi"
	defaultProcesses    = 4
	defaultHeapSize     = "256Ki"
	defaultAccesses     = 10000
	defaultWritePercent = 30
	defaultReportPeriod = 30 * time.Second
	defaultDumpPeriod   = 10 * time.Second
)

var (
	log = logger.Get("config")
	// ErrInvalidConfig is returned for configuration which fails validation.
	ErrInvalidConfig = fmt.Errorf("config: invalid configuration")
)

// Load reads, defaults, and validates the configuration in the given file.
func Load(path string) (*cfgapi.VMSimulator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to read %s", path)
	}
	return Parse(data, path)
}

// Parse parses, defaults, and validates the given configuration. Unknown
// fields are rejected.
func Parse(data []byte, source string) (*cfgapi.VMSimulator, error) {
	cfg := &cfgapi.VMSimulator{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: failed to parse %s", source)
	}

	switch {
	case cfg.Kind == "" && cfg.APIVersion == "":
	case cfg.Kind != cfgapi.Kind || cfg.APIVersion != cfgapi.APIVersion:
		return nil, fmt.Errorf("%w: %s: unexpected %s %s, expected %s %s", ErrInvalidConfig,
			source, cfg.APIVersion, cfg.Kind, cfgapi.APIVersion, cfgapi.Kind)
	}

	if cfg.Name == "" {
		cfg.Name = source
	}

	SetDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	log.Info("loaded configuration %s", cfg.Name)

	return cfg, nil
}

// Default returns the default configuration.
func Default() *cfgapi.VMSimulator {
	cfg := &cfgapi.VMSimulator{}
	cfg.Name = "default"
	SetDefaults(cfg)
	return cfg
}

// SetDefaults fills in unset fields with their defaults.
func SetDefaults(cfg *cfgapi.VMSimulator) {
	cfg.Kind = cfgapi.Kind
	cfg.APIVersion = cfgapi.APIVersion

	vm := &cfg.Spec.VM
	if vm.PoolPages == 0 {
		vm.PoolPages = defaultPoolPages
	}
	setQuantity(&vm.SwapSize, defaultSwapSize)
	setQuantity(&vm.StackLimit, defaultStackLimit)

	w := &cfg.Spec.Workload
	if w.Processes == 0 {
		w.Processes = defaultProcesses
	}
	setQuantity(&w.HeapSize, defaultHeapSize)
	if w.Accesses == 0 {
		w.Accesses = defaultAccesses
	}
	if w.WritePercent == 0 {
		w.WritePercent = defaultWritePercent
	}
	setDuration(&w.ReportPeriod, defaultDumpPeriod)

	setDuration(&cfg.Spec.Instrumentation.ReportPeriod, defaultReportPeriod)
	if cfg.Spec.Instrumentation.Metrics == nil {
		cfg.Spec.Instrumentation.Metrics = &metricsapi.Config{
			Enabled: []string{"vm"},
		}
	}
}

func setQuantity(q *resource.Quantity, value string) {
	if q.IsZero() {
		*q = resource.MustParse(value)
	}
}

func setDuration(d *metav1.Duration, value time.Duration) {
	if d.Duration == 0 {
		d.Duration = value
	}
}

// Validate checks the configuration for errors.
func Validate(cfg *cfgapi.VMSimulator) error {
	var (
		vm = &cfg.Spec.VM
		w  = &cfg.Spec.Workload
	)

	switch {
	case vm.PoolPages < 0:
		return invalid("negative pool size %d", vm.PoolPages)
	case vm.SwapSize.Value()%hostarch.PageSize != 0:
		return invalid("swap size %s is not a multiple of the page size", vm.SwapSize.String())
	case vm.StackLimit.Value() < hostarch.PageSize:
		return invalid("stack limit %s is less than a page", vm.StackLimit.String())
	case vm.StackLimit.Value() > int64(hostarch.StackTop)/2:
		return invalid("stack limit %s is too large", vm.StackLimit.String())
	case w.Processes < 0:
		return invalid("negative number of processes %d", w.Processes)
	case w.AccessRate < 0:
		return invalid("negative access rate %d", w.AccessRate)
	case w.WritePercent < 0 || w.WritePercent > 100:
		return invalid("write percentage %d out of range", w.WritePercent)
	case w.HeapSize.Value() < hostarch.PageSize:
		return invalid("heap size %s is less than a page", w.HeapSize.String())
	case w.StackDepth.Value() > vm.StackLimit.Value():
		return invalid("stack depth %s exceeds stack limit %s", w.StackDepth.String(),
			vm.StackLimit.String())
	case cfg.Spec.Instrumentation.SamplingRatePerMillion < 0 ||
		cfg.Spec.Instrumentation.SamplingRatePerMillion > 1000000:
		return invalid("sampling rate %d out of range",
			cfg.Spec.Instrumentation.SamplingRatePerMillion)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...)
}

// Dump returns the configuration in YAML.
func Dump(cfg *cfgapi.VMSimulator) string {
	dump, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("<failed to marshal configuration: %v>", err)
	}
	return string(dump)
}
