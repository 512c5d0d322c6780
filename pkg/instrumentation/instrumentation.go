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

package instrumentation

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/tfdavids-zz/pintos/pkg/healthz"
	"github.com/tfdavids-zz/pintos/pkg/http"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
	"github.com/tfdavids-zz/pintos/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "vmsim"
	// metricsPath is the HTTP path of the Prometheus endpoint.
	metricsPath = "/metrics"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = http.NewServer()
	// Our metrics gatherer, if running.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

func init() {
	healthz.Setup(srv.GetMux())
}

// HTTPServer returns our HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	cfg = newCfg
	lock.Unlock()
	return Restart()
}

// Poll refreshes polled metrics collectors, if metrics are running.
func Poll() {
	lock.RLock()
	defer lock.RUnlock()
	if gatherer != nil {
		gatherer.Poll()
	}
}

func start() error {
	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(identity...),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if err := startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	return nil
}

func startMetrics() error {
	var enabled, polled []string
	if cfg.Metrics != nil {
		enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
	}

	g, err := metrics.NewGatherer(
		metrics.WithNamespace(ServiceName),
		metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		metrics.WithMetrics(enabled, polled),
	)
	if err != nil {
		return err
	}
	gatherer = g

	mux := srv.GetMux()
	mux.Unregister(metricsPath)

	if !cfg.PrometheusExport {
		log.Info("Prometheus metrics export disabled")
		return nil
	}

	handlerOpts := promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}
	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, handlerOpts))

	log.Info("Prometheus metrics exported at %s", metricsPath)

	return nil
}

func stop() {
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	srv.GetMux().Unregister(metricsPath)
	tracing.Stop()
	srv.Stop()
}
