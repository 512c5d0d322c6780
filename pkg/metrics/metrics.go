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

package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/tfdavids-zz/pintos/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

const (
	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// Collector is a prometheus.Collector registered under a name in a group.
// A polled collector is collected periodically and serves its cached
// metrics in between, which suits collectors that walk large tables.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	polled    bool
	noPrefix  bool
	cached    []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// WithoutPrefix registers the metrics of a collector without namespace
// and group prefixes.
func WithoutPrefix() CollectorOption {
	return func(c *Collector) {
		c.noPrefix = true
	}
}

// Name returns the fully qualified group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if glob matches the group, name, or group/name of
// the collector.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// IsEnabled returns true if the collector is enabled.
func (c *Collector) IsEnabled() bool {
	c.Lock()
	defer c.Unlock()
	return c.enabled
}

// IsPolled returns true if the collector is polled.
func (c *Collector) IsPolled() bool {
	c.Lock()
	defer c.Unlock()
	return c.polled
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	enabled, polled, cached := c.enabled, c.polled, c.cached
	c.Unlock()

	switch {
	case !enabled:
	case polled:
		clog.Debug("serving %d polled metrics of %s", len(cached), c.Name())
		for _, m := range cached {
			ch <- m
		}
	default:
		clog.Debug("collecting %s", c.Name())
		c.collector.Collect(ch)
	}
}

// Poll refreshes the cached metrics of an enabled polled collector.
func (c *Collector) Poll() {
	if !c.IsEnabled() || !c.IsPolled() {
		return
	}

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}

	clog.Debug("polled %d metrics of %s", len(metrics), c.Name())

	c.Lock()
	c.cached = metrics
	c.Unlock()
}

func (c *Collector) configure(enabled, polled bool) {
	c.Lock()
	defer c.Unlock()
	c.enabled = enabled || polled
	if polled {
		c.polled = true
	}
}

// Registry is a set of collectors organized in groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultGroup
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		group:     o.group,
	}
	for _, opt := range o.copts {
		opt(c)
	}

	r.Lock()
	defer r.Unlock()

	for _, other := range r.groups[c.group] {
		if other.name == name {
			return fmt.Errorf("metrics: collector %s already registered", c.Name())
		}
	}
	r.groups[c.group] = append(r.groups[c.group], c)

	log.Info("registered collector %s", c.Name())

	return nil
}

// Configure enables collectors matching any glob in enabled or polled.
// Collectors matching any glob in polled are switched to polled mode.
// It is an error if some glob matches no collector.
func (r *Registry) Configure(enabled, polled []string) error {
	log.Info("configuring collectors, enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	matched := map[string]bool{}
	match := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	r.foreach(func(c *Collector) {
		c.configure(match(c, enabled), match(c, polled))
	})

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Poll refreshes all polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	r.foreach(func(c *Collector) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	})
	wg.Wait()
}

// HasPolled returns true if any enabled collector is polled.
func (r *Registry) HasPolled() bool {
	polled := false
	r.foreach(func(c *Collector) {
		polled = polled || (c.IsEnabled() && c.IsPolled())
	})
	return polled
}

func (r *Registry) foreach(fn func(*Collector)) {
	r.Lock()
	groups := make([]string, 0, len(r.groups))
	for g := range r.groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	var all []*Collector
	for _, g := range groups {
		all = append(all, r.groups[g]...)
	}
	r.Unlock()

	for _, c := range all {
		fn(c)
	}
}

// Gatherer is a prometheus.Gatherer for the enabled collectors of a
// registry. Metric names are prefixed with a namespace and the group of
// the collector.
type Gatherer struct {
	*prometheus.Registry
	r         *Registry
	namespace string
	interval  time.Duration
	enabled   []string
	polled    []string
	lock      sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval of polled collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		if interval < MinPollInterval {
			interval = MinPollInterval
		}
		g.interval = interval
	}
}

// WithoutPolling disables periodic polling. Polled collectors are then
// only refreshed by explicit calls to Poll.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.interval = 0
	}
}

// WithMetrics sets the enabled and polled collector globs.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
		interval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	var err error
	r.foreach(func(c *Collector) {
		if err != nil {
			return
		}
		reg := prometheus.Registerer(g.Registry)
		if !c.noPrefix {
			reg = prefixed(c.group, reg)
			reg = prefixed(g.namespace, reg)
		}
		if e := reg.Register(c); e != nil {
			err = fmt.Errorf("metrics: failed to register %s: %w", c.Name(), e)
		}
	})
	if err != nil {
		return nil, err
	}

	g.start()

	return g, nil
}

func prefixed(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.HasPolled() {
		return
	}

	g.Poll()

	if g.interval == 0 {
		log.Info("periodic polling disabled")
		return
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return defaultRegistry.Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return defaultRegistry.NewGatherer(opts...)
}
