// Copyright 2023 Intel Corporation. All Rights Reserved.
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

// Package healthz aggregates the health of registered components and
// serves it over HTTP.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	xhttp "github.com/tfdavids-zz/pintos/pkg/http"
	logger "github.com/tfdavids-zz/pintos/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	// our logger instance
	log = logger.NewLogger("health-check")
)

// CheckFn reports the health of a component, with details if unhealthy.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown status %d>", int(s))
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func Setup(mux *xhttp.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// serve serves a single HTTP request. Degraded components are reported
// but do not fail the request.
func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := strings.Builder{}
	fmt.Fprintf(&msg, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(&msg, "%s: %v\n", name, details[name])
	}

	code := http.StatusInternalServerError
	if status == Degraded {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if _, err := w.Write([]byte(msg.String())); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

// UnregisterHealthChecker removes the named health checker.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()

	delete(checkers, name)
	for i, n := range sorted {
		if n == name {
			sorted = append(sorted[:i], sorted[i+1:]...)
			break
		}
	}
}

// Check runs all health checkers, returning the worst status and the
// details reported by unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		if s, err := checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details[name] = err
				log.Errorf("component %s reported %s: %v", name, s, err)
			}
		}
	}

	return status, details
}
