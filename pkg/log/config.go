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

package log

import (
	"fmt"
	"os"
	"path"
	"strings"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/log"
	"github.com/tfdavids-zz/pintos/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar is the environment variable used to seed source logging.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var (
	// klog control
	klogctl = klogcontrol.Get()
)

// parse parses the given string and updates the srcmap accordingly.
// The syntax is a comma-separated list of [state:]source entries, where
// state is one of on/off and applies to all subsequent sources until the
// next explicit state. Source 'all' is an alias for '*'.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}
	if value = strings.TrimSpace(value); value == "" {
		return nil
	}

	prev, state, src := "", "", ""
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		statesrc := strings.Split(entry, ":")
		switch len(statesrc) {
		case 2:
			state, src = statesrc[0], strings.TrimSpace(statesrc[1])
		case 1:
			state, src = "", strings.TrimSpace(statesrc[0])
		default:
			return loggerError("invalid state spec '%s' in source map", entry)
		}
		if state != "" {
			prev = state
		} else {
			state = prev
			if state == "" {
				state = "on"
			}
		}

		if src == "all" {
			src = "*"
		}

		enabled, err := parseEnabled(state)
		if err != nil {
			return loggerError("invalid state '%s' in source map", state)
		}
		(*m)[src] = enabled
	}

	return nil
}

// enabled returns true if debugging is enabled for the given source.
// Exact source matches take precedence over glob patterns.
func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	for glob, state := range m {
		if ok, _ := path.Match(glob, source); ok {
			return state
		}
	}
	return false
}

// String returns a string representation of the srcmap.
func (m *srcmap) String() string {
	off := ""
	on := ""
	for src, state := range *m {
		if state {
			if on == "" {
				on = src
			} else {
				on += "," + src
			}
		} else {
			if off == "" {
				off = src
			} else {
				off += "," + src
			}
		}
	}

	switch {
	case on == "" && off == "":
		return ""
	case off == "":
		return "on:" + on
	case on == "":
		return "off:" + off
	}
	return "on:" + on + "," + "off:" + off
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	deflog.Info("logger configuration update %+v", cfg)

	debugFlags := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debugFlags.parse(value); err != nil {
			deflog.Error("failed to parse debug setting %q: %v", value, err)
			return fmt.Errorf("failed to parse debug setting %q: %v", value, err)
		}
	}

	log.Lock()
	log.setDbgMap(debugFlags)
	log.setPrefix(cfg.LogSource)
	log.Unlock()

	changed, err := klogctl.Configure(&cfg.Klog)
	for name, value := range changed {
		deflog.Info("klog flag %s set to %q", name, value)
	}

	return err
}

func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "enable", "enabled", "yes", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// Initialize debug logging from the environment.
func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		debugFlags := make(srcmap)
		if err := debugFlags.parse(value); err != nil {
			Default().Error("failed to parse %s %q: %v", debugEnvVar,
				value, err)
		} else {
			cfg.Debug = []string{debugFlags.String()}
			Default().Info("seeded debug flags ($%s): %s", debugEnvVar, debugFlags.String())
		}
	}

	err := Configure(cfg)
	if err != nil {
		Default().Error("initial logging configuration failed: %v", err)
	}
}
