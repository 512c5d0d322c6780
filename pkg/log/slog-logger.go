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
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// slogger passes slog records to a Logger, rendering attributes as
// key=value pairs after the message. Keys of grouped attributes are
// qualified with the group names.
type slogger struct {
	l      Logger
	attrs  string
	prefix string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = Get(source)
	}

	slog.SetDefault(slog.New(SlogHandler(l)))
}

// SlogHandler returns a slog.Handler which emits records through l.
func SlogHandler(l Logger) slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	case level < slog.LevelWarn:
		return log.enabled(LevelInfo)
	case level < slog.LevelError:
		return log.enabled(LevelWarn)
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	msg := s.format(r)
	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg)
	default:
		s.l.Error("%s", msg)
	}
	return nil
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return s
	}
	b := &strings.Builder{}
	b.WriteString(s.attrs)
	for _, a := range attrs {
		appendAttr(b, s.prefix, a)
	}
	return &slogger{l: s.l, attrs: b.String(), prefix: s.prefix}
}

func (s *slogger) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	return &slogger{l: s.l, attrs: s.attrs, prefix: s.prefix + name + "."}
}

// format renders the message and all attributes of a record.
func (s *slogger) format(r slog.Record) string {
	b := &strings.Builder{}
	b.WriteString(strings.TrimPrefix(r.Message, r.Level.String()+" "))
	b.WriteString(s.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(b, s.prefix, a)
		return true
	})
	return b.String()
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, prefix, ga)
		}
		return
	}

	value := a.Value.String()
	if value == "" || strings.ContainsAny(value, " \t\n\"=") {
		value = strconv.Quote(value)
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, value)
}
