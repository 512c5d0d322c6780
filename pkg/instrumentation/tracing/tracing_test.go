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

package tracing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
)

func TestDisabledSpans(t *testing.T) {
	require.NoError(t, tracing.Start())
	defer tracing.Stop()

	_, span := tracing.StartSpan(context.Background(), "noop")
	span.SetAttributes(tracing.Attribute("key", "value"))
	span.End(tracing.WithStatus(fmt.Errorf("ignored")))
}

func TestSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	require.NoError(t, tracing.Start(
		tracing.WithServiceName("vm-test"),
		tracing.WithSpanExporter(exporter),
		tracing.WithSamplingRatio(1.0),
	))
	defer tracing.Stop()

	ctx, parent := tracing.StartSpan(context.Background(), "HandleFault",
		tracing.WithAttributes(tracing.Attribute("upage", "0x8048000")),
	)
	_, child := tracing.StartSpan(ctx, "evict")
	child.AddEvent("swap-out", tracing.Attribute("slot", 3))
	child.End(tracing.WithStatus(fmt.Errorf("no frame")))
	parent.End()

	require.NoError(t, tracing.Flush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "evict", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.NotEmpty(t, spans[0].Events)
	require.Equal(t, "swap-out", spans[0].Events[0].Name)
	require.Equal(t, "HandleFault", spans[1].Name)
	require.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestSamplingRatio(t *testing.T) {
	require.Error(t, tracing.Start(tracing.WithSamplingRatio(1.5)))
}

func TestAttribute(t *testing.T) {
	type testCase struct {
		name     string
		value    interface{}
		expected string
	}

	for _, tc := range []*testCase{
		{name: "nil", value: nil, expected: "<nil>"},
		{name: "string", value: "text", expected: "text"},
		{name: "bool", value: true, expected: "true"},
		{name: "int64", value: int64(42), expected: "42"},
		{name: "stringer", value: stringer("frame #3"), expected: "frame #3"},
		{name: "int", value: 7, expected: "7"},
		{name: "uint64", value: uint64(4096), expected: "4096"},
		{name: "int32", value: int32(9), expected: "9"},
		{name: "uint32", value: uint32(12), expected: "12"},
		{name: "huge uint64", value: uint64(1 << 63), expected: "9223372036854775808"},
		{name: "error", value: fmt.Errorf("swap full"), expected: "swap full"},
		{name: "other", value: struct{ slot int }{3}, expected: "{3}"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			kv := tracing.Attribute("key", tc.value)
			require.Equal(t, "key", string(kv.Key))
			require.Equal(t, tc.expected, kv.Value.Emit())
		})
	}
}

type stringer string

func (s stringer) String() string {
	return string(s)
}

func TestAttributes(t *testing.T) {
	attrs := tracing.Attributes("pid", 3, "upage", stringer("0x8048000"), 7)
	require.Len(t, attrs, 3)
	require.Equal(t, "pid", string(attrs[0].Key))
	require.Equal(t, int64(3), attrs[0].Value.AsInt64())
	require.Equal(t, "0x8048000", attrs[1].Value.Emit())
	require.Equal(t, "7", string(attrs[2].Key))
	require.Equal(t, "<missing>", attrs[2].Value.Emit())

	require.Empty(t, tracing.Attributes())
}
