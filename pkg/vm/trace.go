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

package vm

import (
	"context"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation/tracing"
)

const (
	faultSpanName = "HandleFault"
	evictSpanName = "evict"
)

// startFaultSpan starts the span covering a single page fault. Evictions
// done on behalf of the fault are its children.
func startFaultSpan(ctx context.Context, pid PID, upage hostarch.Addr) (context.Context, *tracing.Span) {
	return tracing.StartSpan(ctx, faultSpanName,
		tracing.WithAttributes(tracing.Attributes(
			"pid", int64(pid),
			"upage", upage,
		)...),
	)
}

func startEvictSpan(ctx context.Context) (context.Context, *tracing.Span) {
	return tracing.StartSpan(ctx, evictSpanName)
}

// victimAttributes describes the page chosen for eviction.
func victimAttributes(f *frame, target pageOutTarget, dirty bool) []tracing.KeyValue {
	return tracing.Attributes(
		"owner", f.owner,
		"frame", f.kpage,
		"target", target,
		"dirty", dirty,
	)
}
