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

package collectors_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tfdavids-zz/pintos/pkg/metrics/collectors"
)

func TestSimulatorInfoCollector(t *testing.T) {
	c := collectors.NewSimulatorInfoCollector("v0.1.0", "abc123")
	require.Equal(t, 1, testutil.CollectAndCount(c, "vmsim_info"))

	expected := `
# HELP vmsim_info A metric with constant '1' value labeled by build info and page geometry.
# TYPE vmsim_info gauge
vmsim_info{build="abc123",page_size="4096",stack_top="0xc0000000",version="v0.1.0"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "vmsim_info"))
}
