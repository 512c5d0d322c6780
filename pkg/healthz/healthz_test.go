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

package healthz_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tfdavids-zz/pintos/pkg/healthz"
	xhttp "github.com/tfdavids-zz/pintos/pkg/http"
)

func TestHealthz(t *testing.T) {
	var (
		swap = healthz.Healthy
		pool = healthz.Healthy
	)

	healthz.RegisterHealthChecker("swap", func() (healthz.Status, error) {
		if swap == healthz.Healthy {
			return swap, nil
		}
		return swap, fmt.Errorf("swap is %s", swap)
	})
	healthz.RegisterHealthChecker("pool", func() (healthz.Status, error) {
		return pool, nil
	})
	defer healthz.UnregisterHealthChecker("swap")
	defer healthz.UnregisterHealthChecker("pool")

	require.Panics(t, func() {
		healthz.RegisterHealthChecker("swap", nil)
	})

	mux := xhttp.NewServeMux()
	healthz.Setup(mux)

	serve := func() (int, string) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code, rec.Body.String()
	}

	type testCase struct {
		name   string
		swap   healthz.Status
		pool   healthz.Status
		status healthz.Status
		code   int
		body   string
	}

	for _, tc := range []*testCase{
		{
			name:   "all healthy",
			status: healthz.Healthy,
			code:   http.StatusOK,
			body:   "ok",
		},
		{
			name:   "degraded swap",
			swap:   healthz.Degraded,
			status: healthz.Degraded,
			code:   http.StatusOK,
			body:   "degraded\nswap: swap is degraded\n",
		},
		{
			name:   "broken swap, degraded pool",
			swap:   healthz.NonFunctional,
			pool:   healthz.Degraded,
			status: healthz.NonFunctional,
			code:   http.StatusInternalServerError,
			body:   "non-functional\nswap: swap is non-functional\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			swap, pool = tc.swap, tc.pool

			status, _ := healthz.Check()
			require.Equal(t, tc.status, status)

			code, body := serve()
			require.Equal(t, tc.code, code)
			require.Equal(t, tc.body, body)
		})
	}
}
