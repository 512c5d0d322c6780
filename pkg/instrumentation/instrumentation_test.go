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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/tfdavids-zz/pintos/pkg/instrumentation"
)

func TestPrometheusConfiguration(t *testing.T) {
	cfg := &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
	}

	require.NoError(t, instrumentation.Reconfigure(cfg))
	defer instrumentation.Stop()

	address := instrumentation.HTTPServer().GetAddress()
	require.NotEmpty(t, address)
	checkPrometheus(t, address, false)
	checkHealthz(t, address)

	for i := 0; i < 3; i++ {
		cfg.PrometheusExport = !cfg.PrometheusExport
		cfg.HTTPEndpoint = address
		require.NoError(t, instrumentation.Reconfigure(cfg))
		checkPrometheus(t, address, cfg.PrometheusExport)
	}
}

func TestDisabledEndpoint(t *testing.T) {
	require.NoError(t, instrumentation.Reconfigure(&cfgapi.Config{}))
	defer instrumentation.Stop()

	require.Empty(t, instrumentation.HTTPServer().GetAddress())
	instrumentation.Poll()
}

func checkPrometheus(t *testing.T, server string, exported bool) {
	rpl, err := http.Get("http://" + server + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()

	if !exported {
		require.Equal(t, http.StatusNotFound, rpl.StatusCode)
		return
	}

	require.Equal(t, http.StatusOK, rpl.StatusCode)
	_, err = io.ReadAll(rpl.Body)
	require.NoError(t, err)
}

func checkHealthz(t *testing.T, server string) {
	rpl, err := http.Get("http://" + server + "/healthz")
	require.NoError(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)
}
