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

package klogcontrol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/log/klogcontrol"
	"github.com/tfdavids-zz/pintos/pkg/log/klogcontrol"
)

func TestConfigure(t *testing.T) {
	ctl := klogcontrol.Get()

	orig, ok := ctl.Value("v")
	require.True(t, ok)
	defer func() {
		_, err := ctl.Configure(&cfgapi.Config{V: intPtr(0)})
		require.NoError(t, err)
		require.NoError(t, ctl.Set("v", orig))
	}()

	changed, err := ctl.Configure(&cfgapi.Config{V: intPtr(3)})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"v": "3"}, changed)

	value, _ := ctl.Value("v")
	require.Equal(t, "3", value)

	changed, err = ctl.Configure(&cfgapi.Config{V: intPtr(3)})
	require.NoError(t, err)
	require.Empty(t, changed)

	changed, err = ctl.Configure(nil)
	require.NoError(t, err)
	require.Empty(t, changed)

	bogus := "bogus"
	_, err = ctl.Configure(&cfgapi.Config{Stderrthreshold: &bogus})
	require.Error(t, err)

	_, ok = ctl.Value("no-such-flag")
	require.False(t, ok)
}

func intPtr(v int) *int {
	return &v
}
