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

package hostarch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/tfdavids-zz/pintos/pkg/hostarch"
)

func TestRounding(t *testing.T) {
	type testCase struct {
		name    string
		addr    Addr
		down    Addr
		up      Addr
		upOK    bool
		aligned bool
	}

	for _, tc := range []*testCase{
		{
			name: "zero", addr: 0,
			down: 0, up: 0, upOK: true, aligned: true,
		},
		{
			name: "inside first page", addr: 10,
			down: 0, up: PageSize, upOK: true,
		},
		{
			name: "page boundary", addr: 0x8048000,
			down: 0x8048000, up: 0x8048000, upOK: true, aligned: true,
		},
		{
			name: "below stack top", addr: StackTop - 4,
			down: StackTop - PageSize, up: StackTop, upOK: true,
		},
		{
			name: "wraps", addr: ^Addr(0),
			down: ^Addr(PageMask), up: 0, upOK: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.down, tc.addr.RoundDown())
			up, ok := tc.addr.RoundUp()
			require.Equal(t, tc.upOK, ok)
			if ok {
				require.Equal(t, tc.up, up)
			}
			require.Equal(t, tc.aligned, tc.addr.IsPageAligned())
		})
	}
}

func TestPagesIn(t *testing.T) {
	require.Equal(t, uint64(0), PagesIn(0))
	require.Equal(t, uint64(1), PagesIn(1))
	require.Equal(t, uint64(1), PagesIn(PageSize))
	require.Equal(t, uint64(2), PagesIn(PageSize+1))
}
