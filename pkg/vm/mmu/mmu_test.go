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

package mmu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/vm/mmu"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
)

const upage = hostarch.Addr(0x8048000)

func TestInstallAndTranslate(t *testing.T) {
	tbl := mmu.NewTable()

	_, ok := tbl.Translate(upage)
	require.False(t, ok)

	require.ErrorIs(t, tbl.Install(upage+1, 0, true), mmu.ErrUnaligned)
	require.ErrorIs(t, tbl.Install(hostarch.StackTop, 0, true), mmu.ErrKernelAddress)

	require.NoError(t, tbl.Install(upage, 3, false))
	require.NoError(t, tbl.Install(upage, 3, false), "reinstalling the same frame")
	require.ErrorIs(t, tbl.Install(upage, 4, false), mmu.ErrAlreadyMapped)

	k, ok := tbl.Translate(upage)
	require.True(t, ok)
	require.Equal(t, palloc.KPage(3), k)
	require.Equal(t, 1, tbl.Mapped())

	tbl.Clear(upage)
	_, ok = tbl.Translate(upage)
	require.False(t, ok)
	require.Equal(t, 0, tbl.Mapped())
}

func TestAccessBits(t *testing.T) {
	tbl := mmu.NewTable()

	_, err := tbl.Access(upage, false)
	require.ErrorIs(t, err, mmu.ErrNotPresent)

	require.NoError(t, tbl.Install(upage, 1, false))
	_, err = tbl.Access(upage, true)
	require.ErrorIs(t, err, mmu.ErrReadOnly)
	require.False(t, tbl.IsDirty(upage))

	k, err := tbl.Access(upage, false)
	require.NoError(t, err)
	require.Equal(t, palloc.KPage(1), k)
	require.True(t, tbl.QueryAndClearAccessed(upage))
	require.False(t, tbl.QueryAndClearAccessed(upage))

	w := upage + hostarch.PageSize
	require.NoError(t, tbl.Install(w, 2, true))
	_, err = tbl.Access(w, true)
	require.NoError(t, err)
	require.True(t, tbl.IsDirty(w))

	tbl.Clear(w)
	require.True(t, tbl.IsDirty(w), "dirty bit survives clearing the mapping")
	tbl.ClearDirty(w)
	require.False(t, tbl.IsDirty(w))
}
