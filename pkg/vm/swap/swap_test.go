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

package swap_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tfdavids-zz/pintos/pkg/hostarch"
	"github.com/tfdavids-zz/pintos/pkg/vm/block"
	"github.com/tfdavids-zz/pintos/pkg/vm/swap"
)

const (
	sectorsPerPage = hostarch.PageSize / block.SectorSize
)

func newManager(t *testing.T, slots int) (*swap.Manager, *block.Memory) {
	dev := block.NewMemory(block.Sector(slots * sectorsPerPage))
	m, err := swap.New(dev, hostarch.PageSize)
	require.NoError(t, err)
	require.Equal(t, slots, m.Slots())
	return m, dev
}

func pattern(seed byte) []byte {
	buf := make([]byte, hostarch.PageSize)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func TestNew(t *testing.T) {
	_, err := swap.New(block.NewMemory(sectorsPerPage-1), hostarch.PageSize)
	require.ErrorIs(t, err, swap.ErrDeviceTooSmall)

	_, err = swap.New(block.NewMemory(64), 1000)
	require.ErrorIs(t, err, swap.ErrBadPageSize)

	// partial trailing slots are not used
	m, err := swap.New(block.NewMemory(3*sectorsPerPage+5), hostarch.PageSize)
	require.NoError(t, err)
	require.Equal(t, 3, m.Slots())
}

func TestRoundTrip(t *testing.T) {
	m, _ := newManager(t, 4)

	in := pattern(7)
	slot := m.WritePage(in)
	require.True(t, m.InUse(slot))
	require.Equal(t, 1, m.Used())

	out := make([]byte, hostarch.PageSize)
	require.True(t, m.LoadPage(slot, out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("loaded page differs (-written +loaded):\n%s", diff)
	}

	require.False(t, m.InUse(slot))
	require.False(t, m.LoadPage(slot, out), "slot must not be readable twice")
	require.Equal(t, 0, m.Used())
}

func TestSlotLayout(t *testing.T) {
	m, dev := newManager(t, 3)

	m.WritePage(pattern(1))
	s := m.WritePage(pattern(2))
	require.Equal(t, swap.Slot(1), s)

	sector := make([]byte, block.SectorSize)
	require.NoError(t, dev.Read(block.Sector(sectorsPerPage), sector))
	require.Equal(t, pattern(2)[:block.SectorSize], sector)
	require.NoError(t, dev.Read(block.Sector(2*sectorsPerPage-1), sector))
	require.Equal(t, pattern(2)[hostarch.PageSize-block.SectorSize:], sector)
}

func TestFree(t *testing.T) {
	m, _ := newManager(t, 2)

	s0 := m.WritePage(pattern(0))
	s1 := m.WritePage(pattern(1))

	require.True(t, m.Free(s0))
	require.False(t, m.Free(s0), "double free")
	require.False(t, m.Free(swap.Slot(99)), "out of range")
	require.False(t, m.LoadPage(s0, make([]byte, hostarch.PageSize)))

	// freed slot is reused first
	require.Equal(t, s0, m.WritePage(pattern(3)))
	require.True(t, m.InUse(s1))
}

func TestExhaustionPanics(t *testing.T) {
	m, _ := newManager(t, 2)

	m.WritePage(pattern(0))
	m.WritePage(pattern(1))
	require.Panics(t, func() { m.WritePage(pattern(2)) })
}

func TestConcurrentWriters(t *testing.T) {
	const writers = 16
	m, _ := newManager(t, writers)

	var (
		wg    sync.WaitGroup
		lock  sync.Mutex
		slots = map[swap.Slot]byte{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			s := m.WritePage(pattern(seed))
			lock.Lock()
			slots[s] = seed
			lock.Unlock()
		}(byte(i))
	}
	wg.Wait()

	require.Len(t, slots, writers, "every writer got its own slot")
	out := make([]byte, hostarch.PageSize)
	for s, seed := range slots {
		require.True(t, m.LoadPage(s, out))
		require.True(t, bytes.Equal(pattern(seed), out), "slot %d", s)
	}
}
