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

package fs_test

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
)

func TestMemoryFile(t *testing.T) {
	f := fs.NewMemory([]byte("hello, world"))
	require.Equal(t, int64(12), f.Length())

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 7)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf[:n]))

	n, err = f.WriteAt([]byte("W!!!!!"), 7)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello, W!!!!", string(f.Bytes()))

	require.NoError(t, f.Close())
	require.True(t, f.IsClosed())
	_, err = f.ReadAt(buf, 0)
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestOSFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0600))

	f, err := fs.Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(10), f.Length())

	_, err = f.WriteAt([]byte("ab"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "ab23456789", string(data))
}

type countingLock struct {
	sync.Mutex
	count int
}

func (l *countingLock) Lock() {
	l.Mutex.Lock()
	l.count++
}

func TestSerialize(t *testing.T) {
	var (
		lock = &countingLock{}
		f    = fs.Serialize(fs.NewMemory(make([]byte, 16)), lock)
		buf  = make([]byte, 4)
	)

	_, err := f.WriteAt(buf, 0)
	require.NoError(t, err)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(16), f.Length())
	require.NoError(t, f.Close())

	require.Equal(t, 4, lock.count)
}
