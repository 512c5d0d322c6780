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

// Package fs defines the file interface used for file-backed pages and
// provides host and in-memory implementations of it.
package fs

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File is an open file as seen by the virtual memory system. Reads and
// writes are positional and synchronous.
type File interface {
	io.ReaderAt
	io.WriterAt
	// Length returns the current length of the file in bytes.
	Length() int64
	// Close closes the file.
	Close() error
}

// OSFile is a File backed by a host file.
type OSFile struct {
	*os.File
}

// Open opens the host file at path for reading and writing.
func Open(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return &OSFile{File: f}, nil
}

// Length implements File.
func (f *OSFile) Length() int64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// Memory is a File backed by a byte slice. Writes never extend it.
type Memory struct {
	sync.Mutex
	data   []byte
	closed bool
}

// NewMemory returns a memory-backed file with a copy of the given content.
func NewMemory(content []byte) *Memory {
	return &Memory{data: append([]byte(nil), content...)}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Bytes beyond the end of the file are
// dropped.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}

	return copy(m.data[off:], p), nil
}

// Length implements File.
func (m *Memory) Length() int64 {
	m.Lock()
	defer m.Unlock()
	return int64(len(m.data))
}

// Close implements File.
func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return os.ErrClosed
	}
	m.closed = true
	return nil
}

// Bytes returns a copy of the current content of the file, even if it
// has been closed.
func (m *Memory) Bytes() []byte {
	m.Lock()
	defer m.Unlock()
	return append([]byte(nil), m.data...)
}

// IsClosed returns true if the file has been closed.
func (m *Memory) IsClosed() bool {
	m.Lock()
	defer m.Unlock()
	return m.closed
}

// serialized is a File with every operation done under a shared lock.
type serialized struct {
	File
	lock sync.Locker
}

// Serialize returns a File which performs every operation on f while
// holding lock. Passing the same lock for every file gives the single
// global filesystem lock some filesystems require.
func Serialize(f File, lock sync.Locker) File {
	return &serialized{File: f, lock: lock}
}

func (s *serialized) ReadAt(p []byte, off int64) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.File.ReadAt(p, off)
}

func (s *serialized) WriteAt(p []byte, off int64) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.File.WriteAt(p, off)
}

func (s *serialized) Length() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.File.Length()
}

func (s *serialized) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.File.Close()
}
