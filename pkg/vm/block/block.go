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

// Package block implements raw, sector-addressed block devices. These are
// the backing store of the swap manager, separate from any filesystem.
package block

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

const (
	// SectorSize is the size of a single device sector in bytes.
	SectorSize = 512
)

// Sector is the index of a sector on a device.
type Sector uint32

// Device is a raw block device. Read and Write transfer exactly one
// sector, buf must be SectorSize bytes long.
type Device interface {
	// Size returns the capacity of the device in sectors.
	Size() Sector
	// Read reads the given sector into buf.
	Read(sector Sector, buf []byte) error
	// Write writes buf to the given sector.
	Write(sector Sector, buf []byte) error
	// Close releases the device.
	Close() error
}

var (
	ErrOutOfRange = fmt.Errorf("block: sector out of range")
	ErrShortBuf   = fmt.Errorf("block: buffer is not a full sector")
)

// Memory is a Device backed by memory.
type Memory struct {
	sync.Mutex
	data  []byte
	size  Sector
	reads int
	wrts  int
}

// NewMemory creates a memory-backed device with the given number of sectors.
func NewMemory(size Sector) *Memory {
	return &Memory{
		data: make([]byte, int(size)*SectorSize),
		size: size,
	}
}

// Size implements Device.
func (m *Memory) Size() Sector {
	return m.size
}

// Read implements Device.
func (m *Memory) Read(sector Sector, buf []byte) error {
	if err := checkAccess(m.size, sector, buf); err != nil {
		return errors.Wrapf(err, "read sector %d", sector)
	}

	m.Lock()
	defer m.Unlock()

	off := int(sector) * SectorSize
	copy(buf, m.data[off:off+SectorSize])
	m.reads++

	return nil
}

// Write implements Device.
func (m *Memory) Write(sector Sector, buf []byte) error {
	if err := checkAccess(m.size, sector, buf); err != nil {
		return errors.Wrapf(err, "write sector %d", sector)
	}

	m.Lock()
	defer m.Unlock()

	off := int(sector) * SectorSize
	copy(m.data[off:off+SectorSize], buf)
	m.wrts++

	return nil
}

// Close implements Device.
func (m *Memory) Close() error {
	return nil
}

// Stats returns the number of sector reads and writes done so far.
func (m *Memory) Stats() (reads, writes int) {
	m.Lock()
	defer m.Unlock()
	return m.reads, m.wrts
}

func checkAccess(size, sector Sector, buf []byte) error {
	if sector >= size {
		return ErrOutOfRange
	}
	if len(buf) != SectorSize {
		return ErrShortBuf
	}
	return nil
}
