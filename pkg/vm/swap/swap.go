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

// Package swap implements a page-slot allocator over a raw block device.
//
// The device is divided into consecutive slots of one page each. Slot i
// occupies sectors [i*spp, (i+1)*spp), where spp is the number of sectors
// per page. A bitmap tracks which slots currently hold a page. A slot is
// claimed when a page is written out, and released either when the page
// is loaded back or when its owner discards it.
package swap

import (
	"fmt"
	"sync"

	logger "github.com/tfdavids-zz/pintos/pkg/log"
	"github.com/tfdavids-zz/pintos/pkg/vm/block"
)

// Slot is the index of a page-sized slot on the swap device.
type Slot uint32

var (
	// ErrSwapFull is the panic value when no free slot is left.
	ErrSwapFull = fmt.Errorf("swap: swap is full")
	// ErrDeviceTooSmall is returned when the device cannot hold a single page.
	ErrDeviceTooSmall = fmt.Errorf("swap: device too small")
	// ErrBadPageSize is returned for page sizes which are not a multiple
	// of the sector size.
	ErrBadPageSize = fmt.Errorf("swap: invalid page size")
)

var log = logger.Get("swap")

// Manager allocates page slots on a swap device.
type Manager struct {
	dev            block.Device
	pageSize       int
	sectorsPerPage uint32
	slots          uint32
	mu             sync.Mutex
	used           *bitmap
}

// New sets up a swap manager for the given device and page size.
func New(dev block.Device, pageSize int) (*Manager, error) {
	if pageSize <= 0 || pageSize%block.SectorSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadPageSize, pageSize)
	}

	spp := uint32(pageSize / block.SectorSize)
	slots := uint32(dev.Size()) / spp
	if slots == 0 {
		return nil, fmt.Errorf("%w: %d sectors", ErrDeviceTooSmall, dev.Size())
	}

	log.Info("swap device with %d sectors, %d page slots", dev.Size(), slots)

	return &Manager{
		dev:            dev,
		pageSize:       pageSize,
		sectorsPerPage: spp,
		slots:          slots,
		used:           newBitmap(slots),
	}, nil
}

// WritePage writes a page of data to the first free slot and returns the
// slot. Running out of slots or failing to write is fatal.
func (m *Manager) WritePage(data []byte) Slot {
	if len(data) != m.pageSize {
		log.Panic("swap: writing %d bytes, expected page of %d", len(data), m.pageSize)
	}

	m.mu.Lock()
	idx, ok := m.used.scanAndFlip(0)
	m.mu.Unlock()

	if !ok {
		log.Panic("%v (%d slots)", ErrSwapFull, m.slots)
	}

	slot := Slot(idx)
	for i := uint32(0); i < m.sectorsPerPage; i++ {
		buf := data[i*block.SectorSize : (i+1)*block.SectorSize]
		if err := m.dev.Write(m.sector(slot, i), buf); err != nil {
			log.Panic("failed to write swap slot %d: %v", slot, err)
		}
	}

	log.Debug("wrote page to slot %d", slot)

	return slot
}

// LoadPage reads the page in slot into out and releases the slot. It
// returns false if slot is out of range or not in use.
func (m *Manager) LoadPage(slot Slot, out []byte) bool {
	if len(out) != m.pageSize {
		log.Panic("swap: loading into %d bytes, expected page of %d", len(out), m.pageSize)
	}

	m.mu.Lock()
	inUse := m.used.test(uint32(slot))
	m.mu.Unlock()

	if !inUse {
		log.Warn("load from unused swap slot %d", slot)
		return false
	}

	for i := uint32(0); i < m.sectorsPerPage; i++ {
		buf := out[i*block.SectorSize : (i+1)*block.SectorSize]
		if err := m.dev.Read(m.sector(slot, i), buf); err != nil {
			log.Panic("failed to read swap slot %d: %v", slot, err)
		}
	}

	m.mu.Lock()
	m.used.set(uint32(slot), false)
	m.mu.Unlock()

	log.Debug("loaded page from slot %d", slot)

	return true
}

// Free releases slot without reading it. It returns false if slot is out
// of range or not in use.
func (m *Manager) Free(slot Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.used.test(uint32(slot)) {
		log.Warn("free of unused swap slot %d", slot)
		return false
	}

	m.used.set(uint32(slot), false)
	log.Debug("freed slot %d", slot)

	return true
}

// Slots returns the total number of slots.
func (m *Manager) Slots() int {
	return int(m.slots)
}

// Used returns the number of slots in use.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.used.count())
}

// InUse returns true if slot currently holds a page.
func (m *Manager) InUse(slot Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used.test(uint32(slot))
}

func (m *Manager) sector(slot Slot, i uint32) block.Sector {
	return block.Sector(uint32(slot)*m.sectorsPerPage + i)
}
