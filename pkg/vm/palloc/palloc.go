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

// Package palloc implements the fixed pool of physical frames user pages
// are mapped to.
package palloc

import (
	"fmt"
	"sync"
)

// KPage identifies a physical frame of the pool.
type KPage int

// NoPage is an invalid KPage.
const NoPage KPage = -1

// String implements fmt.Stringer.
func (k KPage) String() string {
	if k == NoPage {
		return "kpage#-"
	}
	return fmt.Sprintf("kpage#%d", int(k))
}

// Pool is a fixed-size pool of page frames.
type Pool struct {
	mu       sync.Mutex
	pageSize int
	memory   []byte
	free     []KPage
	inUse    []bool
}

// New creates a pool of n frames of pageSize bytes each.
func New(n, pageSize int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("palloc: invalid pool size %d", n)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("palloc: invalid page size %d", pageSize)
	}

	p := &Pool{
		pageSize: pageSize,
		memory:   make([]byte, n*pageSize),
		free:     make([]KPage, 0, n),
		inUse:    make([]bool, n),
	}

	// hand out frames in ascending order
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, KPage(i))
	}

	return p, nil
}

// Get allocates a frame from the pool. It returns false if the pool is
// exhausted. The content of the frame is unspecified.
func (p *Pool) Get() (KPage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return NoPage, false
	}

	k := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[k] = true

	return k, true
}

// Put returns a frame to the pool. Returning a frame which is not in use
// is a fatal error.
func (p *Pool) Put(k KPage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(k) || !p.inUse[k] {
		panic(fmt.Errorf("palloc: freeing unallocated %s", k))
	}

	p.inUse[k] = false
	p.free = append(p.free, k)
}

// Page returns the memory of the given frame.
func (p *Pool) Page(k KPage) []byte {
	if !p.valid(k) {
		panic(fmt.Errorf("palloc: invalid %s", k))
	}
	off := int(k) * p.pageSize
	return p.memory[off : off+p.pageSize : off+p.pageSize]
}

// Zero clears the memory of the given frame.
func (p *Pool) Zero(k KPage) {
	clear(p.Page(k))
}

// Size returns the total number of frames in the pool.
func (p *Pool) Size() int {
	return len(p.inUse)
}

// Available returns the number of free frames in the pool.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// PageSize returns the size of a single frame.
func (p *Pool) PageSize() int {
	return p.pageSize
}

func (p *Pool) valid(k KPage) bool {
	return k >= 0 && int(k) < len(p.inUse)
}
