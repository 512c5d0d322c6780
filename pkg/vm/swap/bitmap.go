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

package swap

import (
	"math/bits"
)

// bitmap is a fixed-size set of bits. It is not safe for concurrent use.
type bitmap struct {
	size    uint32
	numOnes uint32
	blocks  []uint64
}

func newBitmap(size uint32) *bitmap {
	return &bitmap{
		size:   size,
		blocks: make([]uint64, (size+63)/64),
	}
}

// test returns the value of bit i. Bits beyond the size read as clear.
func (b *bitmap) test(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.blocks[i/64]&(uint64(1)<<(i%64)) != 0
}

// set sets bit i to the given value.
func (b *bitmap) set(i uint32, value bool) {
	blk, mask := i/64, uint64(1)<<(i%64)
	old := b.blocks[blk]
	if value {
		b.blocks[blk] |= mask
	} else {
		b.blocks[blk] &^= mask
	}
	switch {
	case old == b.blocks[blk]:
	case value:
		b.numOnes++
	default:
		b.numOnes--
	}
}

// scanAndFlip finds the first clear bit at or after start, sets it and
// returns its index. ok is false if every such bit is already set.
func (b *bitmap) scanAndFlip(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}

	i, nbit := start/64, start%64
	w := b.blocks[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^w)) + i*64
			if bit >= b.size {
				return 0, false
			}
			b.set(bit, true)
			return bit, true
		}
		i++
		if int(i) == len(b.blocks) {
			return 0, false
		}
		w = b.blocks[i]
	}
}

// count returns the number of set bits.
func (b *bitmap) count() uint32 {
	return b.numOnes
}
