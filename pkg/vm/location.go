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

package vm

import (
	"fmt"

	"github.com/tfdavids-zz/pintos/pkg/vm/fs"
	"github.com/tfdavids-zz/pintos/pkg/vm/palloc"
	"github.com/tfdavids-zz/pintos/pkg/vm/swap"
)

// Location tells where the data of a page currently lives. It is one of
// Zero, File, Swap, or Resident.
type Location interface {
	fmt.Stringer
	isLocation()
}

// Zero is the location of a page which reads as all zeroes.
type Zero struct{}

// File is the location of a page backed by Length bytes of File at Offset.
// The rest of the page reads as zeroes.
type File struct {
	File   fs.File
	Offset int64
	Length int
}

// Swap is the location of a page written out to a swap slot.
type Swap struct {
	Slot swap.Slot
}

// Resident is the location of a page mapped to a physical frame.
type Resident struct {
	KPage palloc.KPage
}

func (Zero) isLocation()     {}
func (File) isLocation()     {}
func (Swap) isLocation()     {}
func (Resident) isLocation() {}

func (Zero) String() string {
	return "zero"
}

func (f File) String() string {
	return fmt.Sprintf("file@%d+%d", f.Offset, f.Length)
}

func (s Swap) String() string {
	return fmt.Sprintf("swap#%d", s.Slot)
}

func (r Resident) String() string {
	return "resident:" + r.KPage.String()
}
