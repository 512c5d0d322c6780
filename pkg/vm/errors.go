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

import "fmt"

var (
	ErrFailedOption   = fmt.Errorf("vm: failed to apply option")
	ErrInvalidFault   = fmt.Errorf("vm: invalid page fault")
	ErrPageExists     = fmt.Errorf("vm: page already registered")
	ErrNoPage         = fmt.Errorf("vm: no such page")
	ErrUnaligned      = fmt.Errorf("vm: unaligned page address")
	ErrBadLength      = fmt.Errorf("vm: invalid file page length")
	ErrNoFrame        = fmt.Errorf("vm: no evictable frame")
	ErrFetchFailed    = fmt.Errorf("vm: failed to fetch page data")
	ErrInstallFailed  = fmt.Errorf("vm: failed to install page mapping")
	ErrBadMapping     = fmt.Errorf("vm: invalid mapping")
	ErrUnknownMapping = fmt.Errorf("vm: unknown mapping")
	ErrExited         = fmt.Errorf("vm: process has exited")
	ErrNoAccess       = fmt.Errorf("vm: page directory does not emulate user access")
)
