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
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config provides runtime configuration for the virtual memory subsystem.
type Config struct {
	// PoolPages is the number of physical frames available to user pages.
	// +optional
	// +kubebuilder:default=64
	PoolPages int `json:"poolPages,omitempty"`
	// SwapDevice is the path of the file used as the swap device. If empty,
	// an in-memory device is used.
	// +optional
	SwapDevice string `json:"swapDevice,omitempty"`
	// SwapSize is the size of the swap device.
	// +optional
	// +kubebuilder:default="4Mi"
	SwapSize resource.Quantity `json:"swapSize,omitempty"`
	// StackLimit is the maximum size a user stack can grow to.
	// +optional
	// +kubebuilder:default="8Mi"
	StackLimit resource.Quantity `json:"stackLimit,omitempty"`
}
