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

// Package v1alpha1 contains the configuration API of the VM simulator.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/log"
	"github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1/vm"
)

const (
	// Kind is the kind of a simulator configuration.
	Kind = "VMSimulator"
	// APIVersion is the API version of the configuration.
	APIVersion = "config.pintos.dev/v1alpha1"
)

// VMSimulator represents the configuration of the VM simulator.
type VMSimulator struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec VMSimulatorSpec `json:"spec"`
}

// VMSimulatorSpec describes the simulated system and its workload.
type VMSimulatorSpec struct {
	// +optional
	VM vm.Config `json:"vm,omitempty"`
	// +optional
	Workload WorkloadConfig `json:"workload,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// WorkloadConfig describes the synthetic workload run by the simulator.
type WorkloadConfig struct {
	// Processes is the number of concurrently running processes.
	// +optional
	// +kubebuilder:default=4
	Processes int `json:"processes,omitempty"`
	// HeapSize is the size of the anonymous memory of each process.
	// +optional
	// +kubebuilder:default="256Ki"
	HeapSize resource.Quantity `json:"heapSize,omitempty"`
	// MmapSize is the size of the file each process maps. Zero disables mmap.
	// +optional
	MmapSize resource.Quantity `json:"mmapSize,omitempty"`
	// StackDepth is how deep each process grows its stack.
	// +optional
	StackDepth resource.Quantity `json:"stackDepth,omitempty"`
	// AccessRate is the number of memory accesses per second per process.
	// Zero means unlimited.
	// +optional
	AccessRate int `json:"accessRate,omitempty"`
	// Accesses is the total number of memory accesses per process.
	// +optional
	// +kubebuilder:default=10000
	Accesses int `json:"accesses,omitempty"`
	// WritePercent is the percentage of accesses which are writes.
	// +optional
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=100
	// +kubebuilder:default=30
	WritePercent int `json:"writePercent,omitempty"`
	// Seed seeds the access pattern generator.
	// +optional
	Seed int64 `json:"seed,omitempty"`
	// ReportPeriod is the interval between state dumps and stats logging.
	// +optional
	// +kubebuilder:default="10s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
}
