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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/log"
	"github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/oom"
)

// OOMResolver represents the configuration of the OOM resolver daemon.
// +kubebuilder:object:root=true
type OOMResolver struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec OOMResolverSpec `json:"spec"`
}

// OOMResolverSpec describes the OOM resolver configuration.
type OOMResolverSpec struct {
	// +optional
	OOM oom.Config `json:"oom,omitempty"`
	// +optional
	Monitor MonitorConfig `json:"monitor,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// MonitorConfig configures the memory pressure monitor which triggers
// OOM resolution.
type MonitorConfig struct {
	// Interval is the period of polling memory pressure.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	Interval metav1.Duration `json:"interval,omitempty"`
	// PressureThreshold is the 'full avg10' memory pressure percentage
	// above which OOM resolution is triggered.
	// +optional
	// +kubebuilder:default=50
	PressureThreshold float64 `json:"pressureThreshold,omitempty"`
	// DryRun only logs the processes which would be killed.
	// +optional
	DryRun bool `json:"dryRun,omitempty"`
	// HostRoot is the path where the host /proc and /sys are mounted.
	// +optional
	HostRoot string `json:"hostRoot,omitempty"`
	// SettlePeriod is the minimum time between two pressure triggered
	// OOM resolutions.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="10s"
	SettlePeriod metav1.Duration `json:"settlePeriod,omitempty"`
	// Escalation tells how to handle panics and restarts: by exiting the
	// daemon or by rebooting the host.
	// +optional
	// +kubebuilder:validation:Enum=exit;reboot
	// +kubebuilder:default="exit"
	Escalation string `json:"escalation,omitempty"`
}

const (
	EscalateExit   = "exit"
	EscalateReboot = "reboot"
)
