// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device reports the accelerator used for training.
package device

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/jaypipes/ghw"
	"k8s.io/klog/v2"
)

// Device names reported.
const (
	CUDA = "cuda"
	CPU  = "cpu"
)

// Report of the device used by a backend, and of the graphics cards found in the host.
type Report struct {
	// Device is CUDA if the backend runs on an NVIDIA GPU, CPU otherwise.
	Device string

	// Backend name and description.
	Backend, Description string

	// NumDevices of the backend.
	NumDevices int

	// GPUs found in the host, as "vendor product".
	GPUs []string
}

// Detect the device used by backend.
//
// Errors listing the graphics cards are only logged: the host may not expose them (e.g. in containers).
func Detect(backend backends.Backend) Report {
	r := Report{
		Backend:     backend.Name(),
		Description: backend.Description(),
		NumDevices:  int(backend.NumDevices()),
	}
	r.GPUs = listGPUs()
	r.Device = classify(r.Backend, r.Description)
	return r
}

// classify returns CUDA if the backend name or description mentions CUDA.
func classify(name, description string) string {
	for _, s := range []string{name, description} {
		if strings.Contains(strings.ToLower(s), CUDA) {
			return CUDA
		}
	}
	return CPU
}

func listGPUs() []string {
	info, err := ghw.GPU()
	if err != nil {
		klog.V(1).Infof("listing graphics cards: %v", err)
		return nil
	}
	var gpus []string
	for _, card := range info.GraphicsCards {
		if card == nil || card.DeviceInfo == nil {
			continue
		}
		var vendor, product string
		if card.DeviceInfo.Vendor != nil {
			vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			product = card.DeviceInfo.Product.Name
		}
		gpus = append(gpus, strings.TrimSpace(vendor+" "+product))
	}
	return gpus
}

// String implements fmt.Stringer.
func (r Report) String() string {
	s := fmt.Sprintf("device %s (backend %s: %s, %d device(s))", r.Device, r.Backend, r.Description, r.NumDevices)
	if len(r.GPUs) > 0 {
		s += fmt.Sprintf(", GPUs found: %s", strings.Join(r.GPUs, "; "))
	}
	return s
}
