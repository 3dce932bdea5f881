// Package hardware decides whether GPU and NPU backends are worth building on
// this host before any expensive session creation is attempted.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Result is the verdict for one accelerator.
type Result struct {
	Available     bool     `json:"available"`
	DeviceInfo    string   `json:"device_info,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

func Success(device string) Result { return Result{Available: true, DeviceInfo: device} }

func Failure(reason string) Result { return Result{FailureReason: reason} }

// Validator checks accelerator availability.
type Validator interface {
	ValidateGPU(modelHint string) Result
	ValidateNPU() Result
	IsEmulator() bool
}

// Static returns fixed results. It backs configuration overrides and tests.
type Static struct {
	GPU      Result
	NPU      Result
	Emulator bool
}

func (s Static) ValidateGPU(string) Result { return s.GPU }
func (s Static) ValidateNPU() Result       { return s.NPU }
func (s Static) IsEmulator() bool          { return s.Emulator }

// Host inspects device nodes and sysfs under Root (default "/").
type Host struct {
	Root string
}

func NewHost() *Host { return &Host{Root: "/"} }

func (h *Host) path(p string) string {
	root := h.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, p)
}

var emulatorMarkers = []string{"qemu", "bochs", "virtualbox", "emulator", "goldfish", "ranchu"}

// IsEmulator reports whether DMI identifies a software-emulated machine.
func (h *Host) IsEmulator() bool {
	for _, f := range []string{"sys/class/dmi/id/product_name", "sys/class/dmi/id/sys_vendor"} {
		b, err := os.ReadFile(h.path(f))
		if err != nil {
			continue
		}
		v := strings.ToLower(string(b))
		for _, m := range emulatorMarkers {
			if strings.Contains(v, m) {
				return true
			}
		}
	}
	return false
}

func (h *Host) ValidateGPU(modelHint string) Result {
	if h.IsEmulator() {
		return Failure("GPU not available on emulator")
	}
	var devices []string
	for _, pattern := range []string{"dev/nvidia[0-9]*", "dev/dri/renderD*"} {
		m, _ := filepath.Glob(h.path(pattern))
		devices = append(devices, m...)
	}
	if len(devices) == 0 {
		return Failure("GPU not supported on this device (no /dev/nvidia* or /dev/dri/renderD* nodes)")
	}
	if strings.Contains(strings.ToLower(modelHint), "int8") {
		return Failure("GPU does not support INT8 quantized models")
	}
	sort.Strings(devices)
	info := filepath.Base(devices[0])
	if b, err := os.ReadFile(h.path("proc/driver/nvidia/version")); err == nil {
		line, _, _ := strings.Cut(string(b), "\n")
		info = fmt.Sprintf("%s (%s)", info, strings.TrimSpace(line))
	}
	return Success(info)
}

func (h *Host) ValidateNPU() Result {
	nodes, _ := filepath.Glob(h.path("sys/class/accel/accel*"))
	if len(nodes) == 0 {
		return Failure("No accelerator devices found")
	}
	sort.Strings(nodes)
	var names []string
	for _, n := range nodes {
		drv, err := os.Readlink(filepath.Join(n, "device", "driver"))
		name := filepath.Base(n)
		if err == nil {
			name = filepath.Base(drv)
		}
		names = append(names, name)
	}
	device := ""
	for _, n := range names {
		if isRealNPU(n) {
			device = n
			break
		}
	}
	if device == "" {
		return Failure("No real NPU hardware found (only CPU/GPU fallback available)")
	}
	if inFallbackMode(device) {
		return Failure("NPU is in fallback mode (using CPU/GPU instead of real NPU)")
	}
	res := Success(device)
	if !isKnownNPU(device) {
		res.Warnings = append(res.Warnings, "Unknown NPU hardware - may not be optimized")
	}
	return res
}

var npuMarkers = []string{"npu", "vpu", "apu", "neuron", "hexagon", "dsp", "xdna"}

var knownNPUDrivers = []string{"intel_vpu", "amdxdna", "habanalabs", "qaic", "rocket"}

func isRealNPU(name string) bool {
	n := strings.ToLower(name)
	for _, m := range []string{"cpu", "gpu", "reference"} {
		if strings.Contains(n, m) {
			return false
		}
	}
	if isKnownNPU(n) {
		return true
	}
	for _, m := range npuMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

func inFallbackMode(name string) bool {
	return strings.Contains(strings.ToLower(name), "fallback")
}

func isKnownNPU(name string) bool {
	for _, k := range knownNPUDrivers {
		if strings.EqualFold(name, k) {
			return true
		}
	}
	return false
}
