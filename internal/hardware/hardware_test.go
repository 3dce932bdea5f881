package hardware

import (
	"os"
	"path/filepath"
	"testing"
)

func mkfile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func accel(t *testing.T, root, node, driver string) {
	t.Helper()
	drv := filepath.Join(root, "sys/bus/pci/drivers", driver)
	if err := os.MkdirAll(drv, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dev := filepath.Join(root, "sys/class/accel", node, "device")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(drv, filepath.Join(dev, "driver")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
}

func TestHostGPU(t *testing.T) {
	root := t.TempDir()
	h := &Host{Root: root}
	if r := h.ValidateGPU("model.onnx"); r.Available {
		t.Fatalf("expected unavailable without device nodes")
	}
	mkfile(t, root, "dev/dri/renderD128", "")
	r := h.ValidateGPU("model.onnx")
	if !r.Available || r.DeviceInfo != "renderD128" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r := h.ValidateGPU("esrgan_int8.onnx"); r.Available {
		t.Fatalf("int8 model should be rejected on GPU")
	}
}

func TestHostEmulatorDisablesGPU(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "dev/nvidia0", "")
	mkfile(t, root, "sys/class/dmi/id/product_name", "Standard PC (Q35 + ICH9, 2009) QEMU\n")
	h := &Host{Root: root}
	if !h.IsEmulator() {
		t.Fatalf("expected emulator")
	}
	if r := h.ValidateGPU(""); r.Available || r.FailureReason != "GPU not available on emulator" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestHostNPU(t *testing.T) {
	root := t.TempDir()
	h := &Host{Root: root}
	if r := h.ValidateNPU(); r.Available {
		t.Fatalf("expected no NPU")
	}
	accel(t, root, "accel0", "intel_vpu")
	r := h.ValidateNPU()
	if !r.Available || r.DeviceInfo != "intel_vpu" || len(r.Warnings) != 0 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestHostNPUUnknownDriverWarns(t *testing.T) {
	root := t.TempDir()
	accel(t, root, "accel0", "vendor_npu")
	r := (&Host{Root: root}).ValidateNPU()
	if !r.Available || len(r.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestHostNPURejectsFallbackDevices(t *testing.T) {
	root := t.TempDir()
	accel(t, root, "accel0", "npu_cpu_reference")
	if r := (&Host{Root: root}).ValidateNPU(); r.Available {
		t.Fatalf("reference device must not count as NPU: %+v", r)
	}
	root = t.TempDir()
	accel(t, root, "accel0", "npu_fallback")
	r := (&Host{Root: root}).ValidateNPU()
	if r.Available || r.FailureReason == "" {
		t.Fatalf("fallback device must fail: %+v", r)
	}
}

func TestStatic(t *testing.T) {
	var v Validator = Static{GPU: Success("fake"), NPU: Failure("none")}
	if !v.ValidateGPU("").Available || v.ValidateNPU().Available || v.IsEmulator() {
		t.Fatalf("static validator returned wrong values")
	}
}
