package engine

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// Device selects how kernels are executed.
type Device int

const (
	// DeviceCPU runs every batch on a single goroutine.
	DeviceCPU Device = iota
	// DeviceAccelerated spreads batch samples over all cores using the
	// vector units of the host.
	DeviceAccelerated
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceAccelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// Workers returns the goroutine count used for a batch on this device.
func (d Device) Workers() int {
	if d == DeviceAccelerated {
		return runtime.NumCPU()
	}
	return 1
}

// DeviceInfo describes the host as probed at startup.
type DeviceInfo struct {
	Brand       string
	Cores       int
	Features    []string
	Accelerated bool
}

func (di DeviceInfo) String() string {
	return fmt.Sprintf("%s (%d cores, features: %s)", di.Brand, di.Cores, strings.Join(di.Features, ","))
}

// ProbeDevice inspects the host CPU.
func ProbeDevice() DeviceInfo {
	info := DeviceInfo{
		Brand: cpuid.CPU.BrandName,
		Cores: runtime.NumCPU(),
	}
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			info.Features = append(info.Features, f.String())
		}
	}
	vector := cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) || cpuid.CPU.Supports(cpuid.ASIMD)
	info.Accelerated = vector && info.Cores > 1
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	return info
}

// DetectDevice resolves the requested execution mode against the host.
// Requesting acceleration on a host without it is an error; leaving it
// off on a capable host only logs a warning.
func DetectDevice(requestAccelerated bool) (Device, DeviceInfo, error) {
	info := ProbeDevice()
	dev, err := selectDevice(requestAccelerated, info)
	return dev, info, err
}

func selectDevice(requestAccelerated bool, info DeviceInfo) (Device, error) {
	if requestAccelerated {
		if !info.Accelerated {
			return DeviceCPU, fmt.Errorf("accelerated execution requested but unavailable on %s", info)
		}
		return DeviceAccelerated, nil
	}
	if info.Accelerated {
		klog.Warningf("host supports accelerated execution (%s); consider running with -accelerated", info)
	}
	return DeviceCPU, nil
}
