package device

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"
)

// HostInfo is the subset of host facts the detector reports.
type HostInfo struct {
	Architecture string
	TotalRAM     uint64
	AvailableRAM uint64
}

// Report summarizes detected devices and host memory.
type Report struct {
	Devices []Device
	Host    HostInfo
}

// String implements fmt.Stringer.
func (r Report) String() string {
	names := make([]string, len(r.Devices))
	for i, d := range r.Devices {
		names[i] = d.String()
	}

	return fmt.Sprintf("devices=%s arch=%s ram=%s available=%s",
		strings.Join(names, ","),
		r.Host.Architecture,
		units.BytesSize(float64(r.Host.TotalRAM)),
		units.BytesSize(float64(r.Host.AvailableRAM)),
	)
}

// Detector probes the host for accelerators. It never reserves a device.
type Detector struct {
	exists  func(path string) bool
	vendors func() ([]string, error)
	host    func() (HostInfo, error)
}

// NewDetector returns a Detector probing device nodes and the PCI GPU list.
func NewDetector() *Detector {
	return &Detector{
		exists:  nodeExists,
		vendors: gpuVendors,
		host:    hostInfo,
	}
}

// Detect returns the available devices ordered by capability. CPU is always
// present and always last.
func (d *Detector) Detect() []Device {
	found := map[Device]bool{}

	for _, dev := range []Device{CUDA, ROCm} {
		if d.exists(dev.node()) {
			found[dev] = true
		}
	}

	vendors, err := d.vendors()
	if err != nil {
		slog.Debug("GPU enumeration failed, relying on device nodes", "error", err)
	}
	for _, v := range vendors {
		v = strings.ToLower(v)
		switch {
		case strings.Contains(v, "nvidia"):
			found[CUDA] = true
		case strings.Contains(v, "amd"), strings.Contains(v, "advanced micro devices"):
			found[ROCm] = true
		}
	}

	devices := make([]Device, 0, len(found)+1)
	for dev := range found {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Rank() > devices[j].Rank() })

	return append(devices, CPU)
}

// Report returns the detected devices together with host memory facts.
func (d *Detector) Report() Report {
	host, err := d.host()
	if err != nil {
		slog.Warn("Could not read host info", "error", err)
		host = HostInfo{Architecture: runtime.GOARCH}
	}

	return Report{Devices: d.Detect(), Host: host}
}

func nodeExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func gpuVendors() ([]string, error) {
	gpus, err := ghw.GPU()
	if err != nil {
		return nil, err
	}

	var vendors []string
	for _, card := range gpus.GraphicsCards {
		if card == nil || card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		vendors = append(vendors, card.DeviceInfo.Vendor.Name)
	}

	return vendors, nil
}

func hostInfo() (HostInfo, error) {
	h, err := sysinfo.Host()
	if err != nil {
		return HostInfo{}, err
	}

	info := HostInfo{Architecture: h.Info().Architecture}

	mem, err := h.Memory()
	if err != nil {
		return info, err
	}
	info.TotalRAM = mem.Total
	info.AvailableRAM = mem.Available

	return info, nil
}
