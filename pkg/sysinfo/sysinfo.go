// Package sysinfo inspects the local host so the daemon can register
// itself as an execution node.
package sysinfo

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/batchd/pkg/models"
)

// DetectNode builds a node registration from the local hardware
func DetectNode(slots int) (*models.NodeRegistration, error) {
	reg := &models.NodeRegistration{
		Slots:  slots,
		Labels: map[string]string{"os": runtime.GOOS, "arch": runtime.GOARCH},
	}
	if reg.Slots <= 0 {
		reg.Slots = 1
	}

	info, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}
	reg.Name = info.Hostname
	reg.Labels["platform"] = info.Platform

	reg.CPUThreads = runtime.NumCPU()
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		reg.CPUModel = cpus[0].ModelName
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}
	reg.RAMTotalBytes = vm.Total

	return reg, nil
}

// LoadPercent returns the 1-minute load average scaled to the CPU count
// as a percentage
func LoadPercent() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	cpus := runtime.NumCPU()
	if cpus == 0 {
		return 0
	}
	return avg.Load1 / float64(cpus) * 100
}

// FreeRAMBytes returns currently available memory
func FreeRAMBytes() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}
