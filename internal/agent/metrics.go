package agent

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics reports host cpu and memory utilisation in percent.
type HostMetrics func() (cpuPercent, memPercent float64)

// SystemMetrics samples the host with gopsutil. CPU is measured since the
// previous call, so the first sample is 0.
func SystemMetrics() (float64, float64) {
	var cpuPct, memPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
