package conductor

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSnapshot is one point-in-time CPU/RAM utilization reading,
// ported from original_source/autocapture/runtime/resources.py's
// ResourceSnapshot.
type ResourceSnapshot struct {
	CPUUtilization float64
	RAMUtilization float64
	Valid          bool
}

// ResourceSampler produces a ResourceSnapshot. GopsutilSampler is the
// default; tests substitute a fixed-value stub.
type ResourceSampler interface {
	Sample() ResourceSnapshot
}

// GopsutilSampler samples system-wide CPU and RAM utilization via
// github.com/shirou/gopsutil/v3, the same dependency
// internal/capture/pressure already uses for disk usage.
type GopsutilSampler struct{}

func (GopsutilSampler) Sample() ResourceSnapshot {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return ResourceSnapshot{}
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ResourceSnapshot{}
	}
	return ResourceSnapshot{
		CPUUtilization: clampFraction(percents[0] / 100.0),
		RAMUtilization: clampFraction(vm.UsedPercent / 100.0),
		Valid:          true,
	}
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
