package procman

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// gopsutilUsage is the default UsageSource: per-pid RSS/CPU sampling via
// gopsutil/v3/process, the ecosystem's standard OS-process query library
// (spec.md §4.6's includeUsage join, §4.7's memory guard).
type gopsutilUsage struct{}

func gopsProcessByPID(pid int) (*gopsprocess.Process, error) {
	return gopsprocess.NewProcess(int32(pid))
}

func (gopsutilUsage) Usage(pid int) (rssBytes uint64, cpuPercent float64, ok bool) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, false
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0, 0, false
	}
	cpu, _ := proc.CPUPercent()
	return mem.RSS, cpu, true
}
