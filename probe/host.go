package probe

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot captures local machine health alongside a probe round.
type HostSnapshot struct {
	Hostname       string
	OS             string
	Platform       string
	Uptime         uint64
	CPUPercent     float64
	MemUsedPercent float64
	Load1          float64
	Load5          float64
	Load15         float64
	TakenAt        time.Time
}

func TakeHostSnapshot() (HostSnapshot, error) {

	info, err := host.Info()
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get host info: %v", err)
	}

	usage, err := cpu.Percent(0, false)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get CPU usage: %v", err)
	}

	var cpuPercent float64
	if len(usage) > 0 {
		cpuPercent = usage[0]
	}

	v, err := mem.VirtualMemory()
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get memory info: %v", err)
	}

	avg, err := load.Avg()
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get system load: %v", err)
	}

	return HostSnapshot{
		Hostname:       info.Hostname,
		OS:             info.OS,
		Platform:       info.Platform,
		Uptime:         info.Uptime,
		CPUPercent:     cpuPercent,
		MemUsedPercent: v.UsedPercent,
		Load1:          avg.Load1,
		Load5:          avg.Load5,
		Load15:         avg.Load15,
		TakenAt:        time.Now(),
	}, nil
}
