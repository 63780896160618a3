// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"context"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// MemoryStatus mirrors the memory block of the status report.
type MemoryStatus struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
	Used      uint64  `json:"used"`
}

// DiskStatus mirrors the disk block of the status report.
type DiskStatus struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// NetworkStatus mirrors the network block of the status report.
type NetworkStatus struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemStatus is the host-level portion of /v1/status.
type SystemStatus struct {
	CPUPercent float64       `json:"cpu_percent"`
	Memory     MemoryStatus  `json:"memory"`
	Disk       DiskStatus    `json:"disk"`
	Network    NetworkStatus `json:"network"`
}

// readSystemStatus samples host metrics. Individual probe failures leave the
// corresponding block zeroed rather than failing the report.
func readSystemStatus(ctx context.Context) SystemStatus {
	var status SystemStatus

	if percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percents) > 0 {
		status.CPUPercent = math.Round(percents[0]*100) / 100
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.Memory = MemoryStatus{
			Total:     vm.Total,
			Available: vm.Available,
			Percent:   vm.UsedPercent,
			Used:      vm.Used,
		}
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		status.Disk = DiskStatus{
			Total:   du.Total,
			Used:    du.Used,
			Free:    du.Free,
			Percent: du.UsedPercent,
		}
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		status.Network = NetworkStatus{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}
	return status
}

// readUptime returns host uptime in seconds, 0 if unavailable.
func readUptime(ctx context.Context) uint64 {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return uptime
}
