package docker

import (
	"context"
	"time"
)

// ContainerStats is one point-in-time resource sample for a running
// managed container.
type ContainerStats struct {
	BotID         string  `json:"bot_id"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	NetRxBytes    uint64  `json:"net_rx_bytes"`
	NetTxBytes    uint64  `json:"net_tx_bytes"`
}

// perContainerStatsTimeout bounds each sample so one wedged container
// cannot stall the whole sweep.
const perContainerStatsTimeout = 5 * time.Second

// Stats samples CPU, memory and cumulative network counters for every
// running managed container. Containers that disappear mid-sweep are
// skipped silently.
func (d *Driver) Stats(ctx context.Context) ([]ContainerStats, error) {
	managed, err := d.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]ContainerStats, 0, len(managed))
	for _, mc := range managed {
		if mc.State != "running" {
			continue
		}
		sampleCtx, cancel := context.WithTimeout(ctx, perContainerStatsTimeout)
		raw, err := d.api.ContainerStats(sampleCtx, mc.ID)
		cancel()
		if err != nil {
			if !cNotFound(err) {
				d.log.Warn("stats sample failed", "container", mc.Name, "error", err)
			}
			continue
		}

		s := ContainerStats{BotID: mc.BotID, Name: mc.Name}

		// CPU: delta of container usage over delta of system usage,
		// scaled by online CPUs.
		cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
		sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
		if cpuDelta > 0 && sysDelta > 0 {
			cpus := float64(raw.CPUStats.OnlineCPUs)
			if cpus == 0 {
				cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
			}
			if cpus == 0 {
				cpus = 1
			}
			s.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
		}

		s.MemoryBytes = raw.MemoryStats.Usage
		if raw.MemoryStats.Limit > 0 {
			s.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
		}

		for _, nw := range raw.Networks {
			s.NetRxBytes += nw.RxBytes
			s.NetTxBytes += nw.TxBytes
		}

		stats = append(stats, s)
	}
	return stats, nil
}
