package channel

import (
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"tvboxd/internal/models"
)

// StatsCollector fills system fields on an outgoing heartbeat.
type StatsCollector func(*models.Heartbeat)

// systemStats collects uptime, load average, and memory pressure. Each probe
// is best-effort; a failed probe leaves its field zero rather than blocking
// the heartbeat.
func systemStats(hb *models.Heartbeat) {
	if uptime, err := host.Uptime(); err == nil {
		hb.UptimeSeconds = uptime
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		hb.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		hb.MemUsedPct = vm.UsedPercent
	}
}
