package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	publishSystemOnce sync.Once
	systemVars        = new(expvar.Map).Init()
)

// SystemCollector samples host CPU, memory and data directory disk usage and
// exposes them under the "system" expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a collector for the disk holding diskPath.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	publishSystemOnce.Do(func() { expvar.Publish("system", systemVars) })
	sc := &SystemCollector{
		cpuUsagePercent: new(expvar.Float),
		memUsagePercent: new(expvar.Float),
		diskUsage:       new(expvar.Float),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
	systemVars.Set("cpu_usage_percent", sc.cpuUsagePercent)
	systemVars.Set("mem_usage_percent", sc.memUsagePercent)
	systemVars.Set("disk_usage_percent", sc.diskUsage)
	return sc
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopChan) })
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()
	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// Zero interval compares against the previous call instead of sleeping.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sc.cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
}
