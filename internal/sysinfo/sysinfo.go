// Package sysinfo reports OS-level statistics for gdb backends and the host
// they run on. Process statistics come from gopsutil and are cached briefly
// so a dashboard polled by many clients does not rescan /proc each time.
package sysinfo

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	ps "github.com/shirou/gopsutil/v4/process"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// ProcessStats describes one backend process.
type ProcessStats struct {
	Pid        int     `json:"pid"`
	Running    bool    `json:"running"`
	Status     string  `json:"status,omitempty"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	NumThreads int32   `json:"numThreads"`
	CreatedAt  string  `json:"createdAt,omitempty"` // RFC 3339
}

// HostInfo is a lightweight view of the host and this server process.
type HostInfo struct {
	LoadAvg1      float64 `json:"loadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	NumCPU        int     `json:"numCpu"`
	Version       string  `json:"version"`
	BuildDate     string  `json:"buildDate"`
	GoRuntime     string  `json:"goRuntime"`
	Goroutines    int     `json:"goroutines"`
	HeapBytes     uint64  `json:"heapBytes"`
}

// CollectorConfig holds configurable settings for the Collector.
type CollectorConfig struct {
	CacheTTL time.Duration // How long to cache per-pid results (default: 2s)
}

type cachedStats struct {
	stats ProcessStats
	at    time.Time
}

// Collector gathers process and host information.
type Collector struct {
	config CollectorConfig

	cacheMu sync.Mutex
	cache   map[int]cachedStats

	// lookup reads the stats of one pid, injectable for testing.
	lookup func(pid int) (ProcessStats, error)
	// host reads host metrics, injectable for testing.
	host func() (HostInfo, error)
}

// envDuration reads a duration from an environment variable, returning the default if unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// NewCollector creates a new collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = envDuration("SYSINFO_CACHE_TTL", 2*time.Second)
	}
	return &Collector{
		config: cfg,
		cache:  make(map[int]cachedStats),
		lookup: lookupProcess,
		host:   collectHost,
	}
}

// Process returns statistics for pid. A pid that is not running yields
// Running=false rather than an error.
func (c *Collector) Process(pid int) ProcessStats {
	if pid <= 0 {
		return ProcessStats{Pid: pid}
	}

	c.cacheMu.Lock()
	if e, ok := c.cache[pid]; ok && time.Since(e.at) < c.config.CacheTTL {
		c.cacheMu.Unlock()
		return e.stats
	}
	c.cacheMu.Unlock()

	stats, err := c.lookup(pid)
	if err != nil {
		stats = ProcessStats{Pid: pid}
	}

	c.cacheMu.Lock()
	c.cache[pid] = cachedStats{stats: stats, at: time.Now()}
	c.pruneLocked()
	c.cacheMu.Unlock()

	return stats
}

// pruneLocked drops expired entries so pids of removed backends do not pile up.
func (c *Collector) pruneLocked() {
	for pid, e := range c.cache {
		if time.Since(e.at) >= c.config.CacheTTL {
			delete(c.cache, pid)
		}
	}
}

// Host returns host load and memory plus this process's runtime figures.
func (c *Collector) Host() (HostInfo, error) {
	info, err := c.host()
	if err != nil {
		return HostInfo{}, err
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	info.NumCPU = runtime.NumCPU()
	info.Version = Version
	info.BuildDate = BuildDate
	info.GoRuntime = runtime.Version()
	info.Goroutines = runtime.NumGoroutine()
	info.HeapBytes = memStats.HeapAlloc
	return info, nil
}

func collectHost() (HostInfo, error) {
	avg, err := load.Avg()
	if err != nil {
		return HostInfo{}, fmt.Errorf("load average: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostInfo{}, fmt.Errorf("memory: %w", err)
	}
	return HostInfo{
		LoadAvg1:      roundTo(avg.Load1, 2),
		MemoryPercent: roundTo(vm.UsedPercent, 1),
	}, nil
}

func lookupProcess(pid int) (ProcessStats, error) {
	proc, err := ps.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return ProcessStats{Pid: pid}, nil
		}
		return ProcessStats{}, fmt.Errorf("find process %d: %w", pid, err)
	}

	stats := ProcessStats{Pid: pid, Running: true}
	if status, err := proc.Status(); err == nil {
		stats.Status = strings.Join(status, ",")
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		stats.RSSBytes = memInfo.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = roundTo(pct, 1)
	}
	if n, err := proc.NumThreads(); err == nil {
		stats.NumThreads = n
	}
	if ms, err := proc.CreateTime(); err == nil {
		stats.CreatedAt = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return stats, nil
}

// roundTo rounds a float64 to n decimal places.
func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
