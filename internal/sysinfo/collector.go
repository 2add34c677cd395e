// Package sysinfo samples host health for heartbeat payloads. Every probe
// is best-effort: a failing probe degrades to its zero value instead of
// failing the heartbeat.
package sysinfo

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
)

// Probe seams, swapped in tests.
var (
	cpuPercent    = cpu.PercentWithContext
	virtualMemory = mem.VirtualMemoryWithContext
	diskUsage     = disk.UsageWithContext
	loadAvg       = load.AvgWithContext
	hostInfo      = host.InfoWithContext
	connections   = gnet.ConnectionsWithContext
	unitState     = systemctlIsActive
)

// wellKnownPorts maps listening ports to service names for discovery.
var wellKnownPorts = map[uint32]string{
	80:    "http",
	443:   "https",
	3306:  "mysql",
	5432:  "postgres",
	6379:  "redis",
	8080:  "http",
	9090:  "prometheus",
	27017: "mongodb",
}

// Snapshot is one round of host health samples.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	LoadAvg       []float64
	UptimeSeconds uint64
	Hostname      string
	OSInfo        string
	Services      map[string]string
	Discovered    []string
}

// Collector gathers snapshots for the heartbeat loop.
type Collector struct {
	diskPath string
	units    []string
	log      zerolog.Logger
}

// NewCollector returns a collector that reports disk usage for diskPath
// and systemd state for the given units.
func NewCollector(diskPath string, units []string, log zerolog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		diskPath: diskPath,
		units:    units,
		log:      log.With().Str("component", "sysinfo").Logger(),
	}
}

// Collect samples the host. It never returns an error; failed probes are
// logged at debug and leave their fields zero.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if vals, err := cpuPercent(ctx, 0, false); err == nil && len(vals) > 0 {
		snap.CPUPercent = clampPercent(vals[0])
	} else if err != nil {
		c.log.Debug().Err(err).Msg("cpu probe failed")
	}

	if vm, err := virtualMemory(ctx); err == nil {
		snap.MemoryPercent = clampPercent(vm.UsedPercent)
	} else {
		c.log.Debug().Err(err).Msg("memory probe failed")
	}

	if du, err := diskUsage(ctx, c.diskPath); err == nil {
		snap.DiskPercent = clampPercent(du.UsedPercent)
	} else {
		c.log.Debug().Err(err).Str("path", c.diskPath).Msg("disk probe failed")
	}

	if avg, err := loadAvg(ctx); err == nil {
		snap.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else {
		c.log.Debug().Err(err).Msg("load probe failed")
	}

	if info, err := hostInfo(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.UptimeSeconds = info.Uptime
		snap.OSInfo = strings.TrimSpace(fmt.Sprintf("%s %s %s", info.OS, info.Platform, info.PlatformVersion))
	} else {
		c.log.Debug().Err(err).Msg("host probe failed")
	}

	snap.Services = c.collectUnits(ctx)
	snap.Discovered = c.discoverListeners(ctx)
	return snap
}

// collectUnits queries systemd for each configured unit. Hosts without
// systemctl report every unit as unknown.
func (c *Collector) collectUnits(ctx context.Context) map[string]string {
	if len(c.units) == 0 {
		return nil
	}
	states := make(map[string]string, len(c.units))
	for _, unit := range c.units {
		state, err := unitState(ctx, unit)
		if err != nil {
			c.log.Debug().Err(err).Str("unit", unit).Msg("unit probe failed")
			state = "unknown"
		}
		states[unit] = state
	}
	return states
}

// discoverListeners maps listening TCP ports to well-known service names.
func (c *Collector) discoverListeners(ctx context.Context) []string {
	conns, err := connections(ctx, "tcp")
	if err != nil {
		c.log.Debug().Err(err).Msg("connection scan failed")
		return nil
	}
	seen := make(map[string]bool)
	for _, conn := range conns {
		if conn.Status != "LISTEN" {
			continue
		}
		if name, ok := wellKnownPorts[conn.Laddr.Port]; ok {
			seen[name] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func systemctlIsActive(ctx context.Context, unit string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	state := strings.TrimSpace(string(out))
	if state == "" {
		if err != nil {
			return "", err
		}
		return "unknown", nil
	}
	// systemctl exits non-zero for inactive/failed units but still
	// prints the state, which is what we want.
	return state, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
