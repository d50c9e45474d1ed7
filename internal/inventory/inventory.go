// Package inventory builds the host bill of materials sent in bom_data messages.
package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"bomagent/internal/protocol"
	"bomagent/internal/sysinfo"
)

// Component types.
const (
	TypeOperatingSystem = "operating-system"
	TypeFirmware        = "firmware"
	TypeDevice          = "device"
	TypeApplication     = "application"
)

// Component is one entry of the bill of materials.
type Component struct {
	Name     string
	Version  string
	Type     string
	Metadata map[string]any
}

// PURL returns the package URL for the component.
func (c Component) PURL() string {
	version := c.Version
	if version == "" {
		version = "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(c.Name), " ", "-")
	return fmt.Sprintf("pkg:generic/%s@%s", name, version)
}

func (c Component) toMap() map[string]any {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"name":     c.Name,
		"version":  c.Version,
		"type":     c.Type,
		"purl":     c.PURL(),
		"metadata": metadata,
	}
}

// Collector gathers host inventory for a single agent identity.
type Collector struct {
	agentID      string
	agentVersion string
	log          zerolog.Logger
}

// New returns a Collector. An empty agentID is replaced by the host's
// default identity.
func New(agentID, agentVersion string, log zerolog.Logger) (*Collector, error) {
	if agentID == "" {
		id, err := sysinfo.DefaultAgentID()
		if err != nil {
			return nil, fmt.Errorf("deriving agent id: %w", err)
		}
		agentID = id
	}
	return &Collector{
		agentID:      agentID,
		agentVersion: agentVersion,
		log:          log.With().Str("component", "inventory").Logger(),
	}, nil
}

// AgentID returns the identity stamped on every message from this host.
func (c *Collector) AgentID() string {
	return c.agentID
}

// SystemInfo returns the host facts reported in heartbeats.
func (c *Collector) SystemInfo(ctx context.Context) (map[string]any, error) {
	info, err := sysinfo.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return info.Map(), nil
}

// CollectBOM performs one inventory scan. A deep scan additionally records
// partition usage and running executables.
func (c *Collector) CollectBOM(ctx context.Context, deep bool) (map[string]any, error) {
	start := time.Now()

	info, err := sysinfo.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting system info: %w", err)
	}

	var components []Component
	components = append(components, osComponents(ctx, info)...)
	components = append(components, hardwareComponents(ctx, info)...)

	storage, err := storageComponents(ctx, deep)
	if err != nil {
		c.log.Warn().Err(err).Msg("Storage inventory incomplete")
	}
	components = append(components, storage...)

	ifaces, err := networkComponents(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Network inventory incomplete")
	}
	components = append(components, ifaces...)

	if deep {
		apps, err := executableComponents(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("Process inventory incomplete")
		}
		components = append(components, apps...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list := make([]any, 0, len(components))
	for _, comp := range components {
		list = append(list, comp.toMap())
	}

	c.log.Debug().
		Int("components", len(list)).
		Bool("deep_scan", deep).
		Dur("elapsed", time.Since(start)).
		Msg("Inventory collected")

	return map[string]any{
		"scan_id":    uuid.NewString(),
		"components": list,
		"metadata": map[string]any{
			"scan_timestamp": protocol.FormatTimestamp(time.Now()),
			"agent_id":       c.agentID,
			"agent_version":  c.agentVersion,
			"deep_scan":      deep,
			"hostname":       info.Hostname,
			"platform":       info.Platform,
		},
	}, nil
}

func osComponents(ctx context.Context, info *sysinfo.SystemInfo) []Component {
	comps := []Component{{
		Name:    info.Platform,
		Version: info.PlatformVersion,
		Type:    TypeOperatingSystem,
		Metadata: map[string]any{
			"os_name":      info.OSName,
			"architecture": info.Architecture,
		},
	}}

	kernel := Component{
		Name:     "kernel",
		Version:  info.Kernel,
		Type:     TypeFirmware,
		Metadata: map[string]any{},
	}
	if arch, err := host.KernelArch(); err == nil {
		kernel.Metadata["arch"] = arch
	}
	if virt, role, err := host.VirtualizationWithContext(ctx); err == nil && virt != "" {
		kernel.Metadata["virtualization"] = virt
		kernel.Metadata["virtualization_role"] = role
	}
	return append(comps, kernel)
}

func hardwareComponents(ctx context.Context, info *sysinfo.SystemInfo) []Component {
	cpuComp := Component{
		Name: "cpu",
		Type: TypeDevice,
		Metadata: map[string]any{
			"model":         info.Processor,
			"logical_cores": info.CPUCores,
		},
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		cpuComp.Version = infos[0].Microcode
		cpuComp.Metadata["vendor"] = infos[0].VendorID
		cpuComp.Metadata["family"] = infos[0].Family
		cpuComp.Metadata["mhz"] = infos[0].Mhz
	}
	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		cpuComp.Metadata["physical_cores"] = physical
	}

	memComp := Component{
		Name: "memory",
		Type: TypeDevice,
		Metadata: map[string]any{
			"total_gb": info.MemoryGB,
		},
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		memComp.Metadata["swap_bytes"] = swap.Total
	}

	return []Component{cpuComp, memComp}
}

func storageComponents(ctx context.Context, deep bool) ([]Component, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	comps := make([]Component, 0, len(partitions))
	for _, p := range partitions {
		meta := map[string]any{
			"device":     p.Device,
			"mountpoint": p.Mountpoint,
			"fstype":     p.Fstype,
		}
		if deep {
			if usage, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
				meta["total_bytes"] = usage.Total
				meta["used_bytes"] = usage.Used
				meta["used_percent"] = usage.UsedPercent
			}
		}
		comps = append(comps, Component{
			Name:     "partition " + p.Mountpoint,
			Version:  p.Fstype,
			Type:     TypeDevice,
			Metadata: meta,
		})
	}
	return comps, nil
}

func networkComponents(ctx context.Context) ([]Component, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var comps []Component
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" {
			continue
		}
		addrs := make([]any, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
		flags := make([]any, 0, len(iface.Flags))
		for _, f := range iface.Flags {
			flags = append(flags, f)
		}
		comps = append(comps, Component{
			Name: "interface " + iface.Name,
			Type: TypeDevice,
			Metadata: map[string]any{
				"mac_address": iface.HardwareAddr,
				"mtu":         iface.MTU,
				"addresses":   addrs,
				"flags":       flags,
			},
		})
	}
	return comps, nil
}

// executableComponents lists each distinct executable behind a running process.
func executableComponents(ctx context.Context) ([]Component, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	pids := make(map[string][]any)
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue
		}
		pids[exe] = append(pids[exe], p.Pid)
	}

	paths := make([]string, 0, len(pids))
	for exe := range pids {
		paths = append(paths, exe)
	}
	sort.Strings(paths)

	comps := make([]Component, 0, len(paths))
	for _, exe := range paths {
		comps = append(comps, Component{
			Name: filepath.Base(exe),
			Type: TypeApplication,
			Metadata: map[string]any{
				"path": exe,
				"pids": pids[exe],
			},
		})
	}
	return comps, nil
}
