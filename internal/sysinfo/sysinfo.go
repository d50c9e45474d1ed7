// Package sysinfo collects host facts reported in agent heartbeats and BOM metadata.
package sysinfo

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds the collected host facts.
type SystemInfo struct {
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	OSName          string  `json:"os_name"`
	Kernel          string  `json:"kernel"`
	Architecture    string  `json:"architecture"`
	Processor       string  `json:"processor"`
	CPUCores        int     `json:"cpu_cores"`
	MemoryGB        float64 `json:"memory_gb"`
	IPAddress       string  `json:"ip_address"`
	MACAddress      string  `json:"mac_address"`
	BootTime        string  `json:"boot_time,omitempty"`
	GoVersion       string  `json:"go_version"`
}

// Map returns the facts as a JSON-compatible map.
func (s *SystemInfo) Map() map[string]any {
	return map[string]any{
		"hostname":         s.Hostname,
		"platform":         s.Platform,
		"platform_version": s.PlatformVersion,
		"os_name":          s.OSName,
		"kernel":           s.Kernel,
		"architecture":     s.Architecture,
		"processor":        s.Processor,
		"cpu_cores":        s.CPUCores,
		"memory_gb":        s.MemoryGB,
		"ip_address":       s.IPAddress,
		"mac_address":      s.MACAddress,
		"boot_time":        s.BootTime,
		"go_version":       s.GoVersion,
	}
}

// Collect gathers local system information. Only a failure to determine
// the hostname is fatal; other probes leave their fields empty.
func Collect(ctx context.Context) (*SystemInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}

	info := &SystemInfo{
		Hostname:     hostname,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	hostInfo, err := host.InfoWithContext(ctx)
	if err == nil {
		info.Platform = hostInfo.Platform
		info.PlatformVersion = hostInfo.PlatformVersion
		info.Kernel = hostInfo.KernelVersion
		if hostInfo.BootTime > 0 {
			info.BootTime = time.Unix(int64(hostInfo.BootTime), 0).UTC().Format(time.RFC3339)
		}
	} else {
		info.Platform = runtime.GOOS
	}
	info.OSName = osName(info.Platform, info.PlatformVersion)

	// CPU model
	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err == nil && len(cpuInfo) > 0 {
		info.Processor = cpuInfo[0].ModelName
	}

	// Memory
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		info.MemoryGB = math.Round(float64(memInfo.Total)/(1024*1024*1024)*100) / 100
	}

	info.MACAddress, info.IPAddress, _ = PrimaryNetwork()
	return info, nil
}

// PrimaryNetwork returns the MAC and IP address of the first non-loopback
// interface that is up and has an address, preferring IPv4.
func PrimaryNetwork() (string, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		if ip := pickAddress(addrs); ip != "" {
			return iface.HardwareAddr.String(), ip, nil
		}
	}

	return "", "", nil
}

func pickAddress(addrs []net.Addr) string {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To16() != nil && !ipNet.IP.IsLinkLocalUnicast() {
			return ipNet.IP.String()
		}
	}
	return ""
}

// DefaultAgentID builds a stable agent id from the hostname and primary MAC address.
func DefaultAgentID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}
	mac, _, _ := PrimaryNetwork()
	if mac == "" {
		return hostname, nil
	}
	return hostname + "-" + strings.ReplaceAll(mac, ":", ""), nil
}

func osName(platform, version string) string {
	name := platform
	if version != "" {
		name += " " + version
	}
	if runtime.GOOS == "linux" {
		if prettyName := readOSReleasePrettyName(); prettyName != "" {
			name = prettyName
		}
	}
	return name
}

// readOSReleasePrettyName parses /etc/os-release for the PRETTY_NAME field.
func readOSReleasePrettyName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	return parsePrettyName(string(data))
}

func parsePrettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			val := strings.TrimPrefix(line, "PRETTY_NAME=")
			return strings.Trim(val, "\"")
		}
	}
	return ""
}
