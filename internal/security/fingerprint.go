package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
)

// Fingerprinter yields a stable identity string for the current machine.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// HardwareFingerprinter builds the machine identity from the processor id
// and the system volume serial. When neither can be read it falls back to
// hostname and username. The result is never persisted.
type HardwareFingerprinter struct {
	logger *slog.Logger

	cpuInfo    func(context.Context) ([]cpu.InfoStat, error)
	hostInfo   func(context.Context) (*host.InfoStat, error)
	partitions func(context.Context, bool) ([]disk.PartitionStat, error)
	hostname   func() (string, error)
	username   func() (string, error)
}

// NewHardwareFingerprinter creates a fingerprinter backed by gopsutil
func NewHardwareFingerprinter(logger *slog.Logger) *HardwareFingerprinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HardwareFingerprinter{
		logger:     logger.With(slog.String("component", "fingerprint")),
		cpuInfo:    cpu.InfoWithContext,
		hostInfo:   host.InfoWithContext,
		partitions: disk.PartitionsWithContext,
		hostname:   os.Hostname,
		username:   currentUsername,
	}
}

// Fingerprint implements Fingerprinter
func (f *HardwareFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	var b strings.Builder

	if id, err := f.processorID(ctx); err != nil {
		f.logger.DebugContext(ctx, "processor id unavailable", slog.String("error", err.Error()))
	} else {
		b.WriteString(id)
	}

	if serial, err := f.volumeSerial(ctx); err != nil {
		f.logger.DebugContext(ctx, "volume serial unavailable", slog.String("error", err.Error()))
	} else {
		b.WriteString(serial)
	}

	if b.Len() > 0 {
		return b.String(), nil
	}

	hostname, err := f.hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	username, err := f.username()
	if err != nil {
		return "", fmt.Errorf("username: %w", err)
	}

	f.logger.WarnContext(ctx, "Using hostname fallback for machine fingerprint")
	return hostname + username, nil
}

// processorID mimics a CPUID-style identifier from the first processor.
func (f *HardwareFingerprinter) processorID(ctx context.Context) (string, error) {
	infos, err := f.cpuInfo(ctx)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no processors reported")
	}

	c := infos[0]
	id := strings.Join([]string{c.VendorID, c.Family, c.Model, c.PhysicalID, c.ModelName}, "")
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("processor reported no identifiers")
	}
	return id, nil
}

// volumeSerial combines the host id with the device backing the system volume.
func (f *HardwareFingerprinter) volumeSerial(ctx context.Context) (string, error) {
	var b strings.Builder

	if info, err := f.hostInfo(ctx); err == nil && info != nil {
		b.WriteString(info.HostID)
	}

	parts, err := f.partitions(ctx, false)
	if err == nil {
		root := systemMountpoint()
		for _, p := range parts {
			if strings.EqualFold(p.Mountpoint, root) {
				b.WriteString(p.Device)
				break
			}
		}
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("no volume identifiers")
	}
	return b.String(), nil
}

func systemMountpoint() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive
	}
	return "/"
}

func currentUsername() (string, error) {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username, nil
	}
	for _, env := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("current user unknown")
}

// LocalIPAddress returns the first non-loopback IPv4 address, the hostname
// when none exists, or "Unknown".
func LocalIPAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4.String()
				}
			}
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "Unknown"
}
