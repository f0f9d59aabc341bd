package security

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdb/internal/shared/testutil"
)

var errUnavailable = errors.New("unavailable")

func stubFingerprinter(t *testing.T) *HardwareFingerprinter {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	f := NewHardwareFingerprinter(logger)
	f.cpuInfo = func(context.Context) ([]cpu.InfoStat, error) {
		return []cpu.InfoStat{{VendorID: "GenuineIntel", Family: "6", Model: "158", PhysicalID: "0", ModelName: "Core"}}, nil
	}
	f.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{HostID: "host-uuid"}, nil
	}
	f.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{
			{Device: "/dev/sdb1", Mountpoint: "/data"},
			{Device: "/dev/sda1", Mountpoint: systemMountpoint()},
		}, nil
	}
	f.hostname = func() (string, error) { return "box", nil }
	f.username = func() (string, error) { return "alice", nil }
	return f
}

func TestFingerprintCombinesProcessorAndVolume(t *testing.T) {
	f := stubFingerprinter(t)

	fp, err := f.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GenuineIntel61580Core"+"host-uuid/dev/sda1", fp)
}

func TestFingerprintIsStable(t *testing.T) {
	f := stubFingerprinter(t)

	a, err := f.Fingerprint(context.Background())
	require.NoError(t, err)
	b, err := f.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintPartialSources(t *testing.T) {
	t.Run("processor only", func(t *testing.T) {
		f := stubFingerprinter(t)
		f.hostInfo = func(context.Context) (*host.InfoStat, error) { return nil, errUnavailable }
		f.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) { return nil, errUnavailable }

		fp, err := f.Fingerprint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "GenuineIntel61580Core", fp)
	})

	t.Run("volume only", func(t *testing.T) {
		f := stubFingerprinter(t)
		f.cpuInfo = func(context.Context) ([]cpu.InfoStat, error) { return nil, nil }

		fp, err := f.Fingerprint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "host-uuid/dev/sda1", fp)
	})
}

func TestFingerprintFallsBackToHostAndUser(t *testing.T) {
	f := stubFingerprinter(t)
	f.cpuInfo = func(context.Context) ([]cpu.InfoStat, error) { return nil, errUnavailable }
	f.hostInfo = func(context.Context) (*host.InfoStat, error) { return nil, errUnavailable }
	f.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) { return nil, errUnavailable }

	fp, err := f.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "boxalice", fp)
}

func TestFingerprintFallbackFailure(t *testing.T) {
	f := stubFingerprinter(t)
	f.cpuInfo = func(context.Context) ([]cpu.InfoStat, error) { return nil, errUnavailable }
	f.hostInfo = func(context.Context) (*host.InfoStat, error) { return nil, errUnavailable }
	f.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) { return nil, errUnavailable }
	f.hostname = func() (string, error) { return "", errUnavailable }

	_, err := f.Fingerprint(context.Background())
	assert.ErrorIs(t, err, errUnavailable)
}

func TestLocalIPAddress(t *testing.T) {
	assert.NotEmpty(t, LocalIPAddress())
}
