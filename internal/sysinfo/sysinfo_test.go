package sysinfo

import (
	"context"
	"testing"

	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_ReportsMemoryAndDisk(t *testing.T) {
	s := New(t.TempDir()).Snapshot(context.Background())

	require.NotNil(t, s.RAMTotalMB)
	require.NotNil(t, s.RAMUsedMB)
	assert.Greater(t, *s.RAMTotalMB, uint64(0))
	assert.LessOrEqual(t, *s.RAMUsedMB, *s.RAMTotalMB)
	require.NotNil(t, s.DiskFreeMB)
	require.NotNil(t, s.DiskFreeGB)
}

func TestSnapshot_NoDiskPath(t *testing.T) {
	s := New("").Snapshot(context.Background())
	assert.Nil(t, s.DiskFreeMB)
}

func TestSocTemperature(t *testing.T) {
	temps := []sensors.TemperatureStat{
		{SensorKey: "nvme_composite", Temperature: 38},
		{SensorKey: "cpu_thermal", Temperature: 51.5},
	}
	got, ok := socTemperature(temps)
	require.True(t, ok)
	assert.Equal(t, 51.5, got)

	got, ok = socTemperature(temps[:1])
	require.True(t, ok)
	assert.Equal(t, 38.0, got)

	_, ok = socTemperature([]sensors.TemperatureStat{{SensorKey: "x", Temperature: 0}})
	assert.False(t, ok)
}
