package services_test

import (
	"context"
	"errors"
	"testing"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSample(diskUsed, memUsed int64) func(context.Context, string) (services.HostSample, error) {
	return func(_ context.Context, _ string) (services.HostSample, error) {
		return services.HostSample{
			CapturedAt:        fixedNow,
			SystemMemoryTotal: 100,
			SystemMemoryUsed:  memUsed,
			DiskTotalBytes:    100,
			DiskUsedBytes:     diskUsed,
		}, nil
	}
}

func TestHealthProbeRaisesDedupedPressureAlerts(t *testing.T) {
	ctx := context.Background()
	rec, _ := newRecorder(nil)
	probe := &services.HealthProbe{
		DiskPath:        "storage",
		DiskThreshold:   90,
		MemoryThreshold: 90,
		Alerts:          rec,
		Sample:          stubSample(95, 40),
	}
	assert.Nil(t, probe.Latest())

	sample, err := probe.Check(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, sample.DiskUsedPct(), 0.001)
	_, err = probe.Check(ctx)
	require.NoError(t, err)

	alerts, err := rec.List(ctx, models.AlertOpen, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "disk_pressure", alerts[0].EventType)
	assert.Equal(t, "host:disk-pressure", alerts[0].DedupeKey)

	probe.Sample = stubSample(10, 92)
	_, err = probe.Check(ctx)
	require.NoError(t, err)
	alerts, err = rec.List(ctx, models.AlertOpen, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	latest := probe.Latest()
	require.NotNil(t, latest)
	assert.EqualValues(t, 92, latest.SystemMemoryUsed)
}

func TestHealthProbeSampleError(t *testing.T) {
	probe := &services.HealthProbe{Sample: func(context.Context, string) (services.HostSample, error) {
		return services.HostSample{}, errors.New("no procfs")
	}}
	_, err := probe.Check(context.Background())
	assert.Error(t, err)
	assert.Nil(t, probe.Latest())
}

func TestHealthProbeReport(t *testing.T) {
	ctx := context.Background()
	probe := &services.HealthProbe{}
	assert.Equal(t, "ok", probe.Report(ctx).Database)

	probe.Ping = func(context.Context) error { return errors.New("connection refused") }
	report := probe.Report(ctx)
	assert.Equal(t, "unavailable", report.Database)
	assert.Nil(t, report.Host)

	assert.Zero(t, services.HostSample{}.MemoryUsedPct())
	assert.Zero(t, services.HostSample{}.DiskUsedPct())
}

func TestNewSchedulerRegistersJobs(t *testing.T) {
	f := newFixture(t)
	probe := &services.HealthProbe{Sample: stubSample(0, 0)}

	c, err := services.NewScheduler(f.cascade, probe, services.JobConfig{RepairSpec: "@every 10m", HealthSpec: "@every 1m"})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	c, err = services.NewScheduler(nil, probe, services.JobConfig{RepairSpec: "@every 10m", HealthSpec: "@every 1m"})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = services.NewScheduler(f.cascade, nil, services.JobConfig{RepairSpec: "not a spec"})
	assert.Error(t, err)
}
