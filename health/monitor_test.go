package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("registry", "5 devices known")

	status, ok := m.Get("registry")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "registry", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMonitorAggregateHealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("registry", "ok")
	m.UpdateHealthy("pipeline", "ok")

	agg := m.AggregateHealth("fieldgate")
	assert.True(t, agg.IsHealthy())
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitorAggregateDegradedAndUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("registry", "ok")
	m.UpdateDegraded("pipeline", "sink redelivery in progress")

	agg := m.AggregateHealth("fieldgate")
	assert.True(t, agg.IsDegraded())

	// Unhealthy trumps degraded
	m.UpdateUnhealthy("dispatcher", "sink down")
	agg = m.AggregateHealth("fieldgate")
	assert.True(t, agg.IsUnhealthy())
	assert.Contains(t, agg.Message, "dispatcher")
}

func TestMonitorRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("pipeline", "down")

	m.Remove("pipeline")
	agg := m.AggregateHealth("fieldgate")
	assert.True(t, agg.IsHealthy(), "removing the only unhealthy component restores aggregate health")
}
