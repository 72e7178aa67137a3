package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
)

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		HeartbeatTimeout: 50 * time.Millisecond,
		OfflineRetention: 100 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		DrainOnRejoin:    false,
	}
}

func TestRegister_AssignsGeneratedID(t *testing.T) {
	r := New(testConfig(), nil, nil)

	node, err := r.Register("", "10.0.0.1:9000", Capacity{MaxContainers: 4, MaxMatches: 16}, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, StatusHealthy, node.Status)
}

func TestRegister_RefreshesExisting(t *testing.T) {
	r := New(testConfig(), nil, nil)

	first, err := r.Register("node-a", "addr-1", Capacity{MaxContainers: 2}, nil)
	require.NoError(t, err)

	second, err := r.Register("node-a", "addr-2", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "addr-2", second.Address)
	assert.Equal(t, 4, second.Capacity.MaxContainers)
}

func TestHeartbeat_UpdatesMetrics(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	err = r.Heartbeat("node-a", NodeMetrics{ContainerCount: 2, CPUUsagePct: 50})
	require.NoError(t, err)

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, node.Metrics.ContainerCount)
}

func TestHeartbeat_UnknownNode(t *testing.T) {
	r := New(testConfig(), nil, nil)
	err := r.Heartbeat("missing", NodeMetrics{})
	assert.Error(t, err)
}

func TestDrain_ExcludesFromHealthy(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Drain("node-a"))

	assert.Empty(t, r.HealthyNodes())
	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, StatusDraining, node.Status)
}

func TestDeregister_HardRemoval(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Deregister("node-a"))

	_, err = r.Get("node-a")
	assert.Error(t, err)
}

func TestSweep_EvictsAfterHeartbeatTimeout(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	r.Sweep()

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, node.Status)
}

func TestSweep_RemovesAfterOfflineRetention(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	r.Sweep()

	time.Sleep(110 * time.Millisecond)
	r.Sweep()

	_, err = r.Get("node-a")
	assert.Error(t, err)
}

func TestHeartbeat_RejoinRestoresHealthyByDefault(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	r.Sweep()

	require.NoError(t, r.Heartbeat("node-a", NodeMetrics{}))

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, node.Status)
}

func TestHeartbeat_RejoinDrainsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.DrainOnRejoin = true
	r := New(cfg, nil, nil)
	_, err := r.Register("node-a", "addr", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	r.Sweep()

	require.NoError(t, r.Heartbeat("node-a", NodeMetrics{}))

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, StatusDraining, node.Status)
}

func TestAggregateSaturation_CountsOnlyHealthy(t *testing.T) {
	r := New(testConfig(), nil, nil)
	_, err := r.Register("node-a", "addr-a", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("node-a", NodeMetrics{ContainerCount: 3}))

	_, err = r.Register("node-b", "addr-b", Capacity{MaxContainers: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Drain("node-b"))

	healthy, containerCount, maxContainers := r.AggregateSaturation()
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 3, containerCount)
	assert.Equal(t, 4, maxContainers)
}
