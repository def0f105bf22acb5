package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := New(reg)
	require.NoError(t, err)

	second, err := New(reg)
	require.NoError(t, err)

	assert.Same(t, first.Broadcasts, second.Broadcasts, "second collector should reuse registered vectors")
	assert.Same(t, first.Workers, second.Workers)
}

func TestPool_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	p := c.Pool("alpha")
	p.Broadcast(ModeSync)
	p.Broadcast(ModeSync)
	p.Broadcast(ModeSpawn)
	p.Fault(SourceSpawnBroadcast)
	p.JobExecuted()
	p.Steal()
	p.WorkerStarted()
	p.WorkerStarted()
	p.WorkerStopped()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Broadcasts.WithLabelValues("alpha", ModeSync)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Broadcasts.WithLabelValues("alpha", ModeSpawn)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Faults.WithLabelValues("alpha", SourceSpawnBroadcast)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.JobsExecuted.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steals.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Workers.WithLabelValues("alpha")))
}

func TestPool_NilIsNoop(t *testing.T) {
	var p *Pool

	assert.NotPanics(t, func() {
		p.Broadcast(ModeSync)
		p.Fault(SourceSpawn)
		p.JobExecuted()
		p.Steal()
		p.WorkerStarted()
		p.WorkerStopped()
	})
}
