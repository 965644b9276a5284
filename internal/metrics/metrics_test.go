package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsDropped.Inc()
	m.FramesDropped.WithLabelValues("client", ReasonSize).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("client", ReasonSize)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second set on its own registry must not collide.
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestUnregistered(t *testing.T) {
	m := New(nil)
	m.Links.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Links))
}
