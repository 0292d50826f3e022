package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameCaptured("cam1")
		m.Anomaly("cam1", "persisted")
		m.GalleryLoaded(3)
	})
}

func TestCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.FrameCaptured("cam1")
	m.FrameCaptured("cam1")
	m.FrameDropped("cam1", "frames")
	m.GalleryLoaded(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesCaptured.WithLabelValues("cam1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("cam1", "frames")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GalleryIdentities))
}

func TestDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
