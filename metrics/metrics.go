// Package metrics содержит Prometheus-метрики монитора. Все методы
// безопасно вызывать на nil, тогда метрики просто не пишутся.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "monitor"

type Metrics struct {
	FramesCaptured    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	FrameReadErrors   *prometheus.CounterVec
	FramesProcessed   *prometheus.CounterVec
	Recognitions      *prometheus.CounterVec
	Anomalies         *prometheus.CounterVec
	Events            *prometheus.CounterVec
	GalleryIdentities prometheus.Gauge
	GalleryReloads    *prometheus.CounterVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames read from camera sources.",
		}, []string{"camera_id"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a queue was full.",
		}, []string{"camera_id", "queue"}),
		FrameReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_read_errors_total",
			Help:      "Failed frame reads or decodes.",
		}, []string{"camera_id"}),
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames that went through detection and tracking.",
		}, []string{"camera_id"}),
		Recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognitions_total",
			Help:      "Recognition results by outcome.",
		}, []string{"camera_id", "outcome"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly triggers by outcome.",
		}, []string{"camera_id", "outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Dispatched events by type and status.",
		}, []string{"type", "status"}),
		GalleryIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gallery_identities",
			Help:      "Identities in the active gallery.",
		}),
		GalleryReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gallery_reloads_total",
			Help:      "Gallery reload attempts by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.FramesCaptured, m.FramesDropped, m.FrameReadErrors,
		m.FramesProcessed, m.Recognitions, m.Anomalies, m.Events,
		m.GalleryIdentities, m.GalleryReloads,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) FrameCaptured(cameraID string) {
	if m == nil {
		return
	}
	m.FramesCaptured.WithLabelValues(cameraID).Inc()
}

// FrameDropped: queue - "frames" или "recognition".
func (m *Metrics) FrameDropped(cameraID, queue string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(cameraID, queue).Inc()
}

func (m *Metrics) FrameReadError(cameraID string) {
	if m == nil {
		return
	}
	m.FrameReadErrors.WithLabelValues(cameraID).Inc()
}

func (m *Metrics) FrameProcessed(cameraID string) {
	if m == nil {
		return
	}
	m.FramesProcessed.WithLabelValues(cameraID).Inc()
}

// Recognition: outcome - "authorized", "unauthorized" или "unknown".
func (m *Metrics) Recognition(cameraID, outcome string) {
	if m == nil {
		return
	}
	m.Recognitions.WithLabelValues(cameraID, outcome).Inc()
}

// Anomaly: outcome - "triggered", "suppressed", "persisted" или "failed".
func (m *Metrics) Anomaly(cameraID, outcome string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(cameraID, outcome).Inc()
}

func (m *Metrics) Event(typ, status string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(typ, status).Inc()
}

func (m *Metrics) GalleryLoaded(identities int) {
	if m == nil {
		return
	}
	m.GalleryIdentities.Set(float64(identities))
	m.GalleryReloads.WithLabelValues("ok").Inc()
}

func (m *Metrics) GalleryReloadFailed() {
	if m == nil {
		return
	}
	m.GalleryReloads.WithLabelValues("error").Inc()
}
