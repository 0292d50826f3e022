package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/metrics"
)

const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
)

type event struct {
	face    *entity.FaceEvent
	anomaly *entity.AnomalyEvent
}

// Dispatcher отправляет события в приёмник из отдельной горутины, чтобы
// обработчики камер никогда не ждали сеть. При переполнении очереди
// событие теряется.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	metrics *metrics.Metrics

	mx     sync.RWMutex
	closed bool
	events chan event
	done   chan struct{}
}

func NewDispatcher(s Sink, queueSize int, timeout time.Duration,
	m *metrics.Metrics) *Dispatcher {

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	d := &Dispatcher{
		sink:    s,
		timeout: timeout,
		metrics: m,
		events:  make(chan event, queueSize),
		done:    make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *Dispatcher) Face(e entity.FaceEvent) {
	d.enqueue(event{face: &e}, "face")
}

func (d *Dispatcher) Anomaly(e entity.AnomalyEvent) {
	d.enqueue(event{anomaly: &e}, "anomaly")
}

func (d *Dispatcher) enqueue(ev event, typ string) {
	d.mx.RLock()
	defer d.mx.RUnlock()

	if d.closed {
		d.metrics.Event(typ, "dropped")
		return
	}

	select {
	case d.events <- ev:
	default:
		d.metrics.Event(typ, "dropped")
		logrus.WithField("type", typ).Warn("event queue is full, dropped")
	}
}

// Close дожидается отправки событий из очереди и закрывает приёмник.
func (d *Dispatcher) Close() error {
	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()
		return nil
	}
	d.closed = true
	close(d.events)
	d.mx.Unlock()

	<-d.done

	return d.sink.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	log := logrus.WithField("subsystem", "event_dispatcher")

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	for ev := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)

		var (
			typ string
			err error
		)

		switch {
		case ev.face != nil:
			typ = "face"
			err = d.sink.PublishFace(ctx, *ev.face)
		case ev.anomaly != nil:
			typ = "anomaly"
			err = d.sink.PublishAnomaly(ctx, *ev.anomaly)
		}

		cancel()

		if err != nil {
			d.metrics.Event(typ, "failed")
			log.WithError(err).WithField("type", typ).Error(
				"failed to dispatch event")
			continue
		}

		d.metrics.Event(typ, "sent")
	}
}
