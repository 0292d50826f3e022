// Package pipeline собирает обработку одной камеры: захват кадров,
// обнаружение и трекинг, распознавание и запись аномалий.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/audit"
	"github.com/dimuls/area-monitor/authz"
	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/gallery"
	"github.com/dimuls/area-monitor/metrics"
	"github.com/dimuls/area-monitor/recognition"
	"github.com/dimuls/area-monitor/recorder"
	"github.com/dimuls/area-monitor/tracker"
)

var (
	ErrStopTimeout   = errors.New("camera stop timed out")
	ErrCameraRunning = errors.New("camera is already running")
)

// Scene - декодированный кадр, с которым работает обработчик.
type Scene interface {
	Behavior() ([]entity.Detection, error)
	Faces() ([]image.Rectangle, error)
	AlignedFace(box image.Rectangle) ([]byte, bool)
	Annotate(box image.Rectangle, lines []string, authorized bool)
	DrawAnomaly(d entity.Detection)
	Overlay(authorized, unauthorized int, fps float64, now time.Time)
	Encode() ([]byte, error)
	Close() error
}

type SceneDecoder interface {
	Decode(f entity.Frame) (Scene, error)
}

type SceneDecoderFunc func(f entity.Frame) (Scene, error)

func (fn SceneDecoderFunc) Decode(f entity.Frame) (Scene, error) {
	return fn(f)
}

type DetailsLookup interface {
	Get(ctx context.Context, name string) (authz.WorkerDetails, bool)
}

type AuditLog interface {
	Write(r audit.Record) error
}

type Dispatcher interface {
	Face(e entity.FaceEvent)
	Anomaly(e entity.AnomalyEvent)
}

type Config struct {
	Capture  capture.Config
	Recorder recorder.Config
	Match    gallery.MatchConfig

	TrackTTL               time.Duration
	IdentityPersistenceTTL time.Duration
	UnauthorizedCooldown   time.Duration

	RecognitionQueueSize int
	TrackerMaxAge        int
	TrackerMinHits       int
}

func DefaultConfig() Config {
	return Config{
		Capture: capture.Config{
			FPS:            capture.DefaultFPS,
			PreEvent:       recorder.DefaultPreEvent,
			QueueSize:      capture.DefaultQueueSize,
			ReconnectAfter: capture.DefaultReconnectAfter,
		},
		Recorder: recorder.Config{
			PreEvent:  recorder.DefaultPreEvent,
			PostEvent: recorder.DefaultPostEvent,
			Cooldown:  recorder.DefaultCooldown,
			FPS:       recorder.DefaultFPS,
			BaseDir:   "anomalies",
		},
		Match: gallery.MatchConfig{
			Threshold:      0.55,
			FallbackVerify: true,
			FallbackMargin: 0.02,
		},
		TrackTTL:               10 * time.Second,
		IdentityPersistenceTTL: 15 * time.Second,
		UnauthorizedCooldown:   10 * time.Second,
		RecognitionQueueSize:   32,
		TrackerMaxAge:          tracker.DefaultMaxAge,
		TrackerMinHits:         tracker.DefaultMinHits,
	}
}

// Deps - общие для всех камер зависимости. Details, Audit и Dispatcher
// необязательны.
type Deps struct {
	Open       capture.Opener
	Decoder    SceneDecoder
	Embedder   recognition.Embedder
	Gallery    recognition.Gallery
	Authorizer recognition.Authorizer
	Details    DetailsLookup
	Audit      AuditLog
	Encoder    recorder.ClipEncoder
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
}

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// run - ресурсы одного запуска камеры.
type run struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	requests chan recognition.Request
	recorder *recorder.Recorder
}

type Camera struct {
	id     string
	source string
	config Config
	deps   Deps

	// mx упорядочивает Start и Stop и держится, пока открывается источник.
	// Состояние читается из running без блокировки.
	mx      sync.Mutex
	run     *run
	running atomic.Bool

	// Время последней аномалии живёт всё время регистрации камеры и
	// переживает перезапуски.
	cooldown recorder.CooldownState

	latestFrame   atomic.Pointer[entity.Frame]
	latestPreview atomic.Pointer[entity.Frame]
	latestFace    atomic.Pointer[entity.FaceEvent]
	latestAnomaly atomic.Pointer[entity.AnomalyEvent]

	now func() time.Time
}

func NewCamera(id, source string, c Config, d Deps) *Camera {
	return &Camera{
		id:     id,
		source: source,
		config: c,
		deps:   d,
		now:    time.Now,
	}
}

func (c *Camera) ID() string     { return c.id }
func (c *Camera) Source() string { return c.source }

func (c *Camera) State() State {
	if c.running.Load() {
		return Running
	}
	return Stopped
}

// Start открывает источник и запускает горутины захвата, распознавания и
// обработки. Если источник не открылся, камера остаётся остановленной.
func (c *Camera) Start() error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.run != nil {
		return fmt.Errorf("start camera %s: %w", c.id, ErrCameraRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}

	cc := c.config.Capture
	cc.URI = c.source
	capt := capture.New(c.id, cc, c.deps.Open, c.deps.Metrics)

	opened := make(chan error, 1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		capt.Run(ctx, opened)
	}()

	if err := <-opened; err != nil {
		cancel()
		r.wg.Wait()
		return fmt.Errorf("start camera %s: %w", c.id, err)
	}

	queueSize := c.config.RecognitionQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	r.requests = make(chan recognition.Request, queueSize)
	results := make(chan recognition.Result, queueSize)

	worker := recognition.NewWorker(c.id, c.deps.Embedder, c.deps.Gallery,
		c.deps.Authorizer, c.config.Match, c.deps.Metrics)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		worker.Run(ctx, r.requests, results)
	}()

	var dispatcher recorder.Dispatcher
	if c.deps.Dispatcher != nil {
		dispatcher = c.deps.Dispatcher
	}

	r.recorder = recorder.New(ctx, c.id, c.config.Recorder, recorder.Deps{
		Encoder:     c.deps.Encoder,
		Latest:      c,
		Buffer:      capt.Ring(),
		Dispatcher:  dispatcher,
		Metrics:     c.deps.Metrics,
		Cooldown:    &c.cooldown,
		OnPersisted: func(e entity.AnomalyEvent) { c.latestAnomaly.Store(&e) },
	})

	p := newProcessor(c, capt.Frames(), r.requests, results, r.recorder)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.run(ctx)
	}()

	c.run = r
	c.running.Store(true)

	logrus.WithFields(logrus.Fields{
		"camera_id": c.id,
		"source":    c.source,
	}).Info("camera started")

	return nil
}

// Stop останавливает горутины камеры и ждёт их не дольше timeout.
// Последние кадр, лицо и аномалия сбрасываются.
func (c *Camera) Stop(timeout time.Duration) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	r := c.run
	if r == nil {
		return nil
	}
	c.run = nil
	c.running.Store(false)

	deadline := time.Now().Add(timeout)

	r.cancel()

	// Обработчик распознавания выходит и по отмене контекста, сигнал
	// завершения нужен на случай, если он ждёт очередной запрос.
	select {
	case r.requests <- recognition.Sentinel:
	default:
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
	case <-t.C:
		err = fmt.Errorf("%w: %s", ErrStopTimeout, c.id)
	}

	if err == nil && !r.recorder.Wait(time.Until(deadline)) {
		err = fmt.Errorf("%w: %s: anomaly clip", ErrStopTimeout, c.id)
	}

	c.latestFrame.Store(nil)
	c.latestPreview.Store(nil)
	c.latestFace.Store(nil)
	c.latestAnomaly.Store(nil)

	logrus.WithField("camera_id", c.id).Info("camera stopped")

	return err
}

// LatestFrame - последний кадр с камеры без разметки.
func (c *Camera) LatestFrame() (entity.Frame, bool) {
	f := c.latestFrame.Load()
	if f == nil {
		return entity.Frame{}, false
	}
	return *f, true
}

// LatestPreview - последний размеченный кадр.
func (c *Camera) LatestPreview() (entity.Frame, bool) {
	f := c.latestPreview.Load()
	if f == nil {
		return entity.Frame{}, false
	}
	return *f, true
}

func (c *Camera) LatestFace() (entity.FaceEvent, bool) {
	e := c.latestFace.Load()
	if e == nil {
		return entity.FaceEvent{}, false
	}
	return *e, true
}

func (c *Camera) LatestAnomaly() (entity.AnomalyEvent, bool) {
	e := c.latestAnomaly.Load()
	if e == nil {
		return entity.AnomalyEvent{}, false
	}
	return *e, true
}
