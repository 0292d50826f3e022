// Package recorder записывает клип вокруг аномального события: кадры до
// события из буфера камеры и кадры после него, видео и JSON-описание рядом.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/metrics"
)

const (
	DefaultPreEvent  = 3 * time.Second
	DefaultPostEvent = 3 * time.Second
	DefaultCooldown  = 10 * time.Second
	DefaultFPS       = 10

	// Не больше одной записи клипа на камеру одновременно.
	maxInFlight = 1
)

type Config struct {
	PreEvent  time.Duration
	PostEvent time.Duration
	Cooldown  time.Duration
	FPS       float64
	BaseDir   string
}

// ClipEncoder пишет кадры в видеофайл.
type ClipEncoder interface {
	Encode(path string, frames []entity.Frame, fps float64) error
}

type LatestFrameSource interface {
	LatestFrame() (entity.Frame, bool)
}

type Snapshotter interface {
	Snapshot() []entity.Frame
}

type Dispatcher interface {
	Anomaly(e entity.AnomalyEvent)
}

// CooldownState хранит время последнего принятого события. Владелец может
// передавать одно состояние нескольким рекордерам подряд, чтобы cooldown
// не сбрасывался при перезапуске камеры.
type CooldownState struct {
	mx   sync.Mutex
	last time.Time
}

type Deps struct {
	Encoder    ClipEncoder
	Latest     LatestFrameSource
	Buffer     Snapshotter
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics

	// Cooldown, если nil, рекордер заводит своё состояние.
	Cooldown *CooldownState

	// OnPersisted вызывается после записи клипа, до отправки события.
	OnPersisted func(entity.AnomalyEvent)
}

type Recorder struct {
	cameraID string
	config   Config
	deps     Deps

	ctx      context.Context
	inFlight *semaphore.Weighted
	wg       sync.WaitGroup

	cooldown *CooldownState

	now func() time.Time

	// lockThread закрепляет горутину записи за потоком ОС на время работы
	// с gocv.
	lockThread func() func()
}

// New создаёт рекордер камеры. Отмена ctx прерывает сбор кадров после
// события, уже собранное всё равно записывается.
func New(ctx context.Context, cameraID string, c Config, d Deps) *Recorder {
	if c.PreEvent <= 0 {
		c.PreEvent = DefaultPreEvent
	}
	if c.PostEvent < 0 {
		c.PostEvent = 0
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.BaseDir == "" {
		c.BaseDir = "anomalies"
	}

	cooldown := d.Cooldown
	if cooldown == nil {
		cooldown = &CooldownState{}
	}

	return &Recorder{
		cameraID:   cameraID,
		config:     c,
		deps:       d,
		ctx:        ctx,
		inFlight:   semaphore.NewWeighted(maxInFlight),
		cooldown:   cooldown,
		now:        time.Now,
		lockThread: capture.LockThread,
	}
}

// Trigger начинает запись клипа, если прошло не меньше Cooldown с прошлого
// события и предыдущая запись закончена. Буфер до события снимается сразу;
// если он пуст, клип начинается с текущего кадра. Возвращает true, если
// запись начата.
func (r *Recorder) Trigger(objects []entity.AnomalyObject,
	current entity.Frame) bool {

	if len(objects) == 0 {
		return false
	}

	log := logrus.WithFields(logrus.Fields{
		"subsystem": "anomaly_recorder",
		"camera_id": r.cameraID,
	})

	now := r.now()

	cd := r.cooldown
	cd.mx.Lock()
	if !cd.last.IsZero() && now.Sub(cd.last) < r.config.Cooldown {
		cd.mx.Unlock()
		r.deps.Metrics.Anomaly(r.cameraID, "suppressed")
		log.WithField("objects", len(objects)).Debug(
			"anomaly suppressed by cooldown")
		return false
	}
	if !r.inFlight.TryAcquire(1) {
		cd.mx.Unlock()
		r.deps.Metrics.Anomaly(r.cameraID, "suppressed")
		log.Debug("anomaly suppressed, previous clip is still recording")
		return false
	}
	cd.last = now
	cd.mx.Unlock()

	var pre []entity.Frame
	if r.deps.Buffer != nil {
		pre = r.deps.Buffer.Snapshot()
	}
	if len(pre) == 0 {
		pre = []entity.Frame{current}
	}

	r.deps.Metrics.Anomaly(r.cameraID, "triggered")
	log.WithField("objects", len(objects)).Info("anomaly detected")

	objects = append([]entity.AnomalyObject(nil), objects...)

	r.wg.Add(1)
	go r.record(now, objects, pre)

	return true
}

func (r *Recorder) record(ts time.Time, objects []entity.AnomalyObject,
	pre []entity.Frame) {

	defer r.wg.Done()
	defer r.inFlight.Release(1)
	defer r.lockThread()()

	log := logrus.WithFields(logrus.Fields{
		"subsystem": "anomaly_recorder",
		"camera_id": r.cameraID,
	})

	frames := append(pre, r.collectPost()...)

	e, err := r.Persist(ts, objects, frames)
	if err != nil {
		r.deps.Metrics.Anomaly(r.cameraID, "failed")
		log.WithError(err).Error("failed to persist anomaly clip")
		return
	}

	r.deps.Metrics.Anomaly(r.cameraID, "persisted")
	log.WithFields(logrus.Fields{
		"video_path": e.VideoPath,
		"json_path":  e.JSONPath,
	}).Info("anomaly clip saved")

	if r.deps.OnPersisted != nil {
		r.deps.OnPersisted(e)
	}
	if r.deps.Dispatcher != nil {
		r.deps.Dispatcher.Anomaly(e)
	}
}

// collectPost берёт последний кадр камеры с частотой FPS в течение
// PostEvent.
func (r *Recorder) collectPost() []entity.Frame {
	if r.config.PostEvent <= 0 || r.deps.Latest == nil {
		return nil
	}

	interval := time.Duration(float64(time.Second) / r.config.FPS)
	frames := make([]entity.Frame, 0,
		int(r.config.PostEvent.Seconds()*r.config.FPS)+1)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	deadline := time.NewTimer(r.config.PostEvent)
	defer deadline.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return frames
		case <-deadline.C:
			return frames
		case <-tick.C:
			if f, ok := r.deps.Latest.LatestFrame(); ok {
				frames = append(frames, f)
			}
		}
	}
}

// Wait дожидается окончания начатых записей, но не дольше timeout.
// Возвращает false при истечении timeout.
func (r *Recorder) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
