package capture

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/metrics"
)

const (
	DefaultFPS            = 10
	DefaultQueueSize      = 10
	DefaultReconnectAfter = 10 * time.Second
)

type Config struct {
	URI       string
	Width     int
	Height    int
	FPS       float64
	PreEvent  time.Duration
	QueueSize int

	// Если кадры не читаются дольше ReconnectAfter, поток переоткрывается.
	ReconnectAfter time.Duration
}

// RingCapacity - число кадров, покрывающее PreEvent при частоте FPS.
func (c Config) RingCapacity() int {
	n := int(math.Ceil(c.PreEvent.Seconds() * c.FPS))
	if n < 1 {
		n = 1
	}
	return n
}

type Capturer struct {
	cameraID string
	config   Config
	open     Opener
	metrics  *metrics.Metrics

	frames chan entity.Frame
	ring   *Ring
}

func New(cameraID string, c Config, open Opener,
	m *metrics.Metrics) *Capturer {

	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ReconnectAfter <= 0 {
		c.ReconnectAfter = DefaultReconnectAfter
	}

	return &Capturer{
		cameraID: cameraID,
		config:   c,
		open:     open,
		metrics:  m,
		frames:   make(chan entity.Frame, c.QueueSize),
		ring:     NewRing(c.RingCapacity()),
	}
}

// Frames - очередь кадров на обработку.
func (c *Capturer) Frames() <-chan entity.Frame {
	return c.frames
}

// Ring - буфер кадров до события.
func (c *Capturer) Ring() *Ring {
	return c.ring
}

// Run открывает источник, сообщает результат открытия в opened и читает
// кадры до отмены контекста. Ошибки чтения пропускаются.
func (c *Capturer) Run(ctx context.Context, opened chan<- error) {
	log := logrus.WithFields(logrus.Fields{
		"subsystem": "capture",
		"camera_id": c.cameraID,
	})

	// Фиксируем ОС-поток: gocv-поток нельзя трогать из разных потоков.
	defer LockThread()()

	src, err := c.open(c.config.URI, c.config.Width, c.config.Height)
	opened <- err
	if err != nil {
		return
	}

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	defer func() {
		if src == nil {
			return
		}
		if err := src.Close(); err != nil {
			log.WithError(err).Error("failed to close source")
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(c.config.FPS), 1)
	successTime := time.Now()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		// Поток был закрыт для переподключения.
		if src == nil {
			src, err = c.open(c.config.URI, c.config.Width, c.config.Height)
			if err != nil {
				log.WithError(err).Debug("failed to reopen source")
				continue
			}
			successTime = time.Now()
		}

		frame, err := src.Read()
		if err != nil {
			c.metrics.FrameReadError(c.cameraID)
			log.WithError(err).Debug("failed to read frame")

			if time.Since(successTime) > c.config.ReconnectAfter {
				log.Warning("failed to read too long, reconnecting")
				if err := src.Close(); err != nil {
					log.WithError(err).Error("failed to close source")
				}
				src = nil
			}
			continue
		}

		successTime = time.Now()
		c.metrics.FrameCaptured(c.cameraID)

		// Неблокирующая отправка: если обработчик не успевает, кадр
		// теряется, но в буфер до события попадает всегда.
		select {
		case c.frames <- frame:
		default:
			c.metrics.FrameDropped(c.cameraID, "frames")
		}

		c.ring.Push(frame)
	}
}
