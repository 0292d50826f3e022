// Package recognition превращает лица треков в имена и решения о допуске.
package recognition

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/gallery"
	"github.com/dimuls/area-monitor/metrics"
)

// Embedder строит эмбеддинг по выровненному JPEG-изображению лица.
type Embedder interface {
	Embed(face []byte) ([]float32, error)
}

type Gallery interface {
	Current() *gallery.Gallery
}

type Authorizer interface {
	IsAuthorized(ctx context.Context, name string) bool
}

// Request с пустым Face - сигнал завершения обработчика.
type Request struct {
	TrackID int
	Face    []byte
}

// Sentinel - запрос, завершающий Run.
var Sentinel = Request{}

type Result struct {
	TrackID    int
	Name       string
	Authorized bool
	Similarity float64
	Timestamp  time.Time
}

type Worker struct {
	cameraID   string
	embedder   Embedder
	gallery    Gallery
	authorizer Authorizer
	match      gallery.MatchConfig
	metrics    *metrics.Metrics

	now func() time.Time
}

func NewWorker(cameraID string, e Embedder, g Gallery, a Authorizer,
	match gallery.MatchConfig, m *metrics.Metrics) *Worker {

	return &Worker{
		cameraID:   cameraID,
		embedder:   e,
		gallery:    g,
		authorizer: a,
		match:      match,
		metrics:    m,
		now:        time.Now,
	}
}

// Recognize никогда не возвращает ошибку: неудача построения эмбеддинга
// даёт неизвестное лицо с нулевой близостью.
func (w *Worker) Recognize(ctx context.Context, trackID int,
	face []byte) Result {

	r := Result{TrackID: trackID, Name: entity.UnknownName}

	embedding, err := w.embedder.Embed(face)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"camera_id": w.cameraID,
			"track_id":  trackID,
		}).Debug("failed to embed face")
		r.Timestamp = w.now()
		w.metrics.Recognition(w.cameraID, "unknown")
		return r
	}

	m := w.gallery.Current().Match(embedding, w.match)
	r.Similarity = m.Similarity

	if m.Matched() {
		r.Name = m.Name
		r.Authorized = w.authorizer.IsAuthorized(ctx, m.Name)
	}

	r.Timestamp = w.now()

	switch {
	case !m.Matched():
		w.metrics.Recognition(w.cameraID, "unknown")
	case r.Authorized:
		w.metrics.Recognition(w.cameraID, "authorized")
	default:
		w.metrics.Recognition(w.cameraID, "unauthorized")
	}

	return r
}

// Run обрабатывает запросы, пока не придёт Sentinel, не закроется канал
// запросов или не отменится контекст.
func (w *Worker) Run(ctx context.Context, requests <-chan Request,
	results chan<- Result) {

	log := logrus.WithFields(logrus.Fields{
		"subsystem": "recognition_worker",
		"camera_id": w.cameraID,
	})

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	// Эмбеддер работает через gocv.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		var req Request

		select {
		case <-ctx.Done():
			return
		case r, ok := <-requests:
			if !ok || r.Face == nil {
				return
			}
			req = r
		}

		res := w.Recognize(ctx, req.TrackID, req.Face)

		select {
		case <-ctx.Done():
			return
		case results <- res:
		}
	}
}
