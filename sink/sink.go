// Package sink доставляет события распознавания и аномалий внешним
// потребителям. Доставка «отправил и забыл»: ошибки только логируются.
package sink

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
)

type Sink interface {
	PublishFace(ctx context.Context, e entity.FaceEvent) error
	PublishAnomaly(ctx context.Context, e entity.AnomalyEvent) error
	Close() error
}

// Multi рассылает событие во все приёмники и собирает их ошибки.
type Multi []Sink

func (m Multi) PublishFace(ctx context.Context, e entity.FaceEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishFace(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishAnomaly(ctx context.Context, e entity.AnomalyEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishAnomaly(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log пишет события в лог; используется, когда транспорт не настроен.
type Log struct{}

func (Log) PublishFace(_ context.Context, e entity.FaceEvent) error {
	logrus.WithFields(logrus.Fields{
		"camera_id":  e.CameraID,
		"track_id":   e.TrackID,
		"name":       e.Name,
		"authorized": e.Authorized,
		"similarity": e.Similarity,
	}).Info("face recognized")
	return nil
}

func (Log) PublishAnomaly(_ context.Context, e entity.AnomalyEvent) error {
	logrus.WithFields(logrus.Fields{
		"camera_id":  e.CameraID,
		"count":      e.Count,
		"video_path": e.VideoPath,
		"json_path":  e.JSONPath,
	}).Info("anomaly recorded")
	return nil
}

func (Log) Close() error { return nil }
