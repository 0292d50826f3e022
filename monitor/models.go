package main

import (
	"io"

	"github.com/sirupsen/logrus"
)

// releaseModels освобождает модели после остановки камер. Если какая-то
// камера не остановилась за отведённое время, её горутины могут ещё
// работать с сетями, поэтому модели не трогаются до выхода процесса.
func releaseModels(stopErr error, models ...io.Closer) {
	if stopErr != nil {
		logrus.WithError(stopErr).Warn(
			"cameras did not stop in time, models are left to process exit")
		return
	}
	for _, m := range models {
		if err := m.Close(); err != nil {
			logrus.WithError(err).Error("failed to close model")
		}
	}
}
