package gallery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultDebounce     = time.Second
)

// Watcher перезагружает галерею, когда отметка обновления становится
// новее последней загруженной. Изменения отслеживаются через fsnotify,
// а на случай пропущенных событий отметка ещё и периодически опрашивается.
type Watcher struct {
	store        *Store
	stampPath    string
	pollInterval time.Duration
	debounce     time.Duration

	last time.Time
}

func NewWatcher(store *Store, stampPath string,
	pollInterval, debounce time.Duration) *Watcher {

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		store:        store,
		stampPath:    filepath.Clean(stampPath),
		pollInterval: pollInterval,
		debounce:     debounce,
	}
}

// Run работает до отмены контекста. Текущая отметка при запуске считается
// уже загруженной.
func (w *Watcher) Run(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{
		"subsystem": "gallery_watcher",
		"stamp":     w.stampPath,
	})

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	if t, err := ReadStamp(w.stampPath); err == nil {
		w.last = t
	}

	var events <-chan fsnotify.Event
	var errs <-chan error

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create fs watcher, polling only")
	} else {
		defer fw.Close()
		// Следим за каталогом: файл отметки пересоздаётся переименованием.
		err = fw.Add(filepath.Dir(w.stampPath))
		if err != nil {
			log.WithError(err).Warn("failed to watch stamp dir, polling only")
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			w.Check(log)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != w.stampPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Несколько записей подряд дают одну перезагрузку.
			debounce.Reset(w.debounce)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(err).Warn("fs watcher error")
		case <-debounce.C:
			w.Check(log)
		}
	}
}

// Check перезагружает галерею, если отметка новее последней загруженной.
// Возвращает true, если галерея была перезагружена.
func (w *Watcher) Check(log logrus.FieldLogger) bool {
	t, err := ReadStamp(w.stampPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("failed to read gallery stamp")
		}
		return false
	}

	if !t.After(w.last) {
		return false
	}

	err = w.store.Reload()
	if err != nil {
		// Отметку не запоминаем, попробуем на следующем опросе.
		log.WithError(err).Error("failed to reload gallery")
		return false
	}

	w.last = t
	return true
}
