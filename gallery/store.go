package gallery

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/metrics"
)

// Store держит текущую галерею и атомарно подменяет её при перезагрузке.
// Читатели никогда не видят частично загруженную галерею.
type Store struct {
	path    string
	metrics *metrics.Metrics

	current atomic.Pointer[Gallery]
	mx      sync.Mutex
}

func NewStore(path string, m *metrics.Metrics) *Store {
	s := &Store{path: path, metrics: m}
	s.current.Store(New(nil))
	return s
}

// Current возвращает активную галерею, никогда не nil.
func (s *Store) Current() *Gallery {
	return s.current.Load()
}

// Set подменяет галерею целиком.
func (s *Store) Set(g *Gallery) {
	if g == nil {
		g = New(nil)
	}
	s.current.Store(g)
	s.metrics.GalleryLoaded(g.Len())
}

// Reload перечитывает файл галереи. При ошибке остаётся прежняя галерея.
func (s *Store) Reload() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	g, err := Load(s.path)
	if err != nil {
		s.metrics.GalleryReloadFailed()
		return err
	}

	s.Set(g)

	logrus.WithFields(logrus.Fields{
		"path":       s.path,
		"identities": g.Len(),
	}).Info("gallery loaded")

	return nil
}
