// Package registry хранит камеры и управляет их запуском и остановкой.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/pipeline"
)

const DefaultStopTimeout = 2 * time.Second

var (
	ErrCameraExists   = errors.New("camera already exists")
	ErrCameraNotFound = errors.New("camera not found")
)

type CameraInfo struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Running bool   `json:"running"`
}

type entry struct {
	camera *pipeline.Camera

	// lifecycle упорядочивает Start, Stop и Remove одной камеры.
	lifecycle sync.Mutex

	// Камера удаляется: id занят, пока не остановятся её горутины.
	removing bool
}

type Registry struct {
	config      pipeline.Config
	deps        pipeline.Deps
	stopTimeout time.Duration

	mx      sync.Mutex
	cameras map[string]*entry
}

func New(c pipeline.Config, d pipeline.Deps, stopTimeout time.Duration) *Registry {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Registry{
		config:      c,
		deps:        d,
		stopTimeout: stopTimeout,
		cameras:     map[string]*entry{},
	}
}

// Add регистрирует камеру, не запуская её.
func (r *Registry) Add(id, source string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, exists := r.cameras[id]; exists {
		return fmt.Errorf("add camera %s: %w", id, ErrCameraExists)
	}

	r.cameras[id] = &entry{
		camera: pipeline.NewCamera(id, source, r.config, r.deps),
	}

	logrus.WithFields(logrus.Fields{
		"camera_id": id,
		"source":    source,
	}).Info("camera added")

	return nil
}

// Remove останавливает камеру и освобождает её id.
func (r *Registry) Remove(id string) error {
	r.mx.Lock()
	e, exists := r.cameras[id]
	if !exists || e.removing {
		r.mx.Unlock()
		return fmt.Errorf("remove camera %s: %w", id, ErrCameraNotFound)
	}
	e.removing = true
	r.mx.Unlock()

	// Start, начатый до пометки, успевает закончиться до остановки.
	e.lifecycle.Lock()
	err := e.camera.Stop(r.stopTimeout)
	e.lifecycle.Unlock()

	r.mx.Lock()
	delete(r.cameras, id)
	r.mx.Unlock()

	logrus.WithField("camera_id", id).Info("camera removed")

	if err != nil {
		return fmt.Errorf("remove camera %s: %w", id, err)
	}
	return nil
}

func (r *Registry) entry(id string) (*entry, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, exists := r.cameras[id]
	if !exists || e.removing {
		return nil, false
	}
	return e, true
}

func (r *Registry) camera(id string) (*pipeline.Camera, bool) {
	e, exists := r.entry(id)
	if !exists {
		return nil, false
	}
	return e.camera, true
}

// lock захватывает камеру для смены состояния. Если камеру начали удалять,
// пока ждали захвата, возвращает false.
func (r *Registry) lock(id string) (*entry, bool) {
	e, exists := r.entry(id)
	if !exists {
		return nil, false
	}

	e.lifecycle.Lock()

	r.mx.Lock()
	removing := e.removing
	r.mx.Unlock()

	if removing {
		e.lifecycle.Unlock()
		return nil, false
	}
	return e, true
}

// Start запускает камеру. Запуск работающей камеры ничего не делает.
func (r *Registry) Start(id string) error {
	e, exists := r.lock(id)
	if !exists {
		return fmt.Errorf("start camera %s: %w", id, ErrCameraNotFound)
	}
	defer e.lifecycle.Unlock()

	err := e.camera.Start()
	if errors.Is(err, pipeline.ErrCameraRunning) {
		return nil
	}
	return err
}

func (r *Registry) Stop(id string) error {
	e, exists := r.lock(id)
	if !exists {
		return fmt.Errorf("stop camera %s: %w", id, ErrCameraNotFound)
	}
	defer e.lifecycle.Unlock()

	return e.camera.Stop(r.stopTimeout)
}

// List возвращает все камеры, отсортированные по id.
func (r *Registry) List() []CameraInfo {
	r.mx.Lock()
	cs := make([]*pipeline.Camera, 0, len(r.cameras))
	for _, e := range r.cameras {
		if !e.removing {
			cs = append(cs, e.camera)
		}
	}
	r.mx.Unlock()

	infos := make([]CameraInfo, 0, len(cs))
	for _, c := range cs {
		infos = append(infos, CameraInfo{
			ID:      c.ID(),
			Source:  c.Source(),
			Running: c.State() == pipeline.Running,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

// Running возвращает id работающих камер.
func (r *Registry) Running() []string {
	var ids []string
	for _, i := range r.List() {
		if i.Running {
			ids = append(ids, i.ID)
		}
	}
	return ids
}

func (r *Registry) LatestFrame(id string) (entity.Frame, bool) {
	c, exists := r.camera(id)
	if !exists {
		return entity.Frame{}, false
	}
	return c.LatestFrame()
}

func (r *Registry) LatestPreview(id string) (entity.Frame, bool) {
	c, exists := r.camera(id)
	if !exists {
		return entity.Frame{}, false
	}
	return c.LatestPreview()
}

func (r *Registry) LatestFace(id string) (entity.FaceEvent, bool) {
	c, exists := r.camera(id)
	if !exists {
		return entity.FaceEvent{}, false
	}
	return c.LatestFace()
}

func (r *Registry) LatestAnomaly(id string) (entity.AnomalyEvent, bool) {
	c, exists := r.camera(id)
	if !exists {
		return entity.AnomalyEvent{}, false
	}
	return c.LatestAnomaly()
}

// Close удаляет все камеры.
func (r *Registry) Close() error {
	var errs []error
	for _, i := range r.List() {
		if err := r.Remove(i.ID); err != nil && !errors.Is(err, ErrCameraNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
