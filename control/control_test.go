package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsGo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/registry"
)

type fakeCameras struct {
	mx      sync.Mutex
	sources map[string]string
	running map[string]bool
	face    map[string]entity.FaceEvent
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		sources: map[string]string{},
		running: map[string]bool{},
		face:    map[string]entity.FaceEvent{},
	}
}

func (c *fakeCameras) Add(id, source string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.sources[id]; ok {
		return fmt.Errorf("add camera %s: %w", id, registry.ErrCameraExists)
	}
	c.sources[id] = source
	return nil
}

func (c *fakeCameras) Remove(id string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.sources[id]; !ok {
		return registry.ErrCameraNotFound
	}
	delete(c.sources, id)
	delete(c.running, id)
	return nil
}

func (c *fakeCameras) Start(id string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.sources[id]; !ok {
		return registry.ErrCameraNotFound
	}
	c.running[id] = true
	return nil
}

func (c *fakeCameras) Stop(id string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.sources[id]; !ok {
		return registry.ErrCameraNotFound
	}
	delete(c.running, id)
	return nil
}

func (c *fakeCameras) List() []registry.CameraInfo {
	c.mx.Lock()
	defer c.mx.Unlock()
	var infos []registry.CameraInfo
	for id, src := range c.sources {
		infos = append(infos, registry.CameraInfo{
			ID: id, Source: src, Running: c.running[id],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (c *fakeCameras) Running() []string {
	var ids []string
	for _, i := range c.List() {
		if i.Running {
			ids = append(ids, i.ID)
		}
	}
	return ids
}

func (c *fakeCameras) LatestFace(id string) (entity.FaceEvent, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	f, ok := c.face[id]
	return f, ok
}

func (c *fakeCameras) LatestAnomaly(string) (entity.AnomalyEvent, bool) {
	return entity.AnomalyEvent{}, false
}

func TestHandle(t *testing.T) {
	cs := newFakeCameras()
	s := NewServer(nil, cs)

	resp := s.Handle(OpAdd, Request{ID: "cam1", Source: "rtsp://a"})
	assert.True(t, resp.OK)

	resp = s.Handle(OpAdd, Request{ID: "cam1", Source: "rtsp://a"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "already exists")

	resp = s.Handle(OpAdd, Request{ID: "cam2"})
	assert.False(t, resp.OK)

	resp = s.Handle(OpStart, Request{ID: "cam1"})
	assert.True(t, resp.OK)

	resp = s.Handle(OpList, Request{})
	require.True(t, resp.OK)
	assert.Equal(t, []registry.CameraInfo{
		{ID: "cam1", Source: "rtsp://a", Running: true},
	}, resp.Cameras)
	assert.Equal(t, []string{"cam1"}, resp.Running)

	resp = s.Handle(OpStatus, Request{ID: "cam1"})
	require.True(t, resp.OK)
	assert.Nil(t, resp.Face)
	assert.Nil(t, resp.Anomaly)

	cs.face["cam1"] = entity.FaceEvent{CameraID: "cam1", Name: "alice"}
	resp = s.Handle(OpStatus, Request{ID: "cam1"})
	require.NotNil(t, resp.Face)
	assert.Equal(t, "alice", resp.Face.Name)

	resp = s.Handle(OpStatus, Request{ID: "nope"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "not found")

	resp = s.Handle(OpStop, Request{ID: "nope"})
	assert.False(t, resp.OK)

	resp = s.Handle("explode", Request{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, ErrUnknownOp.Error())

	resp = s.Handle(OpRemove, Request{ID: "cam1"})
	assert.True(t, resp.OK)
	assert.Empty(t, cs.List())
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server is not ready")
	}

	t.Cleanup(ns.Shutdown)

	return ns
}

func TestServerOverNATS(t *testing.T) {
	ns := runNATSServer(t)

	conn, err := natsGo.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	s := NewServer(conn, newFakeCameras())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	c := NewClient(conn, 2*time.Second)

	// Подписка сервера может появиться не сразу.
	require.Eventually(t, func() bool {
		resp, err := c.Do(OpList, Request{})
		return err == nil && resp.OK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := c.Do(OpAdd, Request{ID: "cam1", Source: "rtsp://a"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = c.Do(OpStart, Request{ID: "cam1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = c.Do(OpList, Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1"}, resp.Running)

	resp, err = c.Do(OpStart, Request{ID: "cam2"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "not found")
}
