package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dimuls/area-monitor/entity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 5; i++ {
		r.Push(entity.Frame{Seq: uint64(i)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(3), snap[0].Seq)
	assert.Equal(t, uint64(5), snap[2].Seq)

	// Снимок - копия.
	snap[0].Seq = 100
	assert.Equal(t, uint64(3), r.Snapshot()[0].Seq)

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRingCapacity(t *testing.T) {
	assert.Equal(t, 30, Config{PreEvent: 3 * time.Second, FPS: 10}.RingCapacity())
	assert.Equal(t, 8, Config{PreEvent: 500 * time.Millisecond, FPS: 15}.RingCapacity())
	assert.Equal(t, 1, Config{}.RingCapacity())
}

type fakeSource struct {
	mx     sync.Mutex
	seq    uint64
	fail   bool
	closed bool
}

func (s *fakeSource) Read() (entity.Frame, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.fail {
		return entity.Frame{}, ErrFrameDecode
	}
	s.seq++
	return entity.Frame{Seq: s.seq, Width: 4, Height: 4, Data: []byte{1}}, nil
}

func (s *fakeSource) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	return nil
}

func TestCapturerFillsQueueAndRing(t *testing.T) {
	src := &fakeSource{}
	c := New("cam1", Config{FPS: 200, QueueSize: 2, PreEvent: time.Second},
		func(string, int, int) (Source, error) { return src, nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	opened := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, opened)
		close(done)
	}()

	require.NoError(t, <-opened)

	assert.Eventually(t, func() bool {
		return c.Ring().Len() >= 10
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Очередь ограничена, лишние кадры отброшены.
	assert.Len(t, c.Frames(), 2)
	first := <-c.Frames()
	assert.Equal(t, uint64(1), first.Seq)

	assert.True(t, src.closed)
	assert.Equal(t, 200, c.Ring().Cap())
}

func TestCapturerOpenFailure(t *testing.T) {
	c := New("cam1", Config{},
		func(string, int, int) (Source, error) {
			return nil, ErrSourceUnavailable
		}, nil)

	opened := make(chan error, 1)
	c.Run(context.Background(), opened)

	assert.True(t, errors.Is(<-opened, ErrSourceUnavailable))
}

func TestCapturerReconnects(t *testing.T) {
	var (
		mx    sync.Mutex
		opens int
	)
	broken := &fakeSource{fail: true}
	healthy := &fakeSource{}

	c := New("cam1", Config{FPS: 200, ReconnectAfter: 20 * time.Millisecond},
		func(string, int, int) (Source, error) {
			mx.Lock()
			defer mx.Unlock()
			opens++
			if opens == 1 {
				return broken, nil
			}
			return healthy, nil
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	opened := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, opened)
		close(done)
	}()
	require.NoError(t, <-opened)

	assert.Eventually(t, func() bool {
		return c.Ring().Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
}
