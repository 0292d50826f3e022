package recognition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/gallery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Эмбеддер возвращает вектор по первому байту «изображения».
type fakeEmbedder map[byte][]float32

func (e fakeEmbedder) Embed(face []byte) ([]float32, error) {
	v, ok := e[face[0]]
	if !ok {
		return nil, errors.New("no face landmarks")
	}
	return v, nil
}

type staticGallery struct{ g *gallery.Gallery }

func (s staticGallery) Current() *gallery.Gallery { return s.g }

type fakeAuthorizer map[string]bool

func (a fakeAuthorizer) IsAuthorized(_ context.Context, name string) bool {
	return a[name]
}

func newWorker() *Worker {
	g := gallery.New([]gallery.Identity{
		{Name: "Alice", References: [][]float32{{1, 0, 0}}},
		{Name: "Bob", References: [][]float32{{0, 1, 0}}},
	})

	return NewWorker("cam1",
		fakeEmbedder{
			'a': {1, 0.05, 0},
			'b': {0, 1, 0.02},
			'x': {0, 0, 1},
		},
		staticGallery{g},
		fakeAuthorizer{"Alice": true},
		gallery.MatchConfig{Threshold: 0.55, FallbackVerify: true, FallbackMargin: 0.02},
		nil)
}

func TestRecognize(t *testing.T) {
	w := newWorker()
	ctx := context.Background()

	r := w.Recognize(ctx, 1, []byte("a"))
	assert.Equal(t, "Alice", r.Name)
	assert.True(t, r.Authorized)
	assert.InDelta(t, 0.998, r.Similarity, 1e-3)
	assert.False(t, r.Timestamp.IsZero())

	r = w.Recognize(ctx, 2, []byte("b"))
	assert.Equal(t, "Bob", r.Name)
	assert.False(t, r.Authorized)

	r = w.Recognize(ctx, 3, []byte("x"))
	assert.Equal(t, entity.UnknownName, r.Name)
	assert.False(t, r.Authorized)
	assert.InDelta(t, 0, r.Similarity, 1e-6)
}

func TestRecognizeEmbedFailure(t *testing.T) {
	r := newWorker().Recognize(context.Background(), 4, []byte("?"))

	assert.Equal(t, 4, r.TrackID)
	assert.Equal(t, entity.UnknownName, r.Name)
	assert.False(t, r.Authorized)
	assert.Zero(t, r.Similarity)
}

func TestRunStopsOnSentinel(t *testing.T) {
	w := newWorker()

	requests := make(chan Request, 4)
	results := make(chan Result, 4)

	requests <- Request{TrackID: 1, Face: []byte("a")}
	requests <- Request{TrackID: 2, Face: []byte("?")}
	requests <- Sentinel
	requests <- Request{TrackID: 3, Face: []byte("b")}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), requests, results)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on sentinel")
	}

	require.Len(t, results, 2)
	assert.Equal(t, "Alice", (<-results).Name)
	assert.Equal(t, entity.UnknownName, (<-results).Name)

	// Запрос после сигнала завершения не обработан.
	assert.Len(t, requests, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	w := newWorker()

	ctx, cancel := context.WithCancel(context.Background())
	requests := make(chan Request)
	// Результаты никто не читает: обработчик не должен зависнуть.
	results := make(chan Result)

	done := make(chan struct{})
	go func() {
		w.Run(ctx, requests, results)
		close(done)
	}()

	requests <- Request{TrackID: 1, Face: []byte("a")}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
