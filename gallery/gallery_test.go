package gallery

import (
	"context"
	"io/ioutil"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultMatch = MatchConfig{
	Threshold:      0.55,
	FallbackVerify: true,
	FallbackMargin: 0.02,
}

// unit возвращает вектор в плоскости XY с косинусом cos к оси X.
func unit(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos)), 0}
}

func TestMatchAcceptsByReference(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		Centroid:   unit(0.80),
		References: [][]float32{unit(0.81), unit(0.3)},
	}})

	m := g.Match([]float32{1, 0, 0}, defaultMatch)

	assert.Equal(t, "Alice", m.Name)
	assert.InDelta(t, 0.81, m.Similarity, 1e-4)
}

func TestMatchRejectsWeakReference(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		Centroid:   unit(0.80),
		References: [][]float32{unit(0.70)},
	}})

	m := g.Match([]float32{1, 0, 0}, defaultMatch)

	assert.False(t, m.Matched())
	assert.InDelta(t, 0.70, m.Similarity, 1e-4)
}

func TestMatchWithinMargin(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		Centroid:   unit(0.80),
		References: [][]float32{unit(0.79)},
	}})

	m := g.Match([]float32{1, 0, 0}, defaultMatch)

	assert.Equal(t, "Alice", m.Name)
	assert.InDelta(t, 0.79, m.Similarity, 1e-4)
}

func TestMatchBelowThreshold(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		Centroid:   unit(0.50),
		References: [][]float32{unit(0.99)},
	}})

	m := g.Match([]float32{1, 0, 0}, defaultMatch)

	assert.False(t, m.Matched())
	assert.InDelta(t, 0.50, m.Similarity, 1e-4)
}

func TestMatchWithoutFallback(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		Centroid:   unit(0.80),
		References: [][]float32{unit(0.10)},
	}})

	cfg := defaultMatch
	cfg.FallbackVerify = false

	m := g.Match([]float32{1, 0, 0}, cfg)

	assert.Equal(t, "Alice", m.Name)
	assert.InDelta(t, 0.80, m.Similarity, 1e-4)
}

func TestMatchEmptyGallery(t *testing.T) {
	m := New(nil).Match([]float32{1, 0, 0}, defaultMatch)
	assert.Equal(t, Match{}, m)

	var g *Gallery
	assert.Equal(t, Match{}, g.Match([]float32{1, 0, 0}, defaultMatch))
}

func TestMatchDimensionMismatch(t *testing.T) {
	g := New([]Identity{{Name: "Alice", Centroid: unit(0.8)}})
	assert.False(t, g.Match([]float32{1, 0}, defaultMatch).Matched())
}

func TestMatchOwnReference(t *testing.T) {
	g := New([]Identity{
		{Name: "Alice", References: [][]float32{{1, 2, 3}, {1, 2, 2.5}}},
		{Name: "Bob", References: [][]float32{{-3, 1, 0}, {-2, 1, 0.5}}},
	})

	for _, name := range []string{"Alice", "Bob"} {
		id, ok := g.Identity(name)
		require.True(t, ok)

		for _, ref := range id.References {
			m := g.Match(ref, defaultMatch)
			assert.Equal(t, name, m.Name)
			assert.InDelta(t, 1.0, m.Similarity, 1e-3)
		}
	}
}

func TestNewComputesCentroid(t *testing.T) {
	g := New([]Identity{{
		Name:       "Alice",
		References: [][]float32{{2, 0}, {0, 2}},
	}})

	id, ok := g.Identity("Alice")
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt2/2, id.Centroid[0], 1e-6)
	assert.InDelta(t, math.Sqrt2/2, id.Centroid[1], 1e-6)
	assert.InDelta(t, 1.0, id.References[0][0], 1e-6)
}

func TestParseFormats(t *testing.T) {
	data := []byte(`{
		"Bob": [[0, 1, 0], [0, 2, 0]],
		"Alice": {"embeddings": [[1, 0, 0]], "centroid": [3, 0, 0]},
		"Broken": "oops",
		"Empty": {"embeddings": []},
		"Wide": {"embeddings": [[1, 0, 0, 0]]}
	}`)

	g, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"Alice", "Bob"}, g.Names())
	assert.Equal(t, 3, g.Dim())

	bob, ok := g.Identity("Bob")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1, 0}, bob.Centroid)
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`[`))
	assert.Error(t, err)
}

func TestParseStamp(t *testing.T) {
	ts, err := ParseStamp("1700000000.5\n")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Nanosecond()))

	ts, err = ParseStamp("2024-03-01T10:00:00.123456")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	ts, err = ParseStamp("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())

	_, err = ParseStamp("tomorrow")
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gallery.json")
	writeFile(t, path, `{"Alice": [[1, 0]]}`)

	s := NewStore(path, nil)
	assert.Equal(t, 0, s.Current().Len())

	require.NoError(t, s.Reload())
	assert.Equal(t, []string{"Alice"}, s.Current().Names())

	writeFile(t, path, `{broken`)
	assert.Error(t, s.Reload())
	assert.Equal(t, []string{"Alice"}, s.Current().Names())
}

func TestWatcherCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gallery.json")
	stamp := filepath.Join(dir, "last_update.txt")
	writeFile(t, path, `{"Alice": [[1, 0]]}`)

	s := NewStore(path, nil)
	w := NewWatcher(s, stamp, time.Hour, time.Millisecond)
	log := logrus.NewEntry(logrus.StandardLogger())

	// Отметки нет.
	assert.False(t, w.Check(log))

	require.NoError(t, WriteStamp(stamp, time.Unix(100, 0)))
	assert.True(t, w.Check(log))
	assert.Equal(t, 1, s.Current().Len())

	// Та же отметка повторно не перезагружает.
	assert.False(t, w.Check(log))

	// Битый файл: галерея не меняется, отметка не запоминается.
	writeFile(t, path, `{broken`)
	require.NoError(t, WriteStamp(stamp, time.Unix(200, 0)))
	assert.False(t, w.Check(log))

	writeFile(t, path, `{"Alice": [[1, 0]], "Bob": [[0, 1]]}`)
	assert.True(t, w.Check(log))
	assert.Equal(t, 2, s.Current().Len())
}

func TestWatcherRunReloadsOnStampChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gallery.json")
	stamp := filepath.Join(dir, "last_update.txt")
	writeFile(t, path, `{"Alice": [[1, 0]]}`)
	require.NoError(t, WriteStamp(stamp, time.Unix(100, 0)))

	s := NewStore(path, nil)
	w := NewWatcher(s, stamp, 20*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Текущая отметка считается загруженной.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, s.Current().Len())

	require.NoError(t, WriteStamp(stamp, time.Unix(300, 0)))

	assert.Eventually(t, func() bool {
		return s.Current().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSaveLoad(t *testing.T) {
	g := New([]Identity{
		{Name: "bob", References: [][]float32{{0, 2, 0}}},
		{Name: "alice", References: [][]float32{{1, 0, 0}, {0, 1, 0}}},
	})

	path := filepath.Join(t.TempDir(), "gallery.json")
	require.NoError(t, Save(path, g))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, loaded.Names())

	alice, ok := loaded.Identity("alice")
	require.True(t, ok)
	assert.Len(t, alice.References, 2)
	assert.InDelta(t, 1/math.Sqrt2, alice.Centroid[0], 1e-6)

	bob, _ := loaded.Identity("bob")
	assert.Equal(t, []float32{0, 1, 0}, bob.References[0])

	m := loaded.Match([]float32{1, 0, 0}, defaultMatch)
	assert.Equal(t, "alice", m.Name)
}

func TestMatchIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.json")
	require.NoError(t, Save(path, New([]Identity{
		{Name: "Alice", References: [][]float32{unit(0.9), unit(0.7)}},
		{Name: "Bob", References: [][]float32{{0, 0, 1}}},
	})))

	s := NewStore(path, nil)
	require.NoError(t, s.Reload())

	embedding := []float32{1, 0, 0}

	first := s.Current().Match(embedding, defaultMatch)
	require.Equal(t, "Alice", first.Name)
	assert.Equal(t, first, s.Current().Match(embedding, defaultMatch))

	// Перезагрузка неизменённого файла не меняет ответ.
	require.NoError(t, s.Reload())
	assert.Equal(t, first, s.Current().Match(embedding, defaultMatch))

	// Вход не портится при сопоставлении.
	assert.Equal(t, []float32{1, 0, 0}, embedding)
}
