package audit

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unauthorized_log.csv")
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.Local)

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(Record{Timestamp: ts, CameraID: "cam1", Name: "Bob", TrackID: 7}))
	require.NoError(t, l.Close())

	// Повторное открытие дописывает в конец.
	l, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(Record{Timestamp: ts, CameraID: "cam2", Name: "Eve, Jr", TrackID: 8}))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"2024-02-03 04:05:06", "cam1", "Bob", "7"},
		{"2024-02-03 04:05:06", "cam2", "Eve, Jr", "8"},
	}, rows)
}

func TestLogConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	l, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Write(Record{Timestamp: time.Now(), CameraID: "cam", Name: "x", TrackID: i}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 20)
}
