// Package audit ведёт журнал появлений недопущенных людей: CSV-файл, в
// который строки только дописываются.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

type Record struct {
	Timestamp time.Time
	CameraID  string
	Name      string
	TrackID   int
}

// Log безопасен для одновременной записи из нескольких камер.
type Log struct {
	mx   sync.Mutex
	file *os.File
	w    *csv.Writer
}

func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f, w: csv.NewWriter(f)}, nil
}

func (l *Log) Write(r Record) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	err := l.w.Write([]string{
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.CameraID,
		r.Name,
		strconv.Itoa(r.TrackID),
	})
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}

	l.w.Flush()

	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush audit record: %w", err)
	}

	return nil
}

func (l *Log) Close() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.file.Close()
}
