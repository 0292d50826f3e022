package gallery

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Форматы отметки времени, которые пишут внешние инструменты обучения.
var stampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ReadStamp читает файл-отметку обновления галереи. В файле либо число
// секунд с эпохи, либо время в ISO-формате.
func ReadStamp(path string) (time.Time, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read stamp: %w", err)
	}

	return ParseStamp(string(data))
}

func ParseStamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)), nil
	}

	for _, layout := range stampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("parse stamp: unknown format %q", s)
}

// WriteStamp атомарно записывает отметку времени t.
func WriteStamp(path string, t time.Time) error {
	err := writeFileAtomic(path, []byte(t.Format(time.RFC3339Nano)))
	if err != nil {
		return fmt.Errorf("write stamp: %w", err)
	}
	return nil
}

// writeFileAtomic пишет data во временный файл рядом с path и
// переименовывает его: читатели видят либо старое, либо новое содержимое.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
