package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dimuls/area-monitor/entity"
)

var (
	ErrNoFrames = errors.New("no valid frames")
	ErrEncode   = errors.New("clip encode failed")
)

// Sidecar - JSON-описание клипа, лежит рядом с видео.
type Sidecar struct {
	CameraID  string      `json:"camera_id"`
	Timestamp string      `json:"timestamp"`
	Anomaly   AnomalyInfo `json:"anomaly"`
	VideoPath string      `json:"video_path"`
}

type AnomalyInfo struct {
	DetectedObjects []entity.AnomalyObject `json:"detected_objects"`
	Count           int                    `json:"count"`
	PreSeconds      float64                `json:"pre_seconds"`
	PostSeconds     float64                `json:"post_seconds"`
}

// Persist пишет видео и JSON-описание в <BaseDir>/<YYYY-MM-DD>/. Описание
// пишется только после того, как видео записано и не пусто; при ошибке
// описания видео удаляется, так что у каждого клипа ровно одно описание.
func (r *Recorder) Persist(ts time.Time, objects []entity.AnomalyObject,
	frames []entity.Frame) (entity.AnomalyEvent, error) {

	valid := make([]entity.Frame, 0, len(frames))
	for _, f := range frames {
		if f.Valid() {
			valid = append(valid, f)
		}
	}
	if len(valid) == 0 {
		return entity.AnomalyEvent{}, ErrNoFrames
	}

	dir := filepath.Join(r.config.BaseDir, ts.Format("2006-01-02"))

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return entity.AnomalyEvent{}, fmt.Errorf("create clip dir: %w", err)
	}

	base := fmt.Sprintf("%s_%s_%s", fileSafe(r.cameraID),
		ts.Format("20060102_150405"), shortID())

	videoPath := filepath.Join(dir, base+".mp4")
	jsonPath := filepath.Join(dir, base+".json")

	err = r.deps.Encoder.Encode(videoPath, valid, r.config.FPS)
	if err != nil {
		os.Remove(videoPath)
		return entity.AnomalyEvent{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	info, err := os.Stat(videoPath)
	if err != nil || info.Size() == 0 {
		os.Remove(videoPath)
		return entity.AnomalyEvent{}, fmt.Errorf("%w: empty video", ErrEncode)
	}

	err = writeJSON(jsonPath, Sidecar{
		CameraID:  r.cameraID,
		Timestamp: ts.Format(time.RFC3339),
		Anomaly: AnomalyInfo{
			DetectedObjects: objects,
			Count:           len(objects),
			PreSeconds:      r.config.PreEvent.Seconds(),
			PostSeconds:     r.config.PostEvent.Seconds(),
		},
		VideoPath: videoPath,
	})
	if err != nil {
		os.Remove(videoPath)
		return entity.AnomalyEvent{}, err
	}

	return entity.AnomalyEvent{
		CameraID:  r.cameraID,
		Timestamp: ts,
		Objects:   objects,
		Count:     len(objects),
		VideoPath: videoPath,
		JSONPath:  jsonPath,
	}, nil
}

// ReadSidecar читает JSON-описание клипа.
func ReadSidecar(path string) (Sidecar, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar: %w", err)
	}

	var s Sidecar

	err = json.Unmarshal(data, &s)
	if err != nil {
		return Sidecar{}, fmt.Errorf("parse sidecar: %w", err)
	}

	return s, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal sidecar: %w", err)
	}

	tmp := path + ".tmp"

	err = ioutil.WriteFile(tmp, data, 0644)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write sidecar: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sidecar: %w", err)
	}

	return nil
}

// shortID - 6 шестнадцатеричных символов, чтобы клипы одной секунды не
// совпадали по имени.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
