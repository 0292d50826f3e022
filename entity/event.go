package entity

import (
	"fmt"
	"image"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const UnknownName = "Unknown"

// FaceEvent - результат распознавания лица на треке.
type FaceEvent struct {
	CameraID   string    `json:"camera_id"`
	TrackID    int       `json:"track_id"`
	Name       string    `json:"name"`
	Authorized bool      `json:"authorized"`
	Similarity float64   `json:"similarity"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnomalyObject - объект, из-за которого поднято аномальное событие.
type AnomalyObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"conf"`
	Box        [4]int  `json:"xyxy"`
}

func NewAnomalyObject(d Detection) AnomalyObject {
	return AnomalyObject{
		Label:      d.Label,
		Confidence: d.Confidence,
		Box:        [4]int{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y},
	}
}

func (o AnomalyObject) Rect() image.Rectangle {
	return image.Rect(o.Box[0], o.Box[1], o.Box[2], o.Box[3])
}

// AnomalyEvent создаётся только после того, как клип записан на диск.
type AnomalyEvent struct {
	CameraID  string          `json:"camera_id"`
	Timestamp time.Time       `json:"timestamp"`
	Objects   []AnomalyObject `json:"detected_objects"`
	Count     int             `json:"count"`
	VideoPath string          `json:"video_path"`
	JSONPath  string          `json:"json_path"`
}

// Struct конвертирует событие в protobuf-структуру для публикации в nats.
func (e FaceEvent) Struct() (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"camera_id":  e.CameraID,
		"track_id":   e.TrackID,
		"name":       e.Name,
		"authorized": e.Authorized,
		"similarity": e.Similarity,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("face event to struct: %w", err)
	}
	return s, nil
}

func (e AnomalyEvent) Struct() (*structpb.Struct, error) {
	objects := make([]interface{}, 0, len(e.Objects))
	for _, o := range e.Objects {
		objects = append(objects, map[string]interface{}{
			"label": o.Label,
			"conf":  o.Confidence,
			"xyxy":  []interface{}{o.Box[0], o.Box[1], o.Box[2], o.Box[3]},
		})
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		"camera_id":        e.CameraID,
		"timestamp":        e.Timestamp.Format(time.RFC3339Nano),
		"detected_objects": objects,
		"count":            e.Count,
		"video_path":       e.VideoPath,
		"json_path":        e.JSONPath,
	})
	if err != nil {
		return nil, fmt.Errorf("anomaly event to struct: %w", err)
	}
	return s, nil
}

// FaceEventFromStruct - обратное преобразование, используется подписчиками.
func FaceEventFromStruct(s *structpb.Struct) (FaceEvent, error) {
	m := s.AsMap()
	e := FaceEvent{
		CameraID:   asString(m["camera_id"]),
		TrackID:    int(asFloat(m["track_id"])),
		Name:       asString(m["name"]),
		Similarity: asFloat(m["similarity"]),
	}
	e.Authorized, _ = m["authorized"].(bool)
	ts, err := time.Parse(time.RFC3339Nano, asString(m["timestamp"]))
	if err != nil {
		return FaceEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}
	e.Timestamp = ts
	return e, nil
}

func AnomalyEventFromStruct(s *structpb.Struct) (AnomalyEvent, error) {
	m := s.AsMap()
	e := AnomalyEvent{
		CameraID:  asString(m["camera_id"]),
		Count:     int(asFloat(m["count"])),
		VideoPath: asString(m["video_path"]),
		JSONPath:  asString(m["json_path"]),
	}
	ts, err := time.Parse(time.RFC3339Nano, asString(m["timestamp"]))
	if err != nil {
		return AnomalyEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}
	e.Timestamp = ts

	objects, _ := m["detected_objects"].([]interface{})
	for _, raw := range objects {
		om, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		o := AnomalyObject{
			Label:      asString(om["label"]),
			Confidence: asFloat(om["conf"]),
		}
		box, _ := om["xyxy"].([]interface{})
		for i := 0; i < len(box) && i < 4; i++ {
			o.Box[i] = int(asFloat(box[i]))
		}
		e.Objects = append(e.Objects, o)
	}
	return e, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
