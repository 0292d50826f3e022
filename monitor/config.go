// Файл с загрузчиком конфига: чтение YAML, значения по умолчанию и
// переопределение секретов из окружения.
package main

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/gallery"
	"github.com/dimuls/area-monitor/pipeline"
	"github.com/dimuls/area-monitor/recorder"
	"github.com/dimuls/area-monitor/vision"
)

type CameraConfig struct {
	ID        string `yaml:"id"`
	Source    string `yaml:"source"`
	Autostart bool   `yaml:"autostart"`
}

type GalleryConfig struct {
	Path      string `yaml:"path"`
	StampPath string `yaml:"stamp_path"`
}

type DirectoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type ModelsConfig struct {
	PersonModel      string  `yaml:"person_model"`
	PersonConfig     string  `yaml:"person_config"`
	PersonClassID    int     `yaml:"person_class_id"`
	PersonConfidence float64 `yaml:"person_confidence"`
	ObjectModel      string  `yaml:"object_model"`
	ObjectConfig     string  `yaml:"object_config"`
	ObjectLabels     string  `yaml:"object_labels"`
	ObjectConfidence float64 `yaml:"object_confidence"`
	FaceModel        string  `yaml:"face_model"`
	EyeCascade       string  `yaml:"eye_cascade"`
	ShaperModel      string  `yaml:"shaper_model"`
	RecognizerModel  string  `yaml:"recognizer_model"`
	FacePadding      float64 `yaml:"face_padding"`
	FaceJittering    int     `yaml:"face_jittering"`
}

type Config struct {
	configYAML

	ReconnectAfter         time.Duration
	AuthCacheTTL           time.Duration
	DetailsCacheTTL        time.Duration
	GalleryPollInterval    time.Duration
	TrackTTL               time.Duration
	IdentityPersistenceTTL time.Duration
	PreEvent               time.Duration
	PostEvent              time.Duration
	AnomalyCooldown        time.Duration
	UnauthorizedCooldown   time.Duration
	StopTimeout            time.Duration
	PublishTimeout         time.Duration
}

type configYAML struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`

	NatsURL string     `yaml:"nats_url"`
	Control bool       `yaml:"control"`
	MQTT    MQTTConfig `yaml:"mqtt"`

	Directory DirectoryConfig `yaml:"directory"`
	Gallery   GalleryConfig   `yaml:"gallery"`
	Models    ModelsConfig    `yaml:"models"`

	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	TargetFPS       float64 `yaml:"target_fps"`
	FrameQueue      int     `yaml:"frame_queue"`
	RecognizeQueue  int     `yaml:"recognize_queue"`
	EventQueue      int     `yaml:"event_queue"`
	ReconnectAfter  string  `yaml:"reconnect_after"`
	TrackerMaxAge   int     `yaml:"tracker_max_age"`
	TrackerMinHits  int     `yaml:"tracker_min_hits"`
	AnomalyDir      string  `yaml:"anomaly_dir"`
	AuditPath       string  `yaml:"audit_path"`
	Similarity      float64 `yaml:"similarity_threshold"`
	FallbackVerify  bool    `yaml:"fallback_verify"`
	FallbackMargin  float64 `yaml:"fallback_margin"`
	AuthCacheTTL    string  `yaml:"auth_cache_ttl"`
	DetailsCacheTTL string  `yaml:"details_cache_ttl"`

	GalleryPollInterval    string `yaml:"gallery_poll_interval"`
	TrackTTL               string `yaml:"track_ttl"`
	IdentityPersistenceTTL string `yaml:"identity_persistence_ttl"`
	PreEvent               string `yaml:"pre_event"`
	PostEvent              string `yaml:"post_event"`
	AnomalyCooldown        string `yaml:"anomaly_cooldown"`
	UnauthorizedCooldown   string `yaml:"unauthorized_cooldown"`
	StopTimeout            string `yaml:"stop_timeout"`
	PublishTimeout         string `yaml:"publish_timeout"`

	Cameras []CameraConfig `yaml:"cameras"`
}

func DefaultConfig() Config {
	p := pipeline.DefaultConfig()

	return Config{
		configYAML: configYAML{
			LogLevel:  "info",
			LogFormat: "text",
			Control:   true,
			MQTT: MQTTConfig{
				ClientID:    "area-monitor",
				TopicPrefix: "area-monitor",
			},
			Directory: DirectoryConfig{Driver: "postgres"},
			Gallery: GalleryConfig{
				Path:      "gallery.json",
				StampPath: "gallery.stamp",
			},
			Models: ModelsConfig{
				PersonClassID:    vision.DefaultPersonClassID,
				PersonConfidence: vision.DefaultPersonConfidence,
				ObjectConfidence: vision.DefaultObjectConfidence,
			},
			TargetFPS:      p.Capture.FPS,
			FrameQueue:     p.Capture.QueueSize,
			RecognizeQueue: p.RecognitionQueueSize,
			TrackerMaxAge:  p.TrackerMaxAge,
			TrackerMinHits: p.TrackerMinHits,
			AnomalyDir:     p.Recorder.BaseDir,
			AuditPath:      "unauthorized_access.csv",
			Similarity:     p.Match.Threshold,
			FallbackVerify: p.Match.FallbackVerify,
			FallbackMargin: p.Match.FallbackMargin,
		},
		ReconnectAfter:         p.Capture.ReconnectAfter,
		AuthCacheTTL:           10 * time.Second,
		DetailsCacheTTL:        30 * time.Second,
		GalleryPollInterval:    gallery.DefaultPollInterval,
		TrackTTL:               p.TrackTTL,
		IdentityPersistenceTTL: p.IdentityPersistenceTTL,
		PreEvent:               p.Recorder.PreEvent,
		PostEvent:              p.Recorder.PostEvent,
		AnomalyCooldown:        p.Recorder.Cooldown,
		UnauthorizedCooldown:   p.UnauthorizedCooldown,
		StopTimeout:            2 * time.Second,
		PublishTimeout:         5 * time.Second,
	}
}

// UnmarshalYAML накладывает YAML на уже заполненный конфиг: ключи,
// которых нет в файле, сохраняют прежние значения.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	cYAML := c.configYAML

	err := unmarshal(&cYAML)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	c.configYAML = cYAML

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect_after", cYAML.ReconnectAfter, &c.ReconnectAfter},
		{"auth_cache_ttl", cYAML.AuthCacheTTL, &c.AuthCacheTTL},
		{"details_cache_ttl", cYAML.DetailsCacheTTL, &c.DetailsCacheTTL},
		{"gallery_poll_interval", cYAML.GalleryPollInterval, &c.GalleryPollInterval},
		{"track_ttl", cYAML.TrackTTL, &c.TrackTTL},
		{"identity_persistence_ttl", cYAML.IdentityPersistenceTTL, &c.IdentityPersistenceTTL},
		{"pre_event", cYAML.PreEvent, &c.PreEvent},
		{"post_event", cYAML.PostEvent, &c.PostEvent},
		{"anomaly_cooldown", cYAML.AnomalyCooldown, &c.AnomalyCooldown},
		{"unauthorized_cooldown", cYAML.UnauthorizedCooldown, &c.UnauthorizedCooldown},
		{"stop_timeout", cYAML.StopTimeout, &c.StopTimeout},
		{"publish_timeout", cYAML.PublishTimeout, &c.PublishTimeout},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		*d.dst, err = time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
	}

	return nil
}

// Переменные окружения с секретами, перекрывают значения из файла.
const (
	envDirectoryDSN = "MONITOR_DIRECTORY_DSN"
	envNatsURL      = "MONITOR_NATS_URL"
	envMQTTBroker   = "MONITOR_MQTT_BROKER"
	envMQTTPassword = "MONITOR_MQTT_PASSWORD"
)

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{envDirectoryDSN, &c.Directory.DSN},
		{envNatsURL, &c.NatsURL},
		{envMQTTBroker, &c.MQTT.Broker},
		{envMQTTPassword, &c.MQTT.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok {
			*o.dst = v
		}
	}
}

func (c Config) Validate() error {
	if c.TargetFPS <= 0 {
		return errors.New("target_fps must be positive")
	}
	if c.Similarity < -1 || c.Similarity > 1 {
		return errors.New("similarity_threshold must be in [-1, 1]")
	}
	if c.FallbackMargin < 0 {
		return errors.New("fallback_margin must not be negative")
	}
	if c.PreEvent <= 0 {
		return errors.New("pre_event must be positive")
	}
	if c.PostEvent < 0 {
		return errors.New("post_event must not be negative")
	}

	ids := map[string]bool{}
	for _, cam := range c.Cameras {
		if cam.ID == "" || cam.Source == "" {
			return errors.New("camera id and source are required")
		}
		if ids[cam.ID] {
			return fmt.Errorf("duplicate camera id %s", cam.ID)
		}
		ids[cam.ID] = true
	}

	return nil
}

func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Capture: capture.Config{
			Width:          c.Width,
			Height:         c.Height,
			FPS:            c.TargetFPS,
			PreEvent:       c.PreEvent,
			QueueSize:      c.FrameQueue,
			ReconnectAfter: c.ReconnectAfter,
		},
		Recorder: recorder.Config{
			PreEvent:  c.PreEvent,
			PostEvent: c.PostEvent,
			Cooldown:  c.AnomalyCooldown,
			FPS:       c.TargetFPS,
			BaseDir:   c.AnomalyDir,
		},
		Match: gallery.MatchConfig{
			Threshold:      c.Similarity,
			FallbackVerify: c.FallbackVerify,
			FallbackMargin: c.FallbackMargin,
		},
		TrackTTL:               c.TrackTTL,
		IdentityPersistenceTTL: c.IdentityPersistenceTTL,
		UnauthorizedCooldown:   c.UnauthorizedCooldown,
		RecognitionQueueSize:   c.RecognizeQueue,
		TrackerMaxAge:          c.TrackerMaxAge,
		TrackerMinHits:         c.TrackerMinHits,
	}
}

func (c Config) VisionConfig() vision.Config {
	m := c.Models
	return vision.Config{
		PersonModel:      m.PersonModel,
		PersonConfig:     m.PersonConfig,
		PersonClassID:    m.PersonClassID,
		PersonConfidence: m.PersonConfidence,
		ObjectModel:      m.ObjectModel,
		ObjectConfig:     m.ObjectConfig,
		ObjectLabels:     m.ObjectLabels,
		ObjectConfidence: m.ObjectConfidence,
		FaceModel:        m.FaceModel,
		EyeCascade:       m.EyeCascade,
	}
}

// LoadConfig читает .env (если есть) и конфиг, применяет переопределения
// из окружения и проверяет результат.
func LoadConfig(configPath string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	configYAML, err := ioutil.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	config := DefaultConfig()

	err = yaml.Unmarshal(configYAML, &config)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	config.applyEnv()

	err = config.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}
