package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	natsGo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dimuls/area-monitor/audit"
	"github.com/dimuls/area-monitor/authz"
	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/control"
	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/gallery"
	"github.com/dimuls/area-monitor/metrics"
	"github.com/dimuls/area-monitor/pipeline"
	"github.com/dimuls/area-monitor/registry"
	"github.com/dimuls/area-monitor/sink"
	"github.com/dimuls/area-monitor/vision"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(configPath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// denyAll используется без справочника допусков: никто не авторизован.
type denyAll struct{}

func (denyAll) IsAuthorized(context.Context, string) bool { return false }

func runMonitor(configPath string) error {
	// Загрузка конфига.
	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	err = setupLogging(config)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	logrus.Info("config loaded")

	// Метрики.
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(promRegistry)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Контекст для остановки приложения.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Группа для ожидания завершения фоновых обработчиков.
	var wg sync.WaitGroup

	var metricsServer *http.Server

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry,
			promhttp.HandlerOpts{}))

		metricsServer = &http.Server{Addr: config.MetricsAddr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("metrics server failed")
			}
		}()

		logrus.WithField("addr", config.MetricsAddr).Info(
			"metrics server started")
	}

	// Подключение к nats и mqtt.
	var natsConn *natsGo.Conn
	var sinks sink.Multi

	if config.NatsURL != "" {
		natsConn, err = natsGo.Connect(config.NatsURL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer natsConn.Close()

		sinks = append(sinks, sink.NewNATS(natsConn))

		logrus.Info("connected to nats")
	}

	if config.MQTT.Broker != "" {
		mq, err := sink.DialMQTT(sink.MQTTConfig{
			Broker:      config.MQTT.Broker,
			ClientID:    config.MQTT.ClientID,
			Username:    config.MQTT.Username,
			Password:    config.MQTT.Password,
			TopicPrefix: config.MQTT.TopicPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect to mqtt: %w", err)
		}

		sinks = append(sinks, mq)

		logrus.Info("connected to mqtt")
	}

	var s sink.Sink = sink.Log{}
	if len(sinks) > 0 {
		s = sinks
	}

	dispatcher := sink.NewDispatcher(s, config.EventQueue,
		config.PublishTimeout, m)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logrus.WithError(err).Error("failed to close event sinks")
		}
	}()

	// Справочник допусков и сведений о работниках.
	deps := pipeline.Deps{
		Open:       capture.OpenVideo,
		Dispatcher: dispatcher,
		Metrics:    m,
		Authorizer: denyAll{},
		Encoder:    vision.ClipWriter{},
	}

	if config.Directory.DSN != "" {
		dir, err := authz.Open(config.Directory.Driver, config.Directory.DSN)
		if err != nil {
			return fmt.Errorf("open directory: %w", err)
		}
		defer dir.Close()

		deps.Authorizer = authz.NewAuthorizer(dir, config.AuthCacheTTL)
		deps.Details = authz.NewDetailsCache(dir, config.DetailsCacheTTL)

		logrus.WithField("driver", config.Directory.Driver).Info(
			"directory opened")
	} else {
		logrus.Warn("no directory configured, everyone is unauthorized")
	}

	if config.AuditPath != "" {
		auditLog, err := audit.Open(config.AuditPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()

		deps.Audit = auditLog
	}

	// Галерея лиц и её перезагрузка по отметке.
	store := gallery.NewStore(config.Gallery.Path, m)

	err = store.Reload()
	if err != nil {
		logrus.WithError(err).Warn("failed to load gallery, starting empty")
	}

	deps.Gallery = store

	if config.Gallery.StampPath != "" {
		watcher := gallery.NewWatcher(store, config.Gallery.StampPath,
			config.GalleryPollInterval, gallery.DefaultDebounce)

		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	// Модели.
	analyzer, err := vision.NewAnalyzer(config.VisionConfig())
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}

	// Ошибка остановки камер: модели освобождать нельзя.
	var stopErr error
	defer func() { releaseModels(stopErr, analyzer) }()

	deps.Decoder = pipeline.SceneDecoderFunc(
		func(f entity.Frame) (pipeline.Scene, error) {
			s, err := analyzer.Decode(f)
			if err != nil {
				return nil, err
			}
			return s, nil
		})

	embedder, err := vision.NewEmbedder(config.Models.ShaperModel,
		config.Models.RecognizerModel, config.Models.FacePadding,
		config.Models.FaceJittering)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	deps.Embedder = embedder

	logrus.Info("models loaded")

	// Реестр камер.
	cameras := registry.New(config.PipelineConfig(), deps, config.StopTimeout)
	defer func() {
		if err := cameras.Close(); err != nil {
			stopErr = err
			logrus.WithError(err).Error("failed to stop cameras")
		}
	}()

	for _, c := range config.Cameras {
		err := cameras.Add(c.ID, c.Source)
		if err != nil {
			return err
		}
		if !c.Autostart {
			continue
		}
		err = cameras.Start(c.ID)
		if err != nil {
			logrus.WithError(err).WithField("camera_id", c.ID).Error(
				"failed to start camera")
		}
	}

	// Управление камерами.
	if natsConn != nil && config.Control {
		server := control.NewServer(natsConn, cameras)

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := server.Run(ctx)
			if err != nil {
				logrus.WithError(err).Error("control server failed")
			}
		}()
	}

	logrus.Info("everything is started")

	// Ожидание сигнала завершения.
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logrus.Info("exit signal received, stopping")

	err = cameras.Close()
	if err != nil {
		stopErr = err
		logrus.WithError(err).Error("failed to stop cameras")
	}

	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), 5*time.Second)
		defer shutdownCancel()

		err := metricsServer.Shutdown(shutdownCtx)
		if err != nil {
			logrus.WithError(err).Error("failed to shutdown metrics server")
		}
	}

	// Ожидание завершения всех обработчиков.
	wg.Wait()

	logrus.Info("everything is stopped, exiting")

	return nil
}
