package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttQoS            = 1
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTT публикует события в JSON в топики <prefix>/<camera>/faces и
// <prefix>/<camera>/anomalies.
type MQTT struct {
	client mqtt.Client
	prefix string
}

func DialMQTT(c MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logrus.WithError(err).WithField("broker", c.Broker).Warn(
			"mqtt connection lost")
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return NewMQTT(client, c.TopicPrefix), nil
}

func NewMQTT(client mqtt.Client, prefix string) *MQTT {
	if prefix == "" {
		prefix = "monitor"
	}
	return &MQTT{client: client, prefix: prefix}
}

func (m *MQTT) PublishFace(ctx context.Context, e entity.FaceEvent) error {
	return m.publish(ctx, m.topic(e.CameraID, "faces"), e)
}

func (m *MQTT) PublishAnomaly(ctx context.Context, e entity.AnomalyEvent) error {
	return m.publish(ctx, m.topic(e.CameraID, "anomalies"), e)
}

func (m *MQTT) topic(cameraID, kind string) string {
	return m.prefix + "/" + cameraID + "/" + kind
}

func (m *MQTT) publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	token := m.client.Publish(topic, mqttQoS, false, payload)

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
