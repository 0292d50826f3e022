package sink

import (
	"context"
	"fmt"

	natsGo "github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/nats"
)

// NATS публикует события protobuf-структурами в каналы камер.
type NATS struct {
	conn *natsGo.Conn
}

func NewNATS(conn *natsGo.Conn) *NATS {
	return &NATS{conn: conn}
}

func (n *NATS) PublishFace(_ context.Context, e entity.FaceEvent) error {
	s, err := e.Struct()
	if err != nil {
		return err
	}
	return n.publish(nats.CameraFacesSubject(e.CameraID), s)
}

func (n *NATS) PublishAnomaly(_ context.Context, e entity.AnomalyEvent) error {
	s, err := e.Struct()
	if err != nil {
		return err
	}
	return n.publish(nats.CameraAnomaliesSubject(e.CameraID), s)
}

func (n *NATS) publish(subject string, m proto.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return fmt.Errorf("proto marshal: %w", err)
	}

	err = n.conn.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Close не закрывает соединение: им владеет вызывающий.
func (n *NATS) Close() error {
	return n.conn.Flush()
}
