// Package control принимает команды управления камерами через NATS
// request/reply.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natsGo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/nats"
	"github.com/dimuls/area-monitor/registry"
)

const (
	OpList   = "list"
	OpAdd    = "add"
	OpRemove = "remove"
	OpStart  = "start"
	OpStop   = "stop"
	OpStatus = "status"

	DefaultRequestTimeout = 5 * time.Second
)

var ErrUnknownOp = errors.New("unknown operation")

type Request struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source,omitempty"`
}

type Response struct {
	OK      bool                  `json:"ok"`
	Error   string                `json:"error,omitempty"`
	Cameras []registry.CameraInfo `json:"cameras,omitempty"`
	Running []string              `json:"running,omitempty"`
	Face    *entity.FaceEvent     `json:"face,omitempty"`
	Anomaly *entity.AnomalyEvent  `json:"anomaly,omitempty"`
}

// Cameras - операции реестра, доступные через управление.
type Cameras interface {
	Add(id, source string) error
	Remove(id string) error
	Start(id string) error
	Stop(id string) error
	List() []registry.CameraInfo
	Running() []string
	LatestFace(id string) (entity.FaceEvent, bool)
	LatestAnomaly(id string) (entity.AnomalyEvent, bool)
}

type Server struct {
	conn    *natsGo.Conn
	cameras Cameras
}

func NewServer(conn *natsGo.Conn, cameras Cameras) *Server {
	return &Server{conn: conn, cameras: cameras}
}

// Run отвечает на запросы до отмены контекста.
func (s *Server) Run(ctx context.Context) error {
	log := logrus.WithField("subsystem", "control")

	sub, err := s.conn.SubscribeSync(nats.ControlSubject("*"))
	if err != nil {
		return fmt.Errorf("subscribe to control subject: %w", err)
	}
	defer sub.Unsubscribe()

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("failed to get next control message")
			continue
		}

		op := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

		var req Request
		var resp Response

		if len(msg.Data) > 0 {
			err = json.Unmarshal(msg.Data, &req)
		}
		if err != nil {
			resp.Error = fmt.Sprintf("decode request: %v", err)
		} else {
			resp = s.Handle(op, req)
		}

		log.WithFields(logrus.Fields{
			"op":        op,
			"camera_id": req.ID,
			"ok":        resp.OK,
		}).Debug("control request handled")

		data, err := json.Marshal(resp)
		if err != nil {
			log.WithError(err).Error("failed to json marshal control response")
			continue
		}

		if msg.Reply == "" {
			continue
		}

		if err := msg.Respond(data); err != nil {
			log.WithError(err).Error("failed to respond to control request")
		}
	}
}

// Handle выполняет одну команду.
func (s *Server) Handle(op string, req Request) Response {
	var err error
	var resp Response

	switch op {
	case OpList:
		resp.Cameras = s.cameras.List()
		resp.Running = s.cameras.Running()
	case OpAdd:
		if req.ID == "" || req.Source == "" {
			err = errors.New("id and source are required")
			break
		}
		err = s.cameras.Add(req.ID, req.Source)
	case OpRemove:
		err = s.cameras.Remove(req.ID)
	case OpStart:
		err = s.cameras.Start(req.ID)
	case OpStop:
		err = s.cameras.Stop(req.ID)
	case OpStatus:
		resp, err = s.status(req.ID)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}

	if err != nil {
		return Response{Error: err.Error()}
	}

	resp.OK = true
	return resp
}

func (s *Server) status(id string) (Response, error) {
	var resp Response

	for _, c := range s.cameras.List() {
		if c.ID == id {
			resp.Cameras = []registry.CameraInfo{c}
		}
	}
	if resp.Cameras == nil {
		return resp, fmt.Errorf("status camera %s: %w", id,
			registry.ErrCameraNotFound)
	}

	if f, ok := s.cameras.LatestFace(id); ok {
		resp.Face = &f
	}
	if a, ok := s.cameras.LatestAnomaly(id); ok {
		resp.Anomaly = &a
	}

	return resp, nil
}

type Client struct {
	conn    *natsGo.Conn
	timeout time.Duration
}

func NewClient(conn *natsGo.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Do отправляет команду и ждёт ответ. Ошибка команды возвращается
// в Response.Error, error - только ошибки транспорта.
func (c *Client) Do(op string, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("json marshal request: %w", err)
	}

	msg, err := c.conn.Request(nats.ControlSubject(op), data, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("nats request: %w", err)
	}

	var resp Response

	err = json.Unmarshal(msg.Data, &resp)
	if err != nil {
		return Response{}, fmt.Errorf("json unmarshal response: %w", err)
	}

	return resp, nil
}
