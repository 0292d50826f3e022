package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	natsGo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/nats"
)

var eventsCamera string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print face and anomaly events published to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		if config.NatsURL == "" {
			return errors.New("nats_url is not configured")
		}

		natsConn, err := natsGo.Connect(config.NatsURL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer natsConn.Close()

		facesSubject := nats.AllFacesSubject
		anomaliesSubject := nats.AllAnomaliesSubject
		if eventsCamera != "" {
			facesSubject = nats.CameraFacesSubject(eventsCamera)
			anomaliesSubject = nats.CameraAnomaliesSubject(eventsCamera)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup
		var outMx sync.Mutex

		out := json.NewEncoder(os.Stdout)

		printEvent := func(v interface{}) {
			outMx.Lock()
			defer outMx.Unlock()
			if err := out.Encode(v); err != nil {
				logrus.WithError(err).Error("failed to print event")
			}
		}

		tail := func(subject string, decode func(*structpb.Struct) (interface{}, error)) error {
			sub, err := natsConn.SubscribeSync(subject)
			if err != nil {
				return fmt.Errorf("subscribe to %s: %w", subject, err)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sub.Unsubscribe()

				for {
					msg, err := sub.NextMsgWithContext(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						continue
					}

					s := &structpb.Struct{}

					err = proto.Unmarshal(msg.Data, s)
					if err != nil {
						logrus.WithError(err).Error(
							"failed to proto unmarshal event")
						continue
					}

					e, err := decode(s)
					if err != nil {
						logrus.WithError(err).Error("failed to decode event")
						continue
					}

					printEvent(e)
				}
			}()

			return nil
		}

		err = tail(facesSubject, func(s *structpb.Struct) (interface{}, error) {
			return entity.FaceEventFromStruct(s)
		})
		if err != nil {
			return err
		}

		err = tail(anomaliesSubject, func(s *structpb.Struct) (interface{}, error) {
			return entity.AnomalyEventFromStruct(s)
		})
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}

		exit := make(chan os.Signal, 1)
		signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
		<-exit

		cancel()
		wg.Wait()

		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsCamera, "camera", "",
		"print events of this camera only")
	rootCmd.AddCommand(eventsCmd)
}
