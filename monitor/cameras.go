package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	natsGo "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/dimuls/area-monitor/control"
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "Manage cameras of a running monitor over NATS",
}

// controlCommand строит подкоманду, отправляющую запрос op.
func controlCommand(op, use, short string, args cobra.PositionalArgs,
	request func(args []string) control.Request) *cobra.Command {

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
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

			resp, err := control.NewClient(natsConn, 0).Do(op, request(args))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			err = enc.Encode(resp)
			if err != nil {
				return err
			}

			if !resp.OK {
				return errors.New(resp.Error)
			}

			return nil
		},
	}
}

func byID(args []string) control.Request {
	return control.Request{ID: args[0]}
}

func init() {
	camerasCmd.AddCommand(
		controlCommand(control.OpList, "list", "List cameras",
			cobra.NoArgs, func([]string) control.Request {
				return control.Request{}
			}),
		controlCommand(control.OpAdd, "add ID SOURCE", "Add a camera",
			cobra.ExactArgs(2), func(args []string) control.Request {
				return control.Request{ID: args[0], Source: args[1]}
			}),
		controlCommand(control.OpRemove, "remove ID", "Remove a camera",
			cobra.ExactArgs(1), byID),
		controlCommand(control.OpStart, "start ID", "Start a camera",
			cobra.ExactArgs(1), byID),
		controlCommand(control.OpStop, "stop ID", "Stop a camera",
			cobra.ExactArgs(1), byID),
		controlCommand(control.OpStatus, "status ID",
			"Show camera state and its latest events",
			cobra.ExactArgs(1), byID),
	)
	rootCmd.AddCommand(camerasCmd)
}
