package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gatewarden/pkg/protocol"
	"gatewarden/services/gateway"
)

func newGatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Gateway tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newGatewaySimulateCommand())
	return cmd
}

func newGatewaySimulateCommand() *cobra.Command {
	var (
		url         string
		facilityID  string
		token       string
		devicesFile string
		nack        bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Connect as a facility gateway, acknowledge commands and answer heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("GATEWARDEN_TOKEN")
			}
			if token == "" {
				return errors.New("--token or GATEWARDEN_TOKEN is required")
			}
			var devices json.RawMessage
			if devicesFile != "" {
				raw, err := os.ReadFile(devicesFile)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s is not valid JSON", devicesFile)
				}
				devices = raw
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simulate(ctx, cmd, url, facilityID, token, devices, nack)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/v1/gateway/connect", "Gateway connect endpoint")
	cmd.Flags().StringVar(&facilityID, "facility", "", "Facility id to authenticate as")
	cmd.Flags().StringVar(&token, "token", "", "Gateway bearer token (default $GATEWARDEN_TOKEN)")
	cmd.Flags().StringVar(&devicesFile, "devices", "", "Device sync payload to push after connecting")
	cmd.Flags().BoolVar(&nack, "nack", false, "Reject every command instead of acknowledging it")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func simulate(ctx context.Context, cmd *cobra.Command, url, facilityID, token string, devices json.RawMessage, nack bool) error {
	out := cmd.OutOrStdout()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn := gateway.NewWebsocketConn(ws)
	defer conn.Close(websocket.StatusNormalClosure, "simulator exiting")

	if err := conn.Write(ctx, protocol.Auth{Token: token, FacilityID: facilityID}); err != nil {
		return err
	}
	reply, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if _, ok := reply.(protocol.AuthOK); !ok {
		return fmt.Errorf("handshake: unexpected %s", reply.Type())
	}
	fmt.Fprintf(out, "authenticated as %s\n", facilityID)

	if devices != nil {
		req := protocol.ProxyRequest{
			ID:     uuid.NewString(),
			Method: http.MethodPost,
			Path:   "/facilities/" + facilityID + "/devices/sync",
			Body:   devices,
		}
		if err := conn.Write(ctx, req); err != nil {
			return err
		}
		fmt.Fprintf(out, "-> device sync %s\n", req.ID)
	}

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var answer protocol.Message
		switch m := msg.(type) {
		case protocol.Ping:
			answer = protocol.Pong{}
		case protocol.Command:
			fmt.Fprintf(out, "<- command %s %s\n", m.ID, m.Payload)
			if nack {
				answer = protocol.CommandAck{ID: m.ID, OK: false, Error: "rejected by simulator"}
			} else {
				answer = protocol.CommandAck{ID: m.ID, OK: true}
			}
		case protocol.ProxyRequest:
			fmt.Fprintf(out, "<- proxy %s %s %s\n", m.ID, m.Method, m.Path)
			answer = protocol.ProxyResponse{ID: m.ID, Status: http.StatusNotFound, Body: json.RawMessage(`{"error":"simulated gateway has no routes"}`)}
		case protocol.ProxyResponse:
			fmt.Fprintf(out, "<- response %s %d %s\n", m.ID, m.Status, m.Body)
		default:
			fmt.Fprintf(out, "<- %s\n", msg.Type())
		}
		if answer == nil {
			continue
		}
		if err := conn.Write(ctx, answer); err != nil {
			return err
		}
	}
}
