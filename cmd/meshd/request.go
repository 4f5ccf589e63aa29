package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain"
	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/trigger"
)

var requestCmd = &cobra.Command{
	Use:   "request [topic]",
	Short: "Ask the running mesh to open a consensus session",
	Long: `request publishes a consensus trigger on the coordinator channel. A
running meshd picks it up, opens the session and grants the first turn to
the lowest participant id.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

var (
	requestParticipants []string
	requestDescription  string
	requestSender       string
)

func init() {
	requestCmd.Flags().StringSliceVar(&requestParticipants, "participants", nil, "Comma-separated agent ids to invite")
	requestCmd.Flags().StringVar(&requestDescription, "description", "", "Context for the participants")
	requestCmd.Flags().StringVar(&requestSender, "as", "operator", "Sender id recorded as the requester")
	_ = requestCmd.MarkFlagRequired("participants")
}

func runRequest(cmd *cobra.Command, args []string) error {
	topic := strings.TrimSpace(args[0])
	if topic == "" {
		return errors.New("topic is required")
	}
	ctx := cmd.Context()
	logger := meshbrain.NewLogger(cfg.Logging)
	b, err := bus.Open(ctx, meshbrain.BusConfig(cfg.Bus), func(o *bus.Options) { o.Logger = logger })
	if err != nil {
		return err
	}
	defer b.Close()

	sink := trigger.BusSink{Bus: b, SenderID: requestSender}
	_, err = sink.Submit(ctx, protocol.SessionRequest{
		Topic:        topic,
		Description:  requestDescription,
		Trigger:      protocol.TriggerRequested,
		Participants: requestParticipants,
		RequestedBy:  requestSender,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requested consensus on %q via %s bus\n", topic, b.Backend())
	return nil
}
